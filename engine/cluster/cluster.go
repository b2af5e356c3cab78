// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package cluster

import (
	"sort"
	"sync"

	"github.com/pingcap/dagflow/engine/pkg/clock"
	"github.com/pingcap/dagflow/engine/pkg/logutil"
	"github.com/pingcap/dagflow/engine/pkg/notifier"
	"github.com/pingcap/dagflow/engine/runtime"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/pingcap/dagflow/pkg/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Member is a worker of the cluster. Every member runs its own
// ExecutionService.
type Member struct {
	id     string
	labels map[string]string
	// capacity is the maximum number of tasklets, 0 means unlimited
	capacity int
	joinSeq  int

	service *runtime.ExecutionService
	lost    atomic.Bool
}

// ID returns the member id.
func (m *Member) ID() string { return m.id }

// Labels returns a copy of the member labels.
func (m *Member) Labels() map[string]string {
	ret := make(map[string]string, len(m.labels))
	for k, v := range m.labels {
		ret[k] = v
	}
	return ret
}

// Capacity returns the maximum number of tasklets, 0 means unlimited.
func (m *Member) Capacity() int { return m.capacity }

// Service returns the execution service of the member.
func (m *Member) Service() *runtime.ExecutionService { return m.service }

// IsLost reports whether the member left the cluster.
func (m *Member) IsLost() bool { return m.lost.Load() }

// EventType is the type of a membership event.
type EventType int

// Membership event types.
const (
	MemberAdded EventType = iota + 1
	MemberLost
)

func (t EventType) String() string {
	switch t {
	case MemberAdded:
		return "added"
	case MemberLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Event is a membership change.
type Event struct {
	Type     EventType
	MemberID string
}

// Cluster is an in-process set of members.
type Cluster struct {
	runtimeCfg runtime.Config
	clock      clock.Clock
	idGen      uuid.Generator
	logger     *zap.Logger

	mu      sync.RWMutex
	members map[string]*Member
	nextSeq int
	closed  bool

	events *notifier.Notifier[Event]
}

// New creates an empty Cluster.
func New(cfg runtime.Config, clk clock.Clock, idGen uuid.Generator) *Cluster {
	return &Cluster{
		runtimeCfg: cfg,
		clock:      clk,
		idGen:      idGen,
		logger:     logutil.NewLogger4Engine().With(zap.String("component", "cluster")),
		members:    make(map[string]*Member),
		events:     notifier.NewNotifier[Event](),
	}
}

// AddMember starts a new member.
func (c *Cluster) AddMember(labels map[string]string, capacity int) (*Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.ErrRuntimeIsClosed.GenWithStackByArgs()
	}

	id := c.idGen.NewString()
	m := &Member{
		id:       id,
		labels:   make(map[string]string, len(labels)),
		capacity: capacity,
		joinSeq:  c.nextSeq,
		service:  runtime.NewExecutionService(c.runtimeCfg, c.clock, id),
	}
	for k, v := range labels {
		m.labels[k] = v
	}
	c.nextSeq++
	c.members[id] = m
	c.logger.Info("member added",
		zap.String("member-id", id), zap.Any("labels", labels), zap.Int("capacity", capacity))
	c.events.Notify(Event{Type: MemberAdded, MemberID: id})
	return m, nil
}

// RemoveMember simulates the loss of a member: all tasklets running on it
// are aborted.
func (c *Cluster) RemoveMember(id string) error {
	c.mu.Lock()
	m, ok := c.members[id]
	if !ok {
		c.mu.Unlock()
		return errors.ErrMemberNotFound.GenWithStackByArgs(id)
	}
	delete(c.members, id)
	c.mu.Unlock()

	m.lost.Store(true)
	m.service.Close()
	c.logger.Warn("member lost", zap.String("member-id", id))
	c.events.Notify(Event{Type: MemberLost, MemberID: id})
	return nil
}

// Member returns a live member.
func (c *Cluster) Member(id string) (*Member, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.members[id]
	return m, ok
}

// Members returns the live members in join order.
func (c *Cluster) Members() []*Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ret := make([]*Member, 0, len(c.members))
	for _, m := range c.members {
		ret = append(ret, m)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].joinSeq < ret[j].joinSeq
	})
	return ret
}

// Watch returns a receiver of membership events. The caller must close it.
func (c *Cluster) Watch() *notifier.Receiver[Event] {
	return c.events.NewReceiver()
}

// Close stops every member.
func (c *Cluster) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	members := make([]*Member, 0, len(c.members))
	for _, m := range c.members {
		members = append(members, m)
	}
	c.mu.Unlock()

	for _, m := range members {
		m.service.Close()
	}
	c.events.Close()
	c.logger.Info("cluster closed", zap.Int("members", len(members)))
}
