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

package meta

import (
	"context"
	"sort"
	"sync"

	"github.com/pingcap/dagflow/pkg/errors"
)

// Backends of JobStore.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// JobStore persists job records.
type JobStore interface {
	// UpsertJob inserts the record or replaces the record with the same ID.
	UpsertJob(ctx context.Context, rec *JobRecord) error
	// GetJob returns ErrJobNotFound for an unknown id.
	GetJob(ctx context.Context, id string) (*JobRecord, error)
	// ListJobs returns all records, latest submission first.
	ListJobs(ctx context.Context) ([]*JobRecord, error)
	DeleteJob(ctx context.Context, id string) error
	Close() error
}

// Open creates a JobStore of the given backend. An empty dsn opens a
// private in-memory sqlite database.
func Open(ctx context.Context, backend, dsn string) (JobStore, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendSQLite:
		return NewSQLiteStore(ctx, dsn)
	default:
		return nil, errors.ErrConfigInvalid.GenWithStackByArgs("meta.backend", "unknown backend "+backend)
	}
}

type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]*JobRecord
}

// NewMemoryStore returns a JobStore keeping records in memory.
func NewMemoryStore() JobStore {
	return &memoryStore{jobs: make(map[string]*JobRecord)}
}

func (s *memoryStore) UpsertJob(_ context.Context, rec *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[rec.ID] = rec.Clone()
	return nil
}

func (s *memoryStore) GetJob(_ context.Context, id string) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, errors.ErrJobNotFound.GenWithStackByArgs(id)
	}
	return rec.Clone(), nil
}

func (s *memoryStore) ListJobs(_ context.Context) ([]*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]*JobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		ret = append(ret, rec.Clone())
	}
	sortRecords(ret)
	return ret, nil
}

func (s *memoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}

func sortRecords(recs []*JobRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].SubmittedAt.Equal(recs[j].SubmittedAt) {
			return recs[i].SubmittedAt.After(recs[j].SubmittedAt)
		}
		return recs[i].ID > recs[j].ID
	})
}
