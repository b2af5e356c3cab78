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

package logutil

import (
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	// constFieldEngineKey marks logs emitted by the engine itself rather than
	// by user processors.
	constFieldEngineKey   = "engine"
	constFieldEngineValue = true

	constFieldJobKey      = "job_id"
	constFieldJobNameKey  = "job_name"
	constFieldVertexKey   = "vertex"
	constFieldSlotKey     = "slot"
	constFieldMemberKey   = "member_id"
	constFieldSnapshotKey = "snapshot_id"
)

// Config is the logging section of the engine configuration.
type Config struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log filename, leave empty to disable file log.
	File string `toml:"file" json:"file"`
	// Log format. one of json or text.
	Format string `toml:"format" json:"format"`
}

// InitLogger initializes the global pingcap/log logger.
func InitLogger(cfg *Config) error {
	logCfg := &log.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		File: log.FileLogConfig{
			Filename: cfg.File,
		},
	}
	logger, props, err := log.InitLogger(logCfg)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// NewLogger4Engine returns a new logger for engine components that are not
// bound to a job.
func NewLogger4Engine() *zap.Logger {
	return log.L().With(
		zap.Bool(constFieldEngineKey, constFieldEngineValue),
	)
}

// NewLogger4Member returns a new logger for a cluster member.
func NewLogger4Member(memberID string) *zap.Logger {
	return log.L().With(
		zap.String(constFieldMemberKey, memberID),
	)
}

// NewLogger4Job returns a new logger for the coordinator of a job.
func NewLogger4Job(jobID, jobName string) *zap.Logger {
	return log.L().With(
		zap.String(constFieldJobKey, jobID),
		zap.String(constFieldJobNameKey, jobName),
	)
}

// NewLogger4Tasklet returns a new logger for a single processor instance.
func NewLogger4Tasklet(jobID, vertex string, slot int) *zap.Logger {
	return log.L().With(
		zap.String(constFieldJobKey, jobID),
		zap.String(constFieldVertexKey, vertex),
		zap.Int(constFieldSlotKey, slot),
	)
}

// ShortError contructs a field which only records the error message without
// the verbose stack trace.
func ShortError(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", err.Error())
}

// SnapshotID builds the field used to correlate snapshot logs.
func SnapshotID(id uint64) zap.Field {
	return zap.Uint64(constFieldSnapshotKey, id)
}
