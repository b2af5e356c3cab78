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
	"time"
)

// JobRecord is the persisted summary of a job. The graph itself is not
// persisted, so jobs can not be resumed across coordinator restarts.
type JobRecord struct {
	SeqID        uint      `gorm:"column:seq_id;primaryKey;autoIncrement"`
	ID           string    `gorm:"column:id;type:varchar(64);not null;uniqueIndex:uidx_id"`
	Name         string    `gorm:"column:name;type:varchar(256);index:idx_name"`
	Status       string    `gorm:"column:status;type:varchar(16);not null"`
	Guarantee    string    `gorm:"column:guarantee;type:varchar(16)"`
	SubmittedAt  time.Time `gorm:"column:submitted_at;index:idx_submitted"`
	CompletedAt  time.Time `gorm:"column:completed_at"`
	Failure      string    `gorm:"column:failure;type:text"`
	LastSnapshot uint64    `gorm:"column:last_snapshot"`
	Restarts     int       `gorm:"column:restarts"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName implements gorm's Tabler.
func (JobRecord) TableName() string {
	return "job_records"
}

// Clone returns a copy of the record.
func (r *JobRecord) Clone() *JobRecord {
	cp := *r
	return &cp
}
