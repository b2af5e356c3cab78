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
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/pingcap/dagflow/pkg/uuid"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

type sqliteStore struct {
	// gorm claim to be thread safe
	db *gorm.DB
}

// NewSQLiteStore opens a JobStore backed by sqlite through gorm.
func NewSQLiteStore(ctx context.Context, dsn string) (JobStore, error) {
	if dsn == "" {
		// ref:https://www.sqlite.org/inmemorydb.html
		// a shared cache keeps the database alive across pooled connections
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewGenerator().NewString())
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		log.L().Error("create gorm client fail", zap.Error(err))
		return nil, errors.ErrMetaNewClientFail.Wrap(err).GenWithStackByArgs()
	}

	s := &sqliteStore{db: db}
	if err := s.initialize(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the tables.
func (s *sqliteStore) initialize(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&JobRecord{}); err != nil {
		return errors.ErrMetaOpFail.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

func (s *sqliteStore) UpsertJob(ctx context.Context, rec *JobRecord) error {
	cp := rec.Clone()
	cp.SeqID = 0
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "status", "guarantee", "submitted_at", "completed_at",
			"failure", "last_snapshot", "restarts", "updated_at",
		}),
	}).Create(cp).Error; err != nil {
		return errors.ErrMetaOpFail.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	var rec JobRecord
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rec)
	if result.Error != nil {
		return nil, errors.ErrMetaOpFail.Wrap(result.Error).GenWithStackByArgs()
	}
	if result.RowsAffected == 0 {
		return nil, errors.ErrJobNotFound.GenWithStackByArgs(id)
	}
	return &rec, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]*JobRecord, error) {
	var recs []*JobRecord
	if err := s.db.WithContext(ctx).
		Order("submitted_at desc").Order("id desc").
		Find(&recs).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err).GenWithStackByArgs()
	}
	return recs, nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&JobRecord{}).Error; err != nil {
		return errors.ErrMetaOpFail.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

func (s *sqliteStore) Close() error {
	impl, err := s.db.DB()
	if err != nil {
		return errors.ErrMetaOpFail.Wrap(err).GenWithStackByArgs()
	}
	if err := impl.Close(); err != nil {
		return errors.ErrMetaOpFail.Wrap(err).GenWithStackByArgs()
	}
	return nil
}
