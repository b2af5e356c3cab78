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

package processor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type writeFileP struct {
	Base
	dir      string
	toString func(item any) string

	file   *os.File
	writer *bufio.Writer
	// offset is the number of bytes written so far
	offset int64
	// positioned is set once the file is truncated to offset
	positioned bool
}

// WriteFile returns a supplier of blocking sink processors. Each slot
// writes one line per item to its own file "<vertex>-<slot>" in dir.
func WriteFile(dir string, toString func(item any) string) Supplier {
	if toString == nil {
		toString = func(item any) string { return fmt.Sprint(item) }
	}
	return func() Processor {
		return &writeFileP{dir: dir, toString: toString}
	}
}

// FileName returns the file a WriteFile slot writes to.
func FileName(dir, vertex string, slot int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d", vertex, slot))
}

func (p *writeFileP) Init(ctx *Context, outbox Outbox) error {
	if err := p.Base.Init(ctx, outbox); err != nil {
		return err
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return errors.Trace(err)
	}
	file, err := os.OpenFile(FileName(p.dir, ctx.Vertex, ctx.GlobalSlot),
		os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Trace(err)
	}
	p.file = file
	p.writer = bufio.NewWriter(file)
	return nil
}

func (p *writeFileP) IsCooperative() bool { return false }

func (p *writeFileP) Process(_ int, inbox Inbox) error {
	if err := p.position(); err != nil {
		return err
	}
	for {
		item, ok := inbox.Poll()
		if !ok {
			return nil
		}
		n, err := p.writer.WriteString(p.toString(item) + "\n")
		if err != nil {
			return errors.Trace(err)
		}
		p.offset += int64(n)
	}
}

func (p *writeFileP) Complete() (bool, error) {
	if err := p.position(); err != nil {
		return false, err
	}
	return true, errors.Trace(p.writer.Flush())
}

func (p *writeFileP) SaveSnapshot() ([]byte, error) {
	if err := p.position(); err != nil {
		return nil, err
	}
	if err := p.writer.Flush(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := p.file.Sync(); err != nil {
		return nil, errors.Trace(err)
	}
	data, err := msgpack.Marshal(p.offset)
	return data, errors.Trace(err)
}

func (p *writeFileP) RestoreSnapshot(data []byte) error {
	var offset int64
	if err := msgpack.Unmarshal(data, &offset); err != nil {
		return errors.WrapError(errors.ErrSnapshotDecode, err, "file sink")
	}
	p.offset = offset
	p.positioned = false
	if err := p.position(); err != nil {
		return err
	}
	p.Logger().Info("file sink restored", zap.Int64("offset", offset))
	return nil
}

// position drops everything after offset from the file, so lines written
// after the last snapshot are not duplicated on restart.
func (p *writeFileP) position() error {
	if p.positioned {
		return nil
	}
	if err := p.file.Truncate(p.offset); err != nil {
		return errors.Trace(err)
	}
	if _, err := p.file.Seek(p.offset, io.SeekStart); err != nil {
		return errors.Trace(err)
	}
	p.writer.Reset(p.file)
	p.positioned = true
	return nil
}

func (p *writeFileP) Close() error {
	if p.file == nil {
		return nil
	}
	return multierr.Append(p.writer.Flush(), p.file.Close())
}
