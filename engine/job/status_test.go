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


package job

import (
	"testing"

	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	allowed := map[Status][]Status{
		StatusNotRunning: {StatusStarting},
		StatusStarting:   {StatusRunning, StatusFailed},
		StatusRunning:    {StatusSuspended, StatusCompleting, StatusFailed},
		StatusSuspended:  {StatusRunning, StatusFailed},
		StatusCompleting: {StatusCompleted, StatusFailed},
		StatusCompleted:  nil,
		StatusFailed:     nil,
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			expected := false
			for _, s := range allowed[from] {
				if s == to {
					expected = true
				}
			}
			require.Equal(t, expected, from.CanTransitTo(to), "%s -> %s", from, to)
		}
		require.Equal(t, len(allowed[from]) == 0, from.IsTerminal(), from.String())
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, s := range AllStatuses {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
	_, err := ParseStatus("RUNNABLE")
	require.True(t, errors.Is(err, errors.ErrInvalidArgument))
	require.Panics(t, func() { _ = Status(100).String() })
	require.Panics(t, func() { Status(0).IsTerminal() })
}
