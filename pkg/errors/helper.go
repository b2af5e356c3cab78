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

package errors

import (
	stdErrors "errors"

	"github.com/pingcap/errors"
)

// Re-exported helpers so that callers only import this package.
var (
	New      = errors.New
	Errorf   = errors.Errorf
	Trace    = errors.Trace
	Cause    = errors.Cause
	Annotate = errors.Annotate
	As       = stdErrors.As
)

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which a the different behavior
// against `Wrap` function in pingcap/errors.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// Is reports whether any error in err's chain matches target. The chain
// is followed through both Unwrap and Cause. RFC errors match by error ID,
// so an error generated from ErrJobFailed matches ErrJobFailed no matter
// which arguments or cause it carries.
func Is(err, target error) bool {
	rfcTarget, isRFC := target.(*errors.Error)
	for err != nil {
		if isRFC {
			if rfcErr, ok := err.(*errors.Error); ok && rfcErr.ID() == rfcTarget.ID() {
				return true
			}
		} else if stdErrors.Is(err, target) {
			return true
		}
		next := unwrapOnce(err)
		if next == err {
			return false
		}
		err = next
	}
	return false
}

func unwrapOnce(err error) error {
	switch x := err.(type) {
	case interface{ Unwrap() error }:
		return x.Unwrap()
	case interface{ Cause() error }:
		return x.Cause()
	default:
		return nil
	}
}

// IsValidationError returns true if err is raised by graph validation
// at submission time.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrInvalidVertex,
		ErrDuplicateVertex,
		ErrUnknownVertex,
		ErrInvalidEdge,
		ErrCycle,
		ErrDisconnectedGraph,
		ErrGraphFrozen,
		ErrProcessorNotSnapshottable,
	} {
		if Is(err, target) {
			return true
		}
	}
	return false
}

// RootCause returns the innermost cause of err, following both
// Unwrap and Cause chains.
func RootCause(err error) error {
	for {
		next := unwrapOnce(err)
		if next == nil || next == err {
			return err
		}
		err = next
	}
}
