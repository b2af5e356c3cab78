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
	"github.com/pingcap/errors"
)

// all dataflow engine errors
var (
	// general errors
	ErrUnknown = errors.Normalize(
		"unknown error",
		errors.RFCCodeText("DFLOW:ErrUnknown"),
	)
	ErrInvalidArgument = errors.Normalize(
		"invalid argument: %s",
		errors.RFCCodeText("DFLOW:ErrInvalidArgument"),
	)

	// graph validation errors
	ErrInvalidVertex = errors.Normalize(
		"invalid vertex %s: %s",
		errors.RFCCodeText("DFLOW:ErrInvalidVertex"),
	)
	ErrDuplicateVertex = errors.Normalize(
		"vertex %s already exists",
		errors.RFCCodeText("DFLOW:ErrDuplicateVertex"),
	)
	ErrUnknownVertex = errors.Normalize(
		"vertex %s is not part of the graph",
		errors.RFCCodeText("DFLOW:ErrUnknownVertex"),
	)
	ErrInvalidEdge = errors.Normalize(
		"invalid edge %s: %s",
		errors.RFCCodeText("DFLOW:ErrInvalidEdge"),
	)
	ErrCycle = errors.Normalize(
		"graph contains a cycle: %s",
		errors.RFCCodeText("DFLOW:ErrCycle"),
	)
	ErrDisconnectedGraph = errors.Normalize(
		"graph is disconnected: %s",
		errors.RFCCodeText("DFLOW:ErrDisconnectedGraph"),
	)
	ErrGraphFrozen = errors.Normalize(
		"graph is already submitted and can not be modified",
		errors.RFCCodeText("DFLOW:ErrGraphFrozen"),
	)
	ErrProcessorNotSnapshottable = errors.Normalize(
		"processor of vertex %s keeps state but does not support snapshots",
		errors.RFCCodeText("DFLOW:ErrProcessorNotSnapshottable"),
	)

	// cluster and planning errors
	ErrNoCapacity = errors.Normalize(
		"not enough capacity to run job %s: %s",
		errors.RFCCodeText("DFLOW:ErrNoCapacity"),
	)
	ErrMemberNotFound = errors.Normalize(
		"member %s is not found",
		errors.RFCCodeText("DFLOW:ErrMemberNotFound"),
	)
	ErrMemberLost = errors.Normalize(
		"member %s is lost",
		errors.RFCCodeText("DFLOW:ErrMemberLost"),
	)

	// runtime related errors
	ErrRuntimeIsClosed = errors.Normalize(
		"runtime has been closed",
		errors.RFCCodeText("DFLOW:ErrRuntimeIsClosed"),
	)
	ErrRuntimeDuplicateTaskletID = errors.Normalize(
		"duplicate tasklet ID %s",
		errors.RFCCodeText("DFLOW:ErrRuntimeDuplicateTaskletID"),
	)
	ErrProcessorFailed = errors.Normalize(
		"processor %s failed",
		errors.RFCCodeText("DFLOW:ErrProcessorFailed"),
	)
	ErrProcessorPanic = errors.Normalize(
		"processor %s panicked: %v",
		errors.RFCCodeText("DFLOW:ErrProcessorPanic"),
	)
	ErrExecutionCancelled = errors.Normalize(
		"execution of job %s is cancelled",
		errors.RFCCodeText("DFLOW:ErrExecutionCancelled"),
	)

	// snapshot related errors
	ErrSnapshotFailed = errors.Normalize(
		"snapshot %d of job %s failed: %s",
		errors.RFCCodeText("DFLOW:ErrSnapshotFailed"),
	)
	ErrSnapshotNotFound = errors.Normalize(
		"snapshot %d of job %s is not found",
		errors.RFCCodeText("DFLOW:ErrSnapshotNotFound"),
	)
	ErrSnapshotStoreFailed = errors.Normalize(
		"snapshot store operation failed",
		errors.RFCCodeText("DFLOW:ErrSnapshotStoreFailed"),
	)
	ErrSnapshotDecode = errors.Normalize(
		"failed to decode snapshot state: %s",
		errors.RFCCodeText("DFLOW:ErrSnapshotDecode"),
	)

	// job related errors
	ErrJobNotFound = errors.Normalize(
		"job %s is not found",
		errors.RFCCodeText("DFLOW:ErrJobNotFound"),
	)
	ErrJobFailed = errors.Normalize(
		"job %s failed",
		errors.RFCCodeText("DFLOW:ErrJobFailed"),
	)
	ErrJobCancelled = errors.Normalize(
		"job %s is cancelled",
		errors.RFCCodeText("DFLOW:ErrJobCancelled"),
	)
	ErrJobNotTerminated = errors.Normalize(
		"job %s is not terminated",
		errors.RFCCodeText("DFLOW:ErrJobNotTerminated"),
	)
	ErrJobNotRunning = errors.Normalize(
		"job %s is not running",
		errors.RFCCodeText("DFLOW:ErrJobNotRunning"),
	)
	ErrJobNotSuspended = errors.Normalize(
		"job %s is not suspended",
		errors.RFCCodeText("DFLOW:ErrJobNotSuspended"),
	)
	ErrJobStatusTransition = errors.Normalize(
		"job %s can not transit from %s to %s",
		errors.RFCCodeText("DFLOW:ErrJobStatusTransition"),
	)
	ErrJobRestartExhausted = errors.Normalize(
		"job %s has been restarted %d times, giving up",
		errors.RFCCodeText("DFLOW:ErrJobRestartExhausted"),
	)
	ErrNoSnapshotToRestore = errors.Normalize(
		"job %s has no complete snapshot to restart from",
		errors.RFCCodeText("DFLOW:ErrNoSnapshotToRestore"),
	)
	ErrCoordinatorRestarted = errors.Normalize(
		"job coordinator restarted while job %s was %s",
		errors.RFCCodeText("DFLOW:ErrCoordinatorRestarted"),
	)
	ErrCoordinatorClosed = errors.Normalize(
		"job coordinator is closed",
		errors.RFCCodeText("DFLOW:ErrCoordinatorClosed"),
	)

	// processor conformance errors
	ErrCooperativeTimeout = errors.Normalize(
		"cooperative processor call %s took %s, exceeding the timeout of %s",
		errors.RFCCodeText("DFLOW:ErrCooperativeTimeout"),
	)
	ErrProcessorNoProgress = errors.Normalize(
		"processor made no progress during %d consecutive %s calls",
		errors.RFCCodeText("DFLOW:ErrProcessorNoProgress"),
	)
	ErrProcessorOutputMismatch = errors.Normalize(
		"processor output mismatch (%s): %s",
		errors.RFCCodeText("DFLOW:ErrProcessorOutputMismatch"),
	)
	ErrProcessorContract = errors.Normalize(
		"processor broke its contract: %s",
		errors.RFCCodeText("DFLOW:ErrProcessorContract"),
	)

	// meta related errors
	ErrMetaNewClientFail = errors.Normalize(
		"create meta client fail",
		errors.RFCCodeText("DFLOW:ErrMetaNewClientFail"),
	)
	ErrMetaOpFail = errors.Normalize(
		"meta operation fail",
		errors.RFCCodeText("DFLOW:ErrMetaOpFail"),
	)

	// config related errors
	ErrDecodeConfigFile = errors.Normalize(
		"decode config file failed",
		errors.RFCCodeText("DFLOW:ErrDecodeConfigFile"),
	)
	ErrConfigUnknownItem = errors.Normalize(
		"config contains unknown configuration options: %s",
		errors.RFCCodeText("DFLOW:ErrConfigUnknownItem"),
	)
	ErrConfigInvalid = errors.Normalize(
		"invalid config item %s: %s",
		errors.RFCCodeText("DFLOW:ErrConfigInvalid"),
	)
)
