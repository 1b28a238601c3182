/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tdma implements the time-division-multiple-access rtmac
// discipline: a cyclic schedule of fixed-length slots, a worker goroutine
// that fires one job at a time at each slot boundary, and a master/slave
// state machine with round-trip calibration.
package tdma

import (
	"time"

	"github.com/rtnetgo/rtnet/rtskb"
)

// DiscType is the 16-bit RTmac header type tag this discipline claims,
// mirroring RTMAC_TYPE_TDMA.
const DiscType uint16 = 2

// Reserved slot ids, mirroring DEFAULT_SLOT / DEFAULT_NRT_SLOT.
const (
	DefaultSlot    uint16 = 0
	DefaultNRTSlot uint16 = 1
)

// Flag bits tracked on a Station, mirroring tdma_priv.flags.
const (
	FlagMaster uint32 = 1 << iota
	FlagBackupMaster
	FlagBackupActive
	FlagCalibrated
	FlagShutdown
)

// Phase is a Station's state-machine position.
type Phase uint8

// Phases, in the order the state diagram transitions through them.
const (
	PhaseInit Phase = iota
	PhaseSeeking
	PhaseMasterActive
	PhaseCalPending
	PhaseCalibrated
	PhaseBackupActive
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseSeeking:
		return "seeking"
	case PhaseMasterActive:
		return "master-active"
	case PhaseCalPending:
		return "cal-pending"
	case PhaseCalibrated:
		return "calibrated"
	case PhaseBackupActive:
		return "backup-active"
	case PhaseTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Slot describes one schedule slot: its cycle offset, repetition
// (phasing/period), frame size bound, and the queue frames wait in until
// the worker's SLOT job fires. A slot shares queue with another slot's
// when they are "joint", so JointWith records that sharing without
// needing a live pointer cycle.
type Slot struct {
	ID        uint16
	Offset    time.Duration
	Phasing   int
	Period    int
	MTU       int
	JointWith uint16 // 0 and no self-reference means "not joint"; see IsJoint

	queue *rtskb.Queue
}

// IsJoint reports whether this slot shares its transmit queue with a
// different slot id.
func (s *Slot) IsJoint() bool { return s.JointWith != 0 && s.JointWith != s.ID }

// JobKind names the four job types the worker task processes.
type JobKind uint8

// Job kinds.
const (
	JobSlot JobKind = iota
	JobSync
	JobReplyCal
	JobXmitReqCal
)

// Job is one scheduled action in a Station's per-cycle job ring. Due is
// the offset from cycle start at which the scheduler goroutine signals
// the worker to process this job.
type Job struct {
	Kind JobKind
	Due  time.Duration

	// SlotID is valid for JobSlot.
	SlotID uint16

	// Reply is the prebuilt echo frame a master stashes for a
	// JobReplyCal job, transmitted verbatim when the job fires.
	Reply *rtskb.Buffer
}
