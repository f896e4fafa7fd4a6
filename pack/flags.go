/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb  7 13:11:45 2019 mstenber
 * Last modified: Fri Feb  8 09:58:31 2019 mstenber
 * Edit time:     88 min
 *
 */

package pack

import (
	"github.com/fingon/go-zlmfs/mlog"
)

// Flags is the checkpoint pack state bitfield. All mutation goes
// through the accessors; the per-stream merge bits additionally go
// through AdvanceMergeState which enforces the legal state machine.
type Flags uint32

const (
	FlagUmount Flags = 1 << iota
	FlagFastboot
	FlagOrphanPresent
	FlagFsck
	FlagResizing
	FlagDisabled
	FlagDisabledQuick
	FlagQuotaNeedFsck
	FlagQuotaSkipFlush
	FlagQuotaNeedFlush
	FlagTrimmed
	FlagCompactSum
	FlagNatBits
	FlagCrcRecovery

	// Merge bits follow; mergeShift must track the count above.
	flagMergeBase
)

const (
	mergeShift = 14 // log2(flagMergeBase)

	// Per-stream merge bits, 4 per metadata log stream.
	mergeRequestBit = 0
	mergeInBit      = 1
	mergeDoneBit    = 2
	mergePrepareBit = 3
	mergeBitsPer    = 4
)

// MergeState of one metadata log stream, encoded in the per-stream
// merge bits.
type MergeState int

const (
	MergeIdle MergeState = iota
	MergeRequested
	MergeInProgress
	MergeDone
)

var mergeStateName = map[MergeState]string{
	MergeIdle:       "idle",
	MergeRequested:  "requested",
	MergeInProgress: "in-merge",
	MergeDone:       "done",
}

func (self MergeState) String() string {
	return mergeStateName[self]
}

func mergeMask(stream int) Flags {
	return (1<<mergeBitsPer - 1) << uint(mergeShift+stream*mergeBitsPer)
}

func mergeBit(stream, bit int) Flags {
	return 1 << uint(mergeShift+stream*mergeBitsPer+bit)
}

func (self Flags) Has(f Flags) bool {
	return self&f != 0
}

// Set returns the flags with f added. Merge bits may not be set
// directly; they only change through AdvanceMergeState.
func (self Flags) Set(f Flags) Flags {
	if f >= flagMergeBase {
		mlog.Panicf("pack.Flags.Set: direct merge bit manipulation (%x)", uint32(f))
	}
	return self | f
}

func (self Flags) Clear(f Flags) Flags {
	if f >= flagMergeBase {
		mlog.Panicf("pack.Flags.Clear: direct merge bit manipulation (%x)", uint32(f))
	}
	return self &^ f
}

// MergePrepare is the one merge-adjacent bit outside the state
// machine: the coordinator raises it while it is staging entries for
// the stream so recovery knows a merge was pending.
func (self Flags) MergePrepare(stream int) bool {
	return self&mergeBit(stream, mergePrepareBit) != 0
}

func (self Flags) SetMergePrepare(stream int, on bool) Flags {
	if on {
		return self | mergeBit(stream, mergePrepareBit)
	}
	return self &^ mergeBit(stream, mergePrepareBit)
}

func (self Flags) MergeState(stream int) MergeState {
	switch {
	case self&mergeBit(stream, mergeInBit) != 0:
		return MergeInProgress
	case self&mergeBit(stream, mergeDoneBit) != 0:
		return MergeDone
	case self&mergeBit(stream, mergeRequestBit) != 0:
		return MergeRequested
	default:
		return MergeIdle
	}
}

// AdvanceMergeState moves one stream's merge state machine. Only
// Idle→Requested→InProgress→Done→Idle steps are legal; anything else
// is a consistency bug in the caller and panics.
func (self Flags) AdvanceMergeState(stream int, to MergeState) Flags {
	from := self.MergeState(stream)
	ok := (from == MergeIdle && to == MergeRequested) ||
		(from == MergeRequested && to == MergeInProgress) ||
		(from == MergeInProgress && to == MergeDone) ||
		(from == MergeDone && to == MergeIdle)
	if !ok {
		mlog.Panicf("pack.Flags.AdvanceMergeState: stream %d %v -> %v", stream, from, to)
	}
	next := self &^ (mergeMask(stream) &^ mergeBit(stream, mergePrepareBit))
	switch to {
	case MergeRequested:
		next |= mergeBit(stream, mergeRequestBit)
	case MergeInProgress:
		next |= mergeBit(stream, mergeInBit)
	case MergeDone:
		next |= mergeBit(stream, mergeDoneBit)
	case MergeIdle:
	}
	return next
}
