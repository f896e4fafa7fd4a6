/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 11 09:33:18 2019 mstenber
 * Last modified: Tue Feb 12 11:02:51 2019 mstenber
 * Edit time:     142 min
 *
 */

package metalog

import (
	"time"

	"github.com/fingon/go-zlmfs/mlog"
	"github.com/fingon/go-zlmfs/pack"
)

const defaultMergeIntervalMsec = 100

// MergeState returns the stream's merge state machine position.
func (self *Logger) MergeState(streamIdx int) pack.MergeState {
	defer self.flagsLock.Locked()()
	return self.flags.MergeState(streamIdx)
}

// MergeFlags returns the merge bits for embedding into a checkpoint
// pack.
func (self *Logger) MergeFlags() pack.Flags {
	defer self.flagsLock.Locked()()
	return self.flags
}

func (self *Logger) advanceMergeState(streamIdx int, to pack.MergeState) {
	defer self.flagsLock.Locked()()
	self.flags = self.flags.AdvanceMergeState(streamIdx, to)
}

// RequestMerge asks the background worker to drain the stream's
// inactive index into the baseline region. The caller has just
// toggled indices, so the inactive index holds the retired half's
// entries.
func (self *Logger) RequestMerge(streamIdx int) {
	mlog.Printf2("metalog/merge", "RequestMerge %s", streamName[streamIdx])
	// The prepare bit survives in the next pack; recovery sees a
	// merge was staged even if it never ran.
	self.flagsLock.Lock()
	self.flags = self.flags.SetMergePrepare(streamIdx, true)
	self.flagsLock.Unlock()
	self.advanceMergeState(streamIdx, pack.MergeRequested)
}

// CompleteMergeCycle finishes a MergeDone stream at checkpoint time:
// the drained half's zone is reset and the state machine returns to
// Idle. Returns false if the stream had no completed merge.
func (self *Logger) CompleteMergeCycle(streamIdx int) (bool, error) {
	if self.MergeState(streamIdx) != pack.MergeDone {
		return false, nil
	}
	if n := self.IndexLen(streamIdx, 1); n != 0 {
		// A failed merge left entries behind; keep the zone and
		// try the drain again before the next checkpoint.
		mlog.Printf2("metalog/merge", "CompleteMergeCycle %s: %d undrained, retrying",
			streamName[streamIdx], n)
		self.advanceMergeState(streamIdx, pack.MergeIdle)
		self.advanceMergeState(streamIdx, pack.MergeRequested)
		return false, nil
	}
	if err := self.ResetZone(streamIdx, self.RetiredHalf(streamIdx)); err != nil {
		return false, err
	}
	self.advanceMergeState(streamIdx, pack.MergeIdle)
	self.flagsLock.Lock()
	self.flags = self.flags.SetMergePrepare(streamIdx, false)
	self.flagsLock.Unlock()
	return true, nil
}

// WaitMergeDone spins until the stream's merge completes (tests and
// unmount; the 100ms cadence makes this cheap).
func (self *Logger) WaitMergeDone(streamIdx int) {
	for {
		st := self.MergeState(streamIdx)
		if st == pack.MergeDone || st == pack.MergeIdle {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (self *Logger) mergeWorker() {
	interval := self.MergeIntervalMsec
	if interval == 0 {
		interval = defaultMergeIntervalMsec
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-self.quit:
			return
		case <-ticker.C:
			for i := 0; i < StreamCount; i++ {
				if self.MergeState(i) == pack.MergeRequested {
					self.mergeOne(i)
				}
			}
		}
	}
}

// mergeOne drains the inactive index into the baseline store. A
// failed merge is logged and the state still moves to MergeDone so
// the checkpoint pipeline cannot wedge on it; the entries stay
// readable from the index until the drain succeeds on a later cycle.
func (self *Logger) mergeOne(streamIdx int) {
	self.advanceMergeState(streamIdx, pack.MergeInProgress)
	s := &self.streams[streamIdx]

	s.indexLock.RLock()
	inactive := 1 - int(s.activeIndex.Get())
	entries := make([]Entry, 0, len(s.indices[inactive]))
	for id, data := range s.indices[inactive] {
		entries = append(entries, Entry{Id: id, Data: data})
	}
	s.indexLock.RUnlock()

	mlog.Printf2("metalog/merge", "mergeOne %s: %d entries", streamName[streamIdx], len(entries))
	failed := false
	merged := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if err := self.Store.Put(streamIdx, e.Id, e.Data); err != nil {
			mlog.Printf2("metalog/merge", "mergeOne %s: put %d failed: %v",
				streamName[streamIdx], e.Id, err)
			failed = true
			break
		}
		merged = append(merged, e.Id)
	}
	if !failed {
		if err := self.Store.Flush(); err != nil {
			mlog.Printf2("metalog/merge", "mergeOne %s: flush failed: %v",
				streamName[streamIdx], err)
			failed = true
		}
	}

	if !failed {
		s.indexLock.Lock()
		for _, id := range merged {
			delete(s.indices[inactive], id)
		}
		s.indexLock.Unlock()
	}
	self.advanceMergeState(streamIdx, pack.MergeDone)
}
