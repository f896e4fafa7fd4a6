/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 15 09:12:50 2019 mstenber
 * Last modified: Sun Feb 17 11:02:33 2019 mstenber
 * Edit time:     136 min
 *
 */

package fs

import (
	"time"

	"github.com/fingon/go-zlmfs/mlog"
	"github.com/fingon/go-zlmfs/util"
)

type cpRequest struct {
	reason CheckpointReason
	queued time.Time
	done   chan error
}

// dispatcher coalesces concurrent checkpoint requests: the worker
// drains whatever queued up, runs exactly one physical checkpoint for
// the batch, and completes every drained request with its result.
// Each caller thus observes a checkpoint that covers at least its own
// enqueue time.
type dispatcher struct {
	fs      *Fs
	reqs    chan *cpRequest
	quit    chan struct{}
	workers util.SimpleWaitGroup

	// Guards closed; an enqueue after the worker's final drain would
	// block its sender forever.
	closeLock util.MutexLocked
	closed    bool

	// Latency stats, nanoseconds from enqueue to completion.
	Batches     util.AtomicInt
	Requests    util.AtomicInt
	CurLatency  util.AtomicInt
	PeakLatency util.AtomicInt
}

func newDispatcher(fs *Fs) *dispatcher {
	self := &dispatcher{fs: fs,
		reqs: make(chan *cpRequest, 64),
		quit: make(chan struct{})}
	self.workers.Go(func() {
		self.run()
	})
	return self
}

// Request asks for a durable checkpoint. Plain syncs coalesce through
// the worker; everything else (and everything, with coalescing off)
// runs synchronously under the global checkpoint lock.
func (self *dispatcher) Request(reason CheckpointReason) error {
	if self.fs.DisableCoalescing || reason != ReasonSync {
		return self.fs.WriteCheckpoint(reason)
	}
	req := &cpRequest{reason: reason, queued: time.Now(), done: make(chan error, 1)}
	self.closeLock.Lock()
	if self.closed {
		self.closeLock.Unlock()
		return self.fs.WriteCheckpoint(reason)
	}
	self.reqs <- req
	self.closeLock.Unlock()
	return <-req.done
}

func (self *dispatcher) run() {
	for {
		select {
		case <-self.quit:
			self.drainAndExit()
			return
		case first := <-self.reqs:
			self.runBatch(first)
		}
	}
}

// runBatch gathers everything queued behind first, performs one
// physical checkpoint and fans the result out.
func (self *dispatcher) runBatch(first *cpRequest) {
	batch := []*cpRequest{first}
	for {
		select {
		case req := <-self.reqs:
			batch = append(batch, req)
			continue
		default:
		}
		break
	}
	mlog.Printf2("fs/dispatcher", "runBatch: %d requests", len(batch))
	err := self.fs.WriteCheckpoint(first.reason)
	now := time.Now()
	self.Batches.Add(1)
	for _, req := range batch {
		lat := now.Sub(req.queued).Nanoseconds()
		self.Requests.Add(1)
		// Running average, then peak.
		n := self.Requests.Get()
		cur := self.CurLatency.Get()
		self.CurLatency.Set(cur + (lat-cur)/n)
		if lat > self.PeakLatency.Get() {
			self.PeakLatency.Set(lat)
		}
		req.done <- err
	}
}

func (self *dispatcher) drainAndExit() {
	for {
		select {
		case req := <-self.reqs:
			self.runBatch(req)
		default:
			return
		}
	}
}

func (self *dispatcher) Close() {
	self.closeLock.Lock()
	self.closed = true
	self.closeLock.Unlock()
	close(self.quit)
	self.workers.Wait()
}
