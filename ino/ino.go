/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb  8 11:04:18 2019 mstenber
 * Last modified: Sat Feb  9 09:37:02 2019 mstenber
 * Edit time:     127 min
 *
 */

// Package ino tracks "interesting" inode numbers in independent
// purpose-buckets: an inode is dirty-for-a-purpose exactly when an
// entry for it exists in that bucket. Buckets keep insertion order so
// e.g. orphan blocks are written in registration order.
package ino

import (
	"container/list"
	"errors"

	"github.com/fingon/go-zlmfs/mlog"
	"github.com/fingon/go-zlmfs/util"
)

var ErrNoSpace = errors.New("orphan registry full")

// Bucket identifies one independent worklist.
type Bucket int

const (
	Orphan Bucket = iota
	Append
	Update
	TransDir
	Flush
	DirtyMeta
	BucketCount
)

var bucketName = map[Bucket]string{
	Orphan:    "orphan",
	Append:    "append",
	Update:    "update",
	TransDir:  "transdir",
	Flush:     "flush",
	DirtyMeta: "dirtymeta",
}

func (self Bucket) String() string {
	return bucketName[self]
}

// Entry is one tracked inode number. DirtyDevices is meaningful only
// in the Flush bucket, where it records which devices hold dirty
// blocks of the inode.
type Entry struct {
	Ino          uint32
	DirtyDevices map[int]bool
	elem         *list.Element
}

type bucket struct {
	lock    util.MutexLocked
	entries map[uint32]*Entry
	order   list.List
}

// Registry holds all buckets. Each bucket has its own lock; critical
// sections are short and never block.
type Registry struct {
	buckets [BucketCount]bucket

	// MaxOrphans bounds the Orphan bucket; derives from pack
	// geometry (how many orphan blocks fit in the pack area).
	MaxOrphans int

	pendingOrphans util.AtomicInt
}

func (self *Registry) Init(maxOrphans int) *Registry {
	self.MaxOrphans = maxOrphans
	for i := range self.buckets {
		self.buckets[i].entries = make(map[uint32]*Entry)
		self.buckets[i].order.Init()
	}
	return self
}

// Add registers ino in a bucket. Idempotent: a second add leaves the
// bucket unchanged.
func (self *Registry) Add(ino uint32, b Bucket) {
	bk := &self.buckets[b]
	defer bk.lock.Locked()()
	bk.add(ino)
}

func (self *bucket) add(ino uint32) *Entry {
	if e, ok := self.entries[ino]; ok {
		return e
	}
	e := &Entry{Ino: ino}
	e.elem = self.order.PushBack(e)
	self.entries[ino] = e
	return e
}

func (self *Registry) Remove(ino uint32, b Bucket) {
	bk := &self.buckets[b]
	defer bk.lock.Locked()()
	if e, ok := bk.entries[ino]; ok {
		bk.order.Remove(e.elem)
		delete(bk.entries, ino)
	}
}

func (self *Registry) Exists(ino uint32, b Bucket) bool {
	bk := &self.buckets[b]
	defer bk.lock.Locked()()
	_, ok := bk.entries[ino]
	return ok
}

func (self *Registry) Count(b Bucket) int {
	bk := &self.buckets[b]
	defer bk.lock.Locked()()
	return len(bk.entries)
}

// MarkDeviceDirty registers ino in the Flush bucket and records the
// device the dirty data lives on.
func (self *Registry) MarkDeviceDirty(ino uint32, deviceIndex int) {
	bk := &self.buckets[Flush]
	defer bk.lock.Locked()()
	e := bk.add(ino)
	if e.DirtyDevices == nil {
		e.DirtyDevices = make(map[int]bool)
	}
	e.DirtyDevices[deviceIndex] = true
}

func (self *Registry) IsDeviceDirty(ino uint32, deviceIndex int) bool {
	bk := &self.buckets[Flush]
	defer bk.lock.Locked()()
	e, ok := bk.entries[ino]
	return ok && e.DirtyDevices[deviceIndex]
}

// Inos returns the bucket's inode numbers in insertion order.
func (self *Registry) Inos(b Bucket) []uint32 {
	bk := &self.buckets[b]
	defer bk.lock.Locked()()
	r := make([]uint32, 0, len(bk.entries))
	for el := bk.order.Front(); el != nil; el = el.Next() {
		r = append(r, el.Value.(*Entry).Ino)
	}
	return r
}

// AcquireOrphanSlot reserves room for one orphan before the unlink
// proceeds. Fails closed when the pack could no longer hold the
// resulting orphan list.
func (self *Registry) AcquireOrphanSlot() error {
	if self.pendingOrphans.Add(1) > int64(self.MaxOrphans) {
		self.pendingOrphans.Add(-1)
		mlog.Printf2("ino/ino", "AcquireOrphanSlot: full (%d)", self.MaxOrphans)
		return ErrNoSpace
	}
	return nil
}

// ReleaseOrphanSlot drops a reservation without an AddOrphan, e.g.
// when the unlink aborts. Releasing more slots than were acquired is
// a bookkeeping bug.
func (self *Registry) ReleaseOrphanSlot() {
	if self.pendingOrphans.Add(-1) < 0 {
		mlog.Panicf("ino.Registry.ReleaseOrphanSlot: double release")
	}
}

// AddOrphan converts a previously acquired slot into a live orphan
// entry.
func (self *Registry) AddOrphan(ino uint32) {
	self.Add(ino, Orphan)
}

// RemoveOrphan drops a recovered/reclaimed orphan and its slot.
func (self *Registry) RemoveOrphan(ino uint32) {
	self.Remove(ino, Orphan)
	self.ReleaseOrphanSlot()
}

// ReleaseAll frees every entry in buckets [from, BucketCount). From
// Orphan it is the unmount teardown; from Append it drops the
// per-checkpoint bookkeeping after a successful commit.
func (self *Registry) ReleaseAll(from Bucket) {
	for b := from; b < BucketCount; b++ {
		bk := &self.buckets[b]
		bk.lock.Lock()
		n := len(bk.entries)
		bk.entries = make(map[uint32]*Entry)
		bk.order.Init()
		bk.lock.Unlock()
		if b == Orphan {
			self.pendingOrphans.Set(0)
		}
		if n > 0 {
			mlog.Printf2("ino/ino", "ReleaseAll: dropped %d %v entries", n, b)
		}
	}
}
