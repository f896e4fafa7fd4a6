/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 13 11:14:32 2019 mstenber
 * Last modified: Sun Feb 17 10:15:08 2019 mstenber
 * Edit time:     173 min
 *
 */

package fs

import (
	"github.com/fingon/go-zlmfs/ino"
	"github.com/fingon/go-zlmfs/metalog"
	"github.com/fingon/go-zlmfs/mlog"
	"github.com/fingon/go-zlmfs/pack"
	"github.com/fingon/go-zlmfs/util"
)

// SegmentManager is the segment-allocation collaborator: current
// segment cursors, free-segment accounting, dirty SIT entries and
// pending summaries.
type SegmentManager interface {
	// LoadCursors populates cursor state from a mount-time pack;
	// SaveCursors snapshots it into a pack being written.
	LoadCursors(p *pack.Pack)
	SaveCursors(p *pack.Pack)

	FreeSegments() uint32
	ExistTrimCandidates() bool

	DirtySitCount() int
	// DrainDirtySit hands over the dirty SIT entries and marks
	// them clean; they are the caller's to persist.
	DrainDirtySit() []metalog.Entry
	// PendingSummaries returns the SSA summaries of the current
	// segments, written with every checkpoint.
	PendingSummaries() []metalog.Entry
}

// NodeManager is the node-address-table collaborator.
type NodeManager interface {
	DirtyNatCount() int
	DrainDirtyNat() []metalog.Entry

	NextFreeIno() uint32
	SetNextFreeIno(ino uint32)
	// AllocIno hands out the next inode number; callers go through
	// Fs.AllocIno so allocation respects the checkpoint freeze.
	AllocIno() uint32

	// NatBitmap materializes the NAT bitmap for umount packs;
	// nil if the manager does not keep one.
	NatBitmap() []byte

	// NodeSummaries are included in umount/fastboot packs so the
	// next mount can skip node scans.
	NodeSummaries() []metalog.Entry

	// ResetFsyncMarks clears per-node fsync bookkeeping after a
	// checkpoint made everything durable anyway.
	ResetFsyncMarks()
}

// QuotaSync is the quota subsystem's synchronous flush hook.
type QuotaSync interface {
	NeedsFlush() bool
	Sync() error
}

// DirtyInodeSource is the VFS boundary: per-purpose dirty inode
// flushing during freeze, and inode eviction for orphan replay.
type DirtyInodeSource interface {
	// DirtyCount for TransDir = dirty dents, DirtyMeta = dirty
	// inode metadata, Flush = dirty node pages.
	DirtyCount(b ino.Bucket) int

	FlushInline() error
	// Flush passes return how many inodes they flushed, so the
	// freeze loop can detect late-arriving dirty work.
	FlushDents() (int, error)
	FlushInodeMeta() (int, error)
	FlushNodes() (int, error)

	InitQuota(inum uint32) error
	// Evict drops the inode's link and releases it; space
	// reclamation rides the normal eviction path.
	Evict(inum uint32) error
	// NodeAddress reports the inode's on-disk node address;
	// ok=false once it has none.
	NodeAddress(inum uint32) (addr uint64, ok bool)
}

// simpleSegmentManager is the standalone/test implementation; real
// deployments replace it via Fs.Segments.
type simpleSegmentManager struct {
	lock      util.MutexLocked
	cursors   [pack.CurSegCount]pack.StreamCursor
	freeSegs  uint32
	dirtySit  map[uint64][]byte
	sitOrder  []uint64
	summaries []metalog.Entry
	trims     bool
}

func (self *simpleSegmentManager) Init() *simpleSegmentManager {
	self.dirtySit = make(map[uint64][]byte)
	self.freeSegs = 100
	return self
}

func (self *simpleSegmentManager) LoadCursors(p *pack.Pack) {
	defer self.lock.Locked()()
	self.cursors = p.Cursors
	self.freeSegs = p.FreeSegmentCount
}

func (self *simpleSegmentManager) SaveCursors(p *pack.Pack) {
	defer self.lock.Locked()()
	p.Cursors = self.cursors
	p.FreeSegmentCount = self.freeSegs
}

func (self *simpleSegmentManager) FreeSegments() uint32 {
	defer self.lock.Locked()()
	return self.freeSegs
}

func (self *simpleSegmentManager) SetFreeSegments(n uint32) {
	defer self.lock.Locked()()
	self.freeSegs = n
}

func (self *simpleSegmentManager) SetCursor(stream int, c pack.StreamCursor) {
	defer self.lock.Locked()()
	self.cursors[stream] = c
}

func (self *simpleSegmentManager) ExistTrimCandidates() bool {
	defer self.lock.Locked()()
	return self.trims
}

func (self *simpleSegmentManager) SetTrimCandidates(v bool) {
	defer self.lock.Locked()()
	self.trims = v
}

func (self *simpleSegmentManager) MarkSitDirty(id uint64, data []byte) {
	defer self.lock.Locked()()
	if _, ok := self.dirtySit[id]; !ok {
		self.sitOrder = append(self.sitOrder, id)
	}
	self.dirtySit[id] = append([]byte{}, data...)
}

func (self *simpleSegmentManager) DirtySitCount() int {
	defer self.lock.Locked()()
	return len(self.dirtySit)
}

func (self *simpleSegmentManager) DrainDirtySit() []metalog.Entry {
	defer self.lock.Locked()()
	r := make([]metalog.Entry, 0, len(self.dirtySit))
	for _, id := range self.sitOrder {
		if d, ok := self.dirtySit[id]; ok {
			r = append(r, metalog.Entry{Id: id, Data: d})
		}
	}
	self.dirtySit = make(map[uint64][]byte)
	self.sitOrder = nil
	return r
}

func (self *simpleSegmentManager) AddSummary(e metalog.Entry) {
	defer self.lock.Locked()()
	self.summaries = append(self.summaries, e)
}

func (self *simpleSegmentManager) PendingSummaries() []metalog.Entry {
	defer self.lock.Locked()()
	return append([]metalog.Entry{}, self.summaries...)
}

type simpleNodeManager struct {
	lock        util.MutexLocked
	dirtyNat    map[uint64][]byte
	natOrder    []uint64
	nextFreeIno uint32
	natBitmap   []byte
	nodeSums    []metalog.Entry
	fsyncMarks  map[uint32]bool
}

func (self *simpleNodeManager) Init() *simpleNodeManager {
	self.dirtyNat = make(map[uint64][]byte)
	self.fsyncMarks = make(map[uint32]bool)
	self.nextFreeIno = 3
	return self
}

func (self *simpleNodeManager) MarkNatDirty(id uint64, data []byte) {
	defer self.lock.Locked()()
	if _, ok := self.dirtyNat[id]; !ok {
		self.natOrder = append(self.natOrder, id)
	}
	self.dirtyNat[id] = append([]byte{}, data...)
}

func (self *simpleNodeManager) DirtyNatCount() int {
	defer self.lock.Locked()()
	return len(self.dirtyNat)
}

func (self *simpleNodeManager) DrainDirtyNat() []metalog.Entry {
	defer self.lock.Locked()()
	r := make([]metalog.Entry, 0, len(self.dirtyNat))
	for _, id := range self.natOrder {
		if d, ok := self.dirtyNat[id]; ok {
			r = append(r, metalog.Entry{Id: id, Data: d})
		}
	}
	self.dirtyNat = make(map[uint64][]byte)
	self.natOrder = nil
	return r
}

func (self *simpleNodeManager) NextFreeIno() uint32 {
	defer self.lock.Locked()()
	return self.nextFreeIno
}

func (self *simpleNodeManager) SetNextFreeIno(ino uint32) {
	defer self.lock.Locked()()
	if ino != 0 {
		self.nextFreeIno = ino
	}
}

func (self *simpleNodeManager) AllocIno() uint32 {
	defer self.lock.Locked()()
	ino := self.nextFreeIno
	self.nextFreeIno++
	return ino
}

func (self *simpleNodeManager) NatBitmap() []byte {
	defer self.lock.Locked()()
	return self.natBitmap
}

func (self *simpleNodeManager) SetNatBitmap(b []byte) {
	defer self.lock.Locked()()
	self.natBitmap = b
}

func (self *simpleNodeManager) NodeSummaries() []metalog.Entry {
	defer self.lock.Locked()()
	return append([]metalog.Entry{}, self.nodeSums...)
}

func (self *simpleNodeManager) AddNodeSummary(e metalog.Entry) {
	defer self.lock.Locked()()
	self.nodeSums = append(self.nodeSums, e)
}

func (self *simpleNodeManager) MarkFsync(ino uint32) {
	defer self.lock.Locked()()
	self.fsyncMarks[ino] = true
}

func (self *simpleNodeManager) ResetFsyncMarks() {
	defer self.lock.Locked()()
	if len(self.fsyncMarks) > 0 {
		mlog.Printf2("fs/collab", "ResetFsyncMarks: %d", len(self.fsyncMarks))
	}
	self.fsyncMarks = make(map[uint32]bool)
}

type nopQuotaSync struct{}

func (self *nopQuotaSync) NeedsFlush() bool {
	return false
}

func (self *nopQuotaSync) Sync() error {
	return nil
}

// simpleInodeSource tracks dirty inodes in maps; tests poke dirty
// work in and watch the freeze loop flush it.
type simpleInodeSource struct {
	lock     util.MutexLocked
	dents    map[uint32]bool
	meta     map[uint32]bool
	nodes    map[uint32]bool
	nodeAddr map[uint32]uint64
	evicted  []uint32

	// Called after each node flush pass; lets tests generate
	// late-arriving dirty work.
	AfterNodeFlush func()
}

func (self *simpleInodeSource) Init() *simpleInodeSource {
	self.dents = make(map[uint32]bool)
	self.meta = make(map[uint32]bool)
	self.nodes = make(map[uint32]bool)
	self.nodeAddr = make(map[uint32]uint64)
	return self
}

func (self *simpleInodeSource) DirtyCount(b ino.Bucket) int {
	defer self.lock.Locked()()
	switch b {
	case ino.TransDir:
		return len(self.dents)
	case ino.DirtyMeta:
		return len(self.meta)
	case ino.Flush:
		return len(self.nodes)
	}
	return 0
}

func (self *simpleInodeSource) MarkDentDirty(inum uint32) {
	defer self.lock.Locked()()
	self.dents[inum] = true
}

func (self *simpleInodeSource) MarkMetaDirty(inum uint32) {
	defer self.lock.Locked()()
	self.meta[inum] = true
}

func (self *simpleInodeSource) MarkNodeDirty(inum uint32) {
	defer self.lock.Locked()()
	self.nodes[inum] = true
}

func (self *simpleInodeSource) SetNodeAddress(inum uint32, addr uint64) {
	defer self.lock.Locked()()
	self.nodeAddr[inum] = addr
}

func (self *simpleInodeSource) FlushInline() error {
	return nil
}

func (self *simpleInodeSource) flushMap(m map[uint32]bool) int {
	defer self.lock.Locked()()
	n := len(m)
	for k := range m {
		delete(m, k)
	}
	return n
}

func (self *simpleInodeSource) FlushDents() (int, error) {
	return self.flushMap(self.dents), nil
}

func (self *simpleInodeSource) FlushInodeMeta() (int, error) {
	return self.flushMap(self.meta), nil
}

func (self *simpleInodeSource) FlushNodes() (int, error) {
	n := self.flushMap(self.nodes)
	if self.AfterNodeFlush != nil {
		self.AfterNodeFlush()
	}
	return n, nil
}

func (self *simpleInodeSource) InitQuota(inum uint32) error {
	return nil
}

func (self *simpleInodeSource) Evict(inum uint32) error {
	defer self.lock.Locked()()
	delete(self.nodeAddr, inum)
	self.evicted = append(self.evicted, inum)
	return nil
}

func (self *simpleInodeSource) NodeAddress(inum uint32) (uint64, bool) {
	defer self.lock.Locked()()
	addr, ok := self.nodeAddr[inum]
	return addr, ok
}

func (self *simpleInodeSource) Evicted() []uint32 {
	defer self.lock.Locked()()
	return append([]uint32{}, self.evicted...)
}
