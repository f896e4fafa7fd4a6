/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 13 10:02:14 2019 mstenber
 * Last modified: Sun Feb 17 11:40:19 2019 mstenber
 * Edit time:     351 min
 *
 */

// Package fs ties the checkpoint subsystem together: the filesystem
// context, the freeze protocol, the checkpoint coordinator and
// request dispatcher, and orphan recovery at mount.
package fs

import (
	"errors"
	"fmt"
	"time"

	"github.com/bluele/gcache"

	"github.com/fingon/go-zlmfs/baseline"
	"github.com/fingon/go-zlmfs/device"
	"github.com/fingon/go-zlmfs/ino"
	"github.com/fingon/go-zlmfs/metalog"
	"github.com/fingon/go-zlmfs/mlog"
	"github.com/fingon/go-zlmfs/pack"
	"github.com/fingon/go-zlmfs/util"
)

var (
	ErrReadOnly = errors.New("filesystem is read-only")
	ErrIO       = errors.New("i/o error")
)

// CheckpointReason states why a checkpoint was asked for; it controls
// fast paths and which pack flags get set.
type CheckpointReason int

const (
	ReasonSync CheckpointReason = iota
	ReasonFastboot
	ReasonUmount
	ReasonDiscard
	ReasonTrimmed
	ReasonRecovery
	ReasonPause
	ReasonResize
)

var reasonName = map[CheckpointReason]string{
	ReasonSync:     "sync",
	ReasonFastboot: "fastboot",
	ReasonUmount:   "umount",
	ReasonDiscard:  "discard",
	ReasonTrimmed:  "trimmed",
	ReasonRecovery: "recovery",
	ReasonPause:    "pause",
	ReasonResize:   "resize",
}

func (self CheckpointReason) String() string {
	return reasonName[self]
}

type Config struct {
	Device   device.Device
	Geometry device.Geometry
	Store    baseline.Store

	// CacheSize bounds the clean metadata block cache (blocks);
	// 0 disables caching.
	CacheSize int

	MergeIntervalMsec int

	// DisableCoalescing makes every checkpoint request synchronous.
	DisableCoalescing bool

	ReadOnly bool

	// QuotaFlushRetries caps the freeze loop's quota passes before
	// it gives up and flags the pack instead; 0 = default (8).
	QuotaFlushRetries int

	// Collaborators across the subsystem boundary; nil ones get
	// standalone defaults so the subsystem runs on its own.
	Segments SegmentManager
	Nodes    NodeManager
	Quota    QuotaSync
	Inodes   DirtyInodeSource
}

// Fs is the filesystem context every component hangs off. No ambient
// globals; whoever needs the context gets handed this.
type Fs struct {
	Config

	Registry *ino.Registry
	Metalog  *metalog.Logger

	// Global checkpoint lock; one checkpoint transaction at a time.
	cpLock util.MutexLocked

	// Taken exclusively for the counter-snapshot window only.
	nodeAllocLock util.RWMutexLocked

	// Live counters snapshotted into the pack under the
	// node-allocation lock.
	ValidBlocks util.AtomicInt
	ValidNodes  util.AtomicInt
	ValidInodes util.AtomicInt

	packLock util.MutexLocked
	pack     *pack.Pack
	nextSlot int

	blockCache gcache.Cache

	errorState util.AtomicInt
	dirtyMeta  util.AtomicInt
	unusable   util.AtomicInt
	dispatcher *dispatcher

	// Stats.
	Checkpoints      util.AtomicInt
	lastCheckpointNs util.AtomicInt
}

// New mounts the subsystem: select the authoritative pack, populate
// state from it, recover orphans, start the background workers.
func New(config Config) (*Fs, error) {
	config.Geometry.Validate()
	self := &Fs{Config: config}
	if self.QuotaFlushRetries == 0 {
		self.QuotaFlushRetries = 8
	}
	self.Registry = (&ino.Registry{}).Init(self.maxOrphans(0))
	self.Metalog = metalog.Logger{Config: metalog.Config{
		Device:            config.Device,
		Geometry:          config.Geometry,
		Store:             config.Store,
		MergeIntervalMsec: config.MergeIntervalMsec}}.Init()
	if config.CacheSize > 0 {
		self.blockCache = gcache.New(config.CacheSize).
			ARC().
			LoaderFunc(func(k interface{}) (interface{}, error) {
				return self.Device.ReadBlock(k.(uint64))
			}).
			Build()
	}
	if self.Segments == nil {
		self.Segments = (&simpleSegmentManager{}).Init()
	}
	if self.Nodes == nil {
		self.Nodes = (&simpleNodeManager{}).Init()
	}
	if self.Quota == nil {
		self.Quota = &nopQuotaSync{}
	}
	if self.Inodes == nil {
		self.Inodes = (&simpleInodeSource{}).Init()
	}
	if err := self.loadCheckpoint(); err != nil {
		self.Metalog.Close()
		return nil, err
	}
	self.dispatcher = newDispatcher(self)
	return self, nil
}

// NewEmpty formats the device with a fresh version-1 pack and mounts
// it (mkfs path).
func NewEmpty(config Config) (*Fs, error) {
	config.Geometry.Validate()
	p := (&pack.Pack{}).Init()
	p.Version = 1
	p.CheckpointTime = uint64(time.Now().Unix())
	hdr := p.EncodeHeader()
	base := config.Geometry.PackSlotBase(0)
	if err := config.Device.WriteBlock(base, hdr); err != nil {
		return nil, err
	}
	if err := config.Device.WriteBlock(base+uint64(p.TotalBlockCount)-1, hdr); err != nil {
		return nil, err
	}
	if err := config.Device.Sync(); err != nil {
		return nil, err
	}
	return New(config)
}

// maxOrphans derives orphan capacity from pack geometry: the zone must
// always fit the two header copies, the payload blocks and a NAT
// bitmap block. Summaries overflow into the SSA log, so everything
// else may be orphan blocks.
func (self *Fs) maxOrphans(payloadBlocks int) int {
	blocks := int(self.Geometry.ZoneBlocks) - 2 - 1 - payloadBlocks
	if blocks < 0 {
		blocks = 0
	}
	return blocks * pack.OrphansPerBlock
}

func (self *Fs) loadCheckpoint() error {
	g := &self.Geometry
	p0, err0 := pack.ReadSlot(self.Device, g.PackSlotBase(0))
	p1, err1 := pack.ReadSlot(self.Device, g.PackSlotBase(1))
	p, err := pack.SelectAuthoritative(p0, p1)
	if err != nil {
		mlog.Printf2("fs/fs", "loadCheckpoint: both slots invalid (%v / %v)", err0, err1)
		return fmt.Errorf("%w: no valid checkpoint pack", pack.ErrCorrupted)
	}
	self.pack = p
	// Write goes to the slot the authoritative pack is NOT in.
	if p == p1 {
		self.nextSlot = 0
	} else {
		self.nextSlot = 1
	}
	self.ValidBlocks.Set(int64(p.ValidBlockCount))
	self.ValidNodes.Set(int64(p.ValidNodeCount))
	self.ValidInodes.Set(int64(p.ValidInodeCount))
	self.Segments.LoadCursors(p)
	self.Nodes.SetNextFreeIno(p.NextFreeIno)
	self.Registry.MaxOrphans = self.maxOrphans(int(p.PayloadBlockCount))
	// The pack only has the counters; the log zones carry the entries
	// committed since the last full merge.
	if err := self.Metalog.Replay(); err != nil {
		return err
	}
	mlog.Printf2("fs/fs", "loadCheckpoint: version %d, next slot %d",
		p.Version, self.nextSlot)
	if p.HasOrphans() && !self.ReadOnly {
		if err := self.RecoverOrphans(); err != nil {
			return err
		}
	}
	return nil
}

// Pack returns a copy of the current authoritative pack header.
func (self *Fs) Pack() pack.Pack {
	defer self.packLock.Locked()()
	return *self.pack
}

// NextSlot returns which pack slot the next checkpoint writes.
func (self *Fs) NextSlot() int {
	defer self.packLock.Locked()()
	return self.nextSlot
}

// NodeAllocLocked takes the shared side of the node-allocation lock;
// the checkpoint's counter snapshot takes it exclusively. Anything
// allocating inodes or node blocks outside AllocIno holds this across
// the allocation: defer fs.NodeAllocLocked()().
func (self *Fs) NodeAllocLocked() func() {
	return self.nodeAllocLock.RLocked()
}

// AllocIno allocates an inode number and bumps the live counters,
// under the node-allocation freeze so a snapshot in progress never
// sees the counters and the NAT move independently.
func (self *Fs) AllocIno() (uint32, error) {
	if self.CheckpointError() {
		return 0, ErrIO
	}
	if self.ReadOnly {
		return 0, ErrReadOnly
	}
	defer self.NodeAllocLocked()()
	inum := self.Nodes.AllocIno()
	self.ValidNodes.Add(1)
	self.ValidInodes.Add(1)
	self.MarkDirtyMeta()
	return inum, nil
}

// CheckpointError reports whether the fatal error latch is set.
func (self *Fs) CheckpointError() bool {
	return self.errorState.Get() != 0
}

// StopCheckpoint latches the fatal error state; every mutating entry
// point fails fast from here on. Reads may still succeed.
func (self *Fs) StopCheckpoint(reason string) {
	if self.errorState.Add(1) == 1 {
		mlog.Printf2("fs/fs", "StopCheckpoint: %s", reason)
	}
}

// MarkDirtyMeta notes that metadata changed since the last
// checkpoint.
func (self *Fs) MarkDirtyMeta() {
	self.dirtyMeta.Set(1)
}

func (self *Fs) dirtyMetaExists() bool {
	if self.dirtyMeta.Get() != 0 {
		return true
	}
	return self.Segments.DirtySitCount() > 0 || self.Nodes.DirtyNatCount() > 0 ||
		self.Inodes.DirtyCount(ino.TransDir) > 0 ||
		self.Inodes.DirtyCount(ino.DirtyMeta) > 0 ||
		self.Inodes.DirtyCount(ino.Flush) > 0
}

// SetUnusableBlocks tracks blocks lost to zone misalignment while
// checkpointing is disabled; the counter zeroes on the next
// successful checkpoint.
func (self *Fs) SetUnusableBlocks(n int64) {
	self.unusable.Set(n)
}

func (self *Fs) UnusableBlocks() int64 {
	return self.unusable.Get()
}

// ReadMetaBlock reads through the clean-block cache if one is
// configured.
func (self *Fs) ReadMetaBlock(addr uint64) ([]byte, error) {
	if self.blockCache == nil {
		return self.Device.ReadBlock(addr)
	}
	v, err := self.blockCache.Get(addr)
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// WriteMetaBlock writes a block and drops any stale cached copy.
func (self *Fs) WriteMetaBlock(addr uint64, data []byte) error {
	if self.blockCache != nil {
		self.blockCache.Remove(addr)
	}
	return self.Device.WriteBlock(addr, data)
}

// InvalidateMetaBlocks drops cached copies of a block range (used for
// transient migration pages after a checkpoint).
func (self *Fs) InvalidateMetaBlocks(addr, n uint64) {
	if self.blockCache == nil {
		return
	}
	for i := uint64(0); i < n; i++ {
		self.blockCache.Remove(addr + i)
	}
}

// RequestCheckpoint is the public durability entry point; see the
// dispatcher for coalescing semantics.
func (self *Fs) RequestCheckpoint(reason CheckpointReason) error {
	return self.dispatcher.Request(reason)
}

// TimeSinceCheckpoint serves periodic checkpoint triggers.
func (self *Fs) TimeSinceCheckpoint() time.Duration {
	ns := self.lastCheckpointNs.Get()
	if ns == 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() - ns)
}

// Close unmounts: final umount checkpoint (read-write mounts only),
// then worker teardown.
func (self *Fs) Close() error {
	var err error
	if !self.ReadOnly && !self.CheckpointError() {
		err = self.RequestCheckpoint(ReasonUmount)
	}
	self.dispatcher.Close()
	self.Metalog.Close()
	self.Registry.ReleaseAll(ino.Orphan)
	self.Store.Close()
	self.Device.Close()
	return err
}
