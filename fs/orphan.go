/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 15 11:40:28 2019 mstenber
 * Last modified: Sun Feb 17 11:21:49 2019 mstenber
 * Edit time:     97 min
 *
 */

package fs

import (
	"github.com/fingon/go-zlmfs/ino"
	"github.com/fingon/go-zlmfs/mlog"
	"github.com/fingon/go-zlmfs/pack"
)

// AddOrphan records an inode unlinked while still open; it survives a
// crash via the next checkpoint's orphan blocks. ErrNoSpace when the
// pack could not hold another orphan.
func (self *Fs) AddOrphan(inum uint32) error {
	if self.CheckpointError() {
		return ErrIO
	}
	if err := self.Registry.AcquireOrphanSlot(); err != nil {
		return err
	}
	self.Registry.AddOrphan(inum)
	self.MarkDirtyMeta()
	return nil
}

// RemoveOrphan drops an orphan once its space is actually reclaimed
// (or it was re-linked before we crashed).
func (self *Fs) RemoveOrphan(inum uint32) {
	self.Registry.RemoveOrphan(inum)
	self.MarkDirtyMeta()
}

// RecoverOrphans replays the authoritative pack's orphan list at
// mount: each listed inode is evicted through the VFS boundary so its
// space reclaims via the normal path. Inconsistencies set the
// needs-fsck flag and are surfaced, but recovery of the remaining
// entries continues.
func (self *Fs) RecoverOrphans() error {
	p := self.Pack()
	if !p.HasOrphans() {
		return nil
	}
	base := self.Geometry.PackSlotBase(1 - self.NextSlot())
	start := base + 1 + uint64(p.PayloadBlockCount)
	bad := 0
	recovered := 0
	for i := uint64(0); i < uint64(p.OrphanBlockCount); i++ {
		blk, err := self.ReadMetaBlock(start + i)
		if err != nil {
			return err
		}
		ob, err := pack.DecodeOrphanBlock(blk)
		if err != nil {
			mlog.Printf2("fs/orphan", "RecoverOrphans: block %d: %v", i, err)
			bad++
			continue
		}
		// The run fields tie the block to its slot; a mismatch means
		// the block belongs to some other pack generation.
		if uint64(ob.BlockAddr) != i || uint32(ob.BlockCount) != p.OrphanBlockCount {
			mlog.Printf2("fs/orphan", "RecoverOrphans: block %d: run %d/%d does not match %d/%d",
				i, ob.BlockAddr, ob.BlockCount, i, p.OrphanBlockCount)
			bad++
			continue
		}
		for _, inum := range ob.Inos {
			if err := self.recoverOne(inum); err != nil {
				mlog.Printf2("fs/orphan", "RecoverOrphans: ino %d: %v", inum, err)
				bad++
				continue
			}
			recovered++
		}
	}
	mlog.Printf2("fs/orphan", "RecoverOrphans: %d recovered, %d bad", recovered, bad)
	if bad > 0 {
		self.setNeedFsck("orphan recovery inconsistencies")
	}
	// Orphans consumed; the flag clears in memory and persists with
	// the next checkpoint.
	self.packLock.Lock()
	np := *self.pack
	np.Flags = np.Flags.Clear(pack.FlagOrphanPresent)
	np.OrphanBlockCount = 0
	self.pack = &np
	self.packLock.Unlock()
	self.MarkDirtyMeta()
	return nil
}

func (self *Fs) recoverOne(inum uint32) error {
	if err := self.Inodes.InitQuota(inum); err != nil {
		return err
	}
	if err := self.Inodes.Evict(inum); err != nil {
		return err
	}
	// Eviction must have dropped the node address.
	if addr, ok := self.Inodes.NodeAddress(inum); ok {
		mlog.Printf2("fs/orphan", "recoverOne %d: node address still %d", inum, addr)
		self.setNeedFsck("orphan inode still addressed after eviction")
	}
	return nil
}

func (self *Fs) setNeedFsck(why string) {
	mlog.Printf2("fs/orphan", "setNeedFsck: %s", why)
	self.packLock.Lock()
	np := *self.pack
	np.Flags = np.Flags.Set(pack.FlagFsck)
	self.pack = &np
	self.packLock.Unlock()
}

// OrphanCount is how many orphans await reclamation.
func (self *Fs) OrphanCount() int {
	return self.Registry.Count(ino.Orphan)
}
