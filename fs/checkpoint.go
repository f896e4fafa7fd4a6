/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 14 10:20:41 2019 mstenber
 * Last modified: Mon Feb 18 09:55:37 2019 mstenber
 * Edit time:     402 min
 *
 */

package fs

import (
	"time"

	"github.com/fingon/go-zlmfs/device"
	"github.com/fingon/go-zlmfs/ino"
	"github.com/fingon/go-zlmfs/metalog"
	"github.com/fingon/go-zlmfs/mlog"
	"github.com/fingon/go-zlmfs/pack"
)

// WriteCheckpoint runs one full checkpoint transaction. Any I/O
// failure between version bump and the commit barrier latches the
// fatal error state; the previous pack stays authoritative because
// the new one never got its duplicate header.
func (self *Fs) WriteCheckpoint(reason CheckpointReason) error {
	if self.CheckpointError() && reason != ReasonPause {
		return ErrIO
	}
	if self.ReadOnly && reason != ReasonPause {
		return ErrReadOnly
	}
	// Resize runs under the caller's lock.
	if reason != ReasonResize {
		defer self.cpLock.Locked()()
	}

	soft := reason == ReasonSync || reason == ReasonFastboot || reason == ReasonDiscard
	if soft && !self.dirtyMetaExists() {
		if reason != ReasonDiscard || !self.Segments.ExistTrimCandidates() {
			mlog.Printf2("fs/checkpoint", "WriteCheckpoint %v: nothing dirty, skipping", reason)
			return nil
		}
	}
	// Discard with pending trims but clean NAT needs only the SIT
	// side flushed (the trim state lives there).
	if reason == ReasonDiscard && self.Nodes.DirtyNatCount() == 0 &&
		self.Inodes.DirtyCount(ino.Flush) == 0 {
		if entries := self.Segments.DrainDirtySit(); len(entries) > 0 {
			if err := self.appendLog(metalog.SIT, entries); err != nil {
				self.StopCheckpoint("sit fast-path flush failed")
				return ErrIO
			}
		}
		mlog.Printf2("fs/checkpoint", "WriteCheckpoint discard: sit-only fast path")
		return nil
	}

	err := self.doCheckpoint(reason)
	if err != nil {
		self.StopCheckpoint("checkpoint failed")
		mlog.Printf2("fs/checkpoint", "WriteCheckpoint %v failed: %v", reason, err)
		return ErrIO
	}
	self.Checkpoints.Add(1)
	self.lastCheckpointNs.Set(time.Now().UnixNano())
	return nil
}

// appendLog writes entries to a metadata log stream, handling zone
// exhaustion: toggle the indices, hand the retired half to the merge
// engine, switch to the fresh half and keep going.
func (self *Fs) appendLog(stream int, entries []metalog.Entry) error {
	for len(entries) > 0 {
		n, err := self.Metalog.AppendEntries(stream, entries)
		if err == nil {
			return nil
		}
		if err != metalog.ErrZoneFull {
			return err
		}
		entries = entries[n:]
		if err = self.retireLogHalf(stream); err != nil {
			return err
		}
	}
	return nil
}

// Merge cycles whose drain keeps failing get this many chances before
// the checkpoint gives up on the stream.
const mergeDrainRetries = 8

// retireLogHalf rotates a full log half out: finish any previous merge
// cycle so the target half has been reset, toggle indices, request the
// merge of the retired entries and point the allocator at the fresh
// half.
func (self *Fs) retireLogHalf(stream int) error {
	for tries := 0; self.Metalog.MergeState(stream) != pack.MergeIdle; tries++ {
		if tries >= mergeDrainRetries {
			mlog.Printf2("fs/checkpoint", "retireLogHalf %s: merge not draining",
				metalog.StreamName(stream))
			return ErrIO
		}
		mlog.Printf2("fs/checkpoint", "retireLogHalf %s: finishing previous merge",
			metalog.StreamName(stream))
		self.Metalog.WaitMergeDone(stream)
		// May re-request the drain if entries were left behind;
		// the loop then waits the retry out too.
		if _, err := self.Metalog.CompleteMergeCycle(stream); err != nil {
			return err
		}
	}
	if err := self.Metalog.ToggleIndex(stream); err != nil {
		return err
	}
	if err := self.Metalog.SwitchHalf(stream, nil); err != nil {
		return err
	}
	self.Metalog.RequestMerge(stream)
	return nil
}

func (self *Fs) doCheckpoint(reason CheckpointReason) error {
	mlog.Printf2("fs/checkpoint", "doCheckpoint %v", reason)

	// Freeze phase. The new pack starts as a copy of the current
	// one so flags like quota-skip accumulate on it.
	self.packLock.Lock()
	newPack := *self.pack
	newPack.Payload = append([][]byte{}, self.pack.Payload...)
	self.packLock.Unlock()

	if err := self.blockOperations(&newPack); err != nil {
		return err
	}
	defer self.unblockOperations()

	// Counter snapshot under the node-allocation freeze.
	newPack.Version++
	newPack.CheckpointTime = uint64(time.Now().Unix())
	newPack.ValidBlockCount = uint64(self.ValidBlocks.Get())
	newPack.ValidNodeCount = uint32(self.ValidNodes.Get())
	newPack.ValidInodeCount = uint32(self.ValidInodes.Get())
	newPack.NextFreeIno = self.Nodes.NextFreeIno()
	self.Segments.SaveCursors(&newPack)

	// Flush cached NAT and SIT entries in log form; the zoned
	// device cannot rewrite the baseline region in place.
	if err := self.appendLog(metalog.NAT, self.Nodes.DrainDirtyNat()); err != nil {
		return err
	}
	if err := self.appendLog(metalog.SIT, self.Segments.DrainDirtySit()); err != nil {
		return err
	}

	// Node summaries and the NAT bitmap ride in umount and fastboot
	// packs so the next mount can skip node scans.
	var nodeSums []metalog.Entry
	var natBits []byte
	if reason == ReasonUmount || reason == ReasonFastboot {
		nodeSums = self.Nodes.NodeSummaries()
		natBits = self.Nodes.NatBitmap()
	}
	natBlocks := 0
	if natBits != nil {
		natBlocks = 1
	}

	// Summaries get the zone space the fixed parts leave; overflow
	// folds into the SSA log.
	orphans := self.Registry.Inos(ino.Orphan)
	orphanBlocks := (len(orphans) + pack.OrphansPerBlock - 1) / pack.OrphansPerBlock
	avail := int(self.Geometry.ZoneBlocks) - 2 - len(newPack.Payload) -
		orphanBlocks - natBlocks
	if avail < 0 {
		avail = 0
	}
	if len(nodeSums) > avail {
		mlog.Printf2("fs/checkpoint", " folding %d node summaries into ssa log",
			len(nodeSums)-avail)
		if err := self.appendLog(metalog.SSA, nodeSums[avail:]); err != nil {
			return err
		}
		nodeSums = nodeSums[:avail]
	}
	avail -= len(nodeSums)
	sums := self.Segments.PendingSummaries()
	if len(sums) > avail {
		mlog.Printf2("fs/checkpoint", " folding %d summaries into ssa log", len(sums)-avail)
		if err := self.appendLog(metalog.SSA, sums[avail:]); err != nil {
			return err
		}
		sums = sums[:avail]
	}

	// Recompute flags; the sticky ones carry over from the previous
	// pack.
	flags := self.Metalog.MergeFlags()
	for _, f := range []pack.Flags{pack.FlagQuotaSkipFlush, pack.FlagQuotaNeedFlush,
		pack.FlagQuotaNeedFsck, pack.FlagFsck} {
		if newPack.Flags.Has(f) {
			flags = flags.Set(f)
		}
	}
	switch reason {
	case ReasonUmount:
		flags = flags.Set(pack.FlagUmount)
	case ReasonFastboot:
		flags = flags.Set(pack.FlagFastboot)
	case ReasonTrimmed:
		flags = flags.Set(pack.FlagTrimmed)
	case ReasonPause:
		flags = flags.Set(pack.FlagDisabled)
	case ReasonRecovery:
		flags = flags.Set(pack.FlagCrcRecovery)
	}
	if len(orphans) > 0 {
		flags = flags.Set(pack.FlagOrphanPresent)
	}
	if natBits != nil {
		flags = flags.Set(pack.FlagNatBits)
	}
	newPack.Flags = flags

	if err := self.writePack(&newPack, orphans, sums, nodeSums, natBits); err != nil {
		return err
	}

	// Committed. Clean up in-memory state: consumed per-checkpoint
	// ino entries, fsync bookkeeping, dirty marks, unusable-block
	// counter; flip the write slot.
	self.Registry.ReleaseAll(ino.Append)
	self.Nodes.ResetFsyncMarks()
	self.dirtyMeta.Set(0)
	self.unusable.Set(0)

	self.packLock.Lock()
	self.pack = &newPack
	self.nextSlot = 1 - self.nextSlot
	self.packLock.Unlock()

	// Reset any log zones whose merge completed while we were at it.
	for i := 0; i < metalog.StreamCount; i++ {
		if _, err := self.Metalog.CompleteMergeCycle(i); err != nil {
			return err
		}
	}

	// New dirty nodes may have accumulated during the write; they
	// belong to the next checkpoint.
	if self.Inodes.DirtyCount(ino.Flush) > 0 {
		self.MarkDirtyMeta()
	}
	mlog.Printf2("fs/checkpoint", "doCheckpoint %v done, version %d", reason, newPack.Version)
	return nil
}

// writePack serializes and commits the pack: reset the target slot's
// zone, write header + body, barrier, then the duplicate header whose
// durability IS the commit, then barrier again.
func (self *Fs) writePack(p *pack.Pack, orphans []uint32, sums, nodeSums []metalog.Entry, natBits []byte) error {
	g := &self.Geometry
	base := g.PackSlotBase(self.NextSlot())

	orphanBlocks := chunkOrphans(orphans)
	p.OrphanBlockCount = uint32(len(orphanBlocks))
	p.PayloadBlockCount = uint32(len(p.Payload))
	natBlocks := 0
	if natBits != nil {
		natBlocks = 1
	}
	body := 1 + int(p.PayloadBlockCount) + len(orphanBlocks) + len(sums) + len(nodeSums) + natBlocks
	p.PackStartSum = uint32(1 + int(p.PayloadBlockCount) + len(orphanBlocks))
	p.TotalBlockCount = uint32(body + 1)
	if uint64(p.TotalBlockCount) > g.ZoneBlocks {
		mlog.Panicf("fs.writePack: pack of %d blocks exceeds zone (%d)",
			p.TotalBlockCount, g.ZoneBlocks)
	}

	// The pack area sits on a sequential zone; reset before rewrite.
	if err := self.Device.ResetZone(base, g.ZoneBlocks); err != nil {
		return err
	}

	addr := base
	write := func(blk []byte) error {
		err := self.WriteMetaBlock(addr, blk)
		addr++
		return err
	}
	if err := write(p.EncodeHeader()); err != nil {
		return err
	}
	for _, blk := range p.Payload {
		if err := write(blk); err != nil {
			return err
		}
	}
	for _, ob := range orphanBlocks {
		if err := write(ob.Encode()); err != nil {
			return err
		}
	}
	for _, e := range append(append([]metalog.Entry{}, sums...), nodeSums...) {
		if err := write(metalog.EncodeEntryBlock(e)); err != nil {
			return err
		}
	}
	if natBits != nil {
		if err := write(padBlock(natBits)); err != nil {
			return err
		}
	}

	// Durability barrier: baseline metadata first, then the device
	// write cache, before the commit record goes out.
	if err := self.Store.Flush(); err != nil {
		return err
	}
	if err := self.Device.Sync(); err != nil {
		return err
	}
	if err := write(p.EncodeHeader()); err != nil {
		return err
	}
	if err := self.Device.Sync(); err != nil {
		return err
	}
	// Drop transient cached blocks of the slot we just rewrote.
	self.InvalidateMetaBlocks(base, g.ZoneBlocks)
	return nil
}

func padBlock(b []byte) []byte {
	if len(b) == device.BlockSize {
		return b
	}
	blk := make([]byte, device.BlockSize)
	copy(blk, b)
	return blk
}

func chunkOrphans(orphans []uint32) []*pack.OrphanBlock {
	var r []*pack.OrphanBlock
	total := (len(orphans) + pack.OrphansPerBlock - 1) / pack.OrphansPerBlock
	for i := 0; len(orphans) > 0; i++ {
		n := len(orphans)
		if n > pack.OrphansPerBlock {
			n = pack.OrphansPerBlock
		}
		r = append(r, &pack.OrphanBlock{
			BlockAddr:  uint16(i),
			BlockCount: uint16(total),
			Inos:       append([]uint32{}, orphans[:n]...)})
		orphans = orphans[n:]
	}
	return r
}
