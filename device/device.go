/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb  6 09:31:26 2019 mstenber
 * Last modified: Tue Apr  2 16:09:51 2019 mstenber
 * Edit time:     102 min
 *
 */

// device provides the block device abstraction the metadata subsystem
// runs on: block granular reads and writes, a write cache flush
// barrier, and the two zone management operations (reset, discard)
// zoned media require. Both are idempotent and safe to retry.
package device

import (
	"errors"

	"github.com/fingon/go-zlmfs/mlog"
)

const BlockSize = 4096

var ErrOutOfRange = errors.New("block address out of device range")

type Device interface {
	// ReadBlock returns the BlockSize bytes at the given block address.
	ReadBlock(addr uint64) ([]byte, error)

	// WriteBlock replaces the block at the given address.
	WriteBlock(addr uint64, data []byte) error

	// Sync flushes the device write cache; it is the durability
	// barrier commit depends on.
	Sync() error

	// ResetZone makes the given zone writable again from offset
	// zero, discarding its content.
	ResetZone(start, blocks uint64) error

	// Discard invalidates a block range without the zone-reset
	// side effect.
	Discard(start, blocks uint64) error

	Blocks() uint64
	Close()
}

// Geometry describes where each metadata stream lives on the device.
// Every log stream owns two zone halves starting at its base; the
// pack area similarly holds the two alternating pack slots.
type Geometry struct {
	ZoneBlocks   uint64
	PackBase     uint64
	SitLogBase   uint64
	NatLogBase   uint64
	SsaLogBase   uint64
	BaselineBase uint64
	MainBase     uint64
	TotalBlocks  uint64
}

// PackSlotBase returns the base address of pack slot 0 or 1.
func (self *Geometry) PackSlotBase(slot int) uint64 {
	if slot != 0 && slot != 1 {
		mlog.Panicf("invalid pack slot %d", slot)
	}
	return self.PackBase + uint64(slot)*self.ZoneBlocks
}

// Validate panics on a nonsensical layout; the geometry comes from
// the superblock and a violation here means corrupted bookkeeping,
// not a recoverable error.
func (self *Geometry) Validate() {
	if self.ZoneBlocks == 0 {
		mlog.Panicf("geometry: zero zone size")
	}
	prev := self.PackBase
	for _, base := range []uint64{self.SitLogBase, self.NatLogBase,
		self.SsaLogBase, self.BaselineBase, self.MainBase} {
		if base <= prev {
			mlog.Panicf("geometry: stream bases out of order (%v <= %v)",
				base, prev)
		}
		prev = base
	}
	if self.TotalBlocks <= self.MainBase {
		mlog.Panicf("geometry: main area outside device")
	}
}

// DefaultGeometry lays out a small device with the given zone size:
// pack area, three dual-half log streams, baseline region, main area.
func DefaultGeometry(zoneBlocks, totalBlocks uint64) Geometry {
	g := Geometry{ZoneBlocks: zoneBlocks,
		PackBase:     0,
		SitLogBase:   2 * zoneBlocks,
		NatLogBase:   4 * zoneBlocks,
		SsaLogBase:   6 * zoneBlocks,
		BaselineBase: 8 * zoneBlocks,
		MainBase:     12 * zoneBlocks,
		TotalBlocks:  totalBlocks}
	g.Validate()
	return g
}
