/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb  7 12:02:27 2019 mstenber
 * Last modified: Fri Feb  8 10:41:13 2019 mstenber
 * Edit time:     214 min
 *
 */

// Package pack implements the on-disk checkpoint pack: the durable,
// checksummed snapshot record of filesystem metadata counters and
// cursors. Two packs live at fixed alternating offsets; the one with
// the higher verifiably-valid version wins at mount time.
package pack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/fingon/go-zlmfs/device"
	"github.com/fingon/go-zlmfs/mlog"
	sha256 "github.com/minio/sha256-simd"
)

var ErrCorrupted = errors.New("checkpoint pack corrupted")

const (
	// Checksum covers [0, ChecksumOffset); older headers had the
	// checksum earlier in the block, in which case the tail of the
	// block is covered by a secondary hash seeded with the CRC.
	LegacyChecksumOffset = device.BlockSize - 4

	// Fixed header fields end here; ChecksumOffset may not point
	// inside them.
	headerFixedSize = 112

	// Read retries per pack block before giving up on the slot.
	ReadRetries = 3
)

// Current-segment cursor streams. Hot/warm/cold split for both node
// and data segments, in the order they are laid out in the header.
const (
	CurSegHotNode = iota
	CurSegWarmNode
	CurSegColdNode
	CurSegHotData
	CurSegWarmData
	CurSegColdData
	CurSegCount
)

// StreamCursor is the per-stream allocation cursor snapshotted into
// the pack: which segment is being filled, how far, and with what
// allocation policy.
type StreamCursor struct {
	Segno     uint32
	BlkOff    uint16
	AllocType uint8
}

// Pack is the decoded checkpoint pack header plus its payload blocks.
// The on-disk encoding is little-endian at fixed offsets; see
// encodeInto for the layout.
type Pack struct {
	Version          uint64
	ValidBlockCount  uint64
	CheckpointTime   uint64
	Flags            Flags
	ValidNodeCount   uint32
	ValidInodeCount  uint32
	NextFreeIno      uint32
	FreeSegmentCount uint32
	Cursors          [CurSegCount]StreamCursor

	// Block accounting within the pack area. TotalBlockCount
	// includes the header, payload, orphan, summary blocks and the
	// trailing duplicate header.
	PackStartSum      uint32
	TotalBlockCount   uint32
	OrphanBlockCount  uint32
	PayloadBlockCount uint32

	ChecksumOffset uint32

	// Extra header blocks carried through encode/decode untouched.
	Payload [][]byte
}

// Init sets up an empty pack with sane defaults (version 0, full-size
// checksum coverage, header + duplicate only).
func (self *Pack) Init() *Pack {
	self.ChecksumOffset = LegacyChecksumOffset
	self.TotalBlockCount = 2
	return self
}

func (self Pack) HasOrphans() bool {
	return self.Flags.Has(FlagOrphanPresent)
}

// packChecksum computes the pack checksum over the header block. CRC32
// (IEEE) over [0, off); if off is before the legacy offset, a second
// pass hashes [off+4, blockSize) seeded with the CRC and the two are
// folded together. This keeps short pre-extension headers verifiable
// with the same routine.
func packChecksum(blk []byte, off uint32) uint32 {
	sum := crc32.ChecksumIEEE(blk[:off])
	if off < LegacyChecksumOffset {
		h := sha256.New()
		var seed [4]byte
		binary.LittleEndian.PutUint32(seed[:], sum)
		h.Write(seed[:])
		h.Write(blk[off+4 : device.BlockSize])
		d := h.Sum(nil)
		for i := 0; i+4 <= len(d); i += 4 {
			sum ^= binary.LittleEndian.Uint32(d[i:])
		}
	}
	return sum
}

func (self *Pack) encodeInto(blk []byte) {
	le := binary.LittleEndian
	le.PutUint64(blk[0:], self.Version)
	le.PutUint64(blk[8:], self.ValidBlockCount)
	le.PutUint64(blk[16:], self.CheckpointTime)
	le.PutUint32(blk[24:], uint32(self.Flags))
	le.PutUint32(blk[28:], self.ValidNodeCount)
	le.PutUint32(blk[32:], self.ValidInodeCount)
	le.PutUint32(blk[36:], self.NextFreeIno)
	le.PutUint32(blk[40:], self.FreeSegmentCount)
	o := 44
	for i := 0; i < CurSegCount; i++ {
		c := &self.Cursors[i]
		le.PutUint32(blk[o:], c.Segno)
		le.PutUint16(blk[o+4:], c.BlkOff)
		blk[o+6] = c.AllocType
		blk[o+7] = 0
		o += 8
	}
	// o == 92
	le.PutUint32(blk[92:], self.PackStartSum)
	le.PutUint32(blk[96:], self.TotalBlockCount)
	le.PutUint32(blk[100:], self.OrphanBlockCount)
	le.PutUint32(blk[104:], self.PayloadBlockCount)
	le.PutUint32(blk[108:], self.ChecksumOffset)
}

// EncodeHeader produces the full header block including the embedded
// checksum at ChecksumOffset.
func (self *Pack) EncodeHeader() []byte {
	if self.ChecksumOffset < headerFixedSize || self.ChecksumOffset > LegacyChecksumOffset {
		mlog.Panicf("pack.EncodeHeader: bad checksum offset %d", self.ChecksumOffset)
	}
	blk := make([]byte, device.BlockSize)
	self.encodeInto(blk)
	sum := packChecksum(blk, self.ChecksumOffset)
	binary.LittleEndian.PutUint32(blk[self.ChecksumOffset:], sum)
	return blk
}

// DecodeHeader parses and validates one header block. Checksum or
// sanity failure yields ErrCorrupted; the caller decides whether
// another pack slot can take over.
func DecodeHeader(blk []byte) (*Pack, error) {
	if len(blk) != device.BlockSize {
		return nil, fmt.Errorf("%w: header block size %d", ErrCorrupted, len(blk))
	}
	le := binary.LittleEndian
	self := &Pack{}
	self.ChecksumOffset = le.Uint32(blk[108:])
	if self.ChecksumOffset < headerFixedSize || self.ChecksumOffset > LegacyChecksumOffset {
		return nil, fmt.Errorf("%w: checksum offset %d", ErrCorrupted, self.ChecksumOffset)
	}
	want := le.Uint32(blk[self.ChecksumOffset:])
	if got := packChecksum(blk, self.ChecksumOffset); got != want {
		return nil, fmt.Errorf("%w: checksum %x != %x", ErrCorrupted, got, want)
	}
	self.Version = le.Uint64(blk[0:])
	self.ValidBlockCount = le.Uint64(blk[8:])
	self.CheckpointTime = le.Uint64(blk[16:])
	self.Flags = Flags(le.Uint32(blk[24:]))
	self.ValidNodeCount = le.Uint32(blk[28:])
	self.ValidInodeCount = le.Uint32(blk[32:])
	self.NextFreeIno = le.Uint32(blk[36:])
	self.FreeSegmentCount = le.Uint32(blk[40:])
	o := 44
	for i := 0; i < CurSegCount; i++ {
		c := &self.Cursors[i]
		c.Segno = le.Uint32(blk[o:])
		c.BlkOff = le.Uint16(blk[o+4:])
		c.AllocType = blk[o+6]
		o += 8
	}
	self.PackStartSum = le.Uint32(blk[92:])
	self.TotalBlockCount = le.Uint32(blk[96:])
	self.OrphanBlockCount = le.Uint32(blk[100:])
	self.PayloadBlockCount = le.Uint32(blk[104:])
	if self.TotalBlockCount < 2 || self.TotalBlockCount > 1<<20 {
		return nil, fmt.Errorf("%w: total block count %d", ErrCorrupted, self.TotalBlockCount)
	}
	if uint64(self.OrphanBlockCount)+uint64(self.PayloadBlockCount)+2 > uint64(self.TotalBlockCount) {
		return nil, fmt.Errorf("%w: block accounting (%d orphan + %d payload > %d total)",
			ErrCorrupted, self.OrphanBlockCount, self.PayloadBlockCount, self.TotalBlockCount)
	}
	return self, nil
}

func readBlockRetry(dev device.Device, addr uint64) (b []byte, err error) {
	for i := 0; i < ReadRetries; i++ {
		b, err = dev.ReadBlock(addr)
		if err == nil {
			return b, nil
		}
		mlog.Printf2("pack/pack", "readBlockRetry %v try %d: %v", addr, i, err)
	}
	return nil, err
}

// ReadSlot reads and validates one pack slot at the given base
// address. A pack is valid only if the header block and the duplicate
// block at base+total-1 both decode and carry the same version.
func ReadSlot(dev device.Device, base uint64) (*Pack, error) {
	blk, err := readBlockRetry(dev, base)
	if err != nil {
		return nil, err
	}
	self, err := DecodeHeader(blk)
	if err != nil {
		return nil, err
	}
	dblk, err := readBlockRetry(dev, base+uint64(self.TotalBlockCount)-1)
	if err != nil {
		return nil, err
	}
	dup, err := DecodeHeader(dblk)
	if err != nil {
		return nil, err
	}
	if dup.Version != self.Version {
		return nil, fmt.Errorf("%w: duplicate version %d != %d",
			ErrCorrupted, dup.Version, self.Version)
	}
	for i := uint32(0); i < self.PayloadBlockCount; i++ {
		pblk, err := readBlockRetry(dev, base+1+uint64(i))
		if err != nil {
			return nil, err
		}
		self.Payload = append(self.Payload, pblk)
	}
	mlog.Printf2("pack/pack", "ReadSlot %v => version %d", base, self.Version)
	return self, nil
}

// SelectAuthoritative picks the recovery pack: the higher version
// among the packs that validated (nil = that slot did not validate).
// Neither validating means the filesystem must not mount read-write.
func SelectAuthoritative(a, b *Pack) (*Pack, error) {
	switch {
	case a == nil && b == nil:
		return nil, ErrCorrupted
	case a == nil:
		return b, nil
	case b == nil:
		return a, nil
	case b.Version > a.Version:
		return b, nil
	default:
		return a, nil
	}
}
