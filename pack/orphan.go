/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb  7 14:30:09 2019 mstenber
 * Last modified: Thu Feb  7 15:12:44 2019 mstenber
 * Edit time:     41 min
 *
 */

package pack

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/fingon/go-zlmfs/device"
)

const (
	orphanHeaderSize = 16

	// Inode numbers that fit in one orphan block.
	OrphansPerBlock = (device.BlockSize - orphanHeaderSize) / 4
)

// OrphanBlock records unlinked-but-open inode numbers in a single
// pack block. BlockAddr/BlockCount tie the block to its position in
// the orphan run so recovery can detect truncation.
type OrphanBlock struct {
	BlockAddr  uint16
	BlockCount uint16
	Inos       []uint32
}

func (self *OrphanBlock) Encode() []byte {
	if len(self.Inos) > OrphansPerBlock {
		panic("orphan block overfull")
	}
	blk := make([]byte, device.BlockSize)
	le := binary.LittleEndian
	le.PutUint32(blk[0:], uint32(len(self.Inos)))
	le.PutUint16(blk[4:], self.BlockAddr)
	le.PutUint16(blk[6:], self.BlockCount)
	for i, ino := range self.Inos {
		le.PutUint32(blk[orphanHeaderSize+4*i:], ino)
	}
	le.PutUint32(blk[8:], crc32.ChecksumIEEE(blk[orphanHeaderSize:]))
	return blk
}

func DecodeOrphanBlock(blk []byte) (*OrphanBlock, error) {
	if len(blk) != device.BlockSize {
		return nil, fmt.Errorf("%w: orphan block size %d", ErrCorrupted, len(blk))
	}
	le := binary.LittleEndian
	n := le.Uint32(blk[0:])
	if n > OrphansPerBlock {
		return nil, fmt.Errorf("%w: orphan entry count %d", ErrCorrupted, n)
	}
	if got, want := crc32.ChecksumIEEE(blk[orphanHeaderSize:]), le.Uint32(blk[8:]); got != want {
		return nil, fmt.Errorf("%w: orphan checksum %x != %x", ErrCorrupted, got, want)
	}
	self := &OrphanBlock{
		BlockAddr:  le.Uint16(blk[4:]),
		BlockCount: le.Uint16(blk[6:]),
		Inos:       make([]uint32, n),
	}
	for i := range self.Inos {
		self.Inos[i] = le.Uint32(blk[orphanHeaderSize+4*i:])
	}
	return self, nil
}
