/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb  6 10:02:13 2019 mstenber
 * Last modified: Wed Feb 20 12:31:40 2019 mstenber
 * Edit time:     34 min
 *
 */

package device

import (
	"github.com/fingon/go-zlmfs/mlog"
	"github.com/fingon/go-zlmfs/util"
)

// inMemoryDevice is a byte slab pretending to be a zoned device;
// handy in unit tests and as a reference implementation.
type inMemoryDevice struct {
	lock   util.MutexLocked
	b      []byte
	blocks uint64
}

var _ Device = &inMemoryDevice{}

func NewInMemoryDevice(blocks uint64) Device {
	return &inMemoryDevice{b: make([]byte, blocks*BlockSize),
		blocks: blocks}
}

func (self *inMemoryDevice) ReadBlock(addr uint64) ([]byte, error) {
	defer self.lock.Locked()()
	if addr >= self.blocks {
		return nil, ErrOutOfRange
	}
	b := make([]byte, BlockSize)
	copy(b, self.b[addr*BlockSize:])
	return b, nil
}

func (self *inMemoryDevice) WriteBlock(addr uint64, data []byte) error {
	defer self.lock.Locked()()
	if addr >= self.blocks {
		return ErrOutOfRange
	}
	if len(data) != BlockSize {
		mlog.Panicf("WriteBlock with %d bytes", len(data))
	}
	copy(self.b[addr*BlockSize:], data)
	return nil
}

func (self *inMemoryDevice) Sync() error {
	return nil
}

func (self *inMemoryDevice) ResetZone(start, blocks uint64) error {
	defer self.lock.Locked()()
	if start+blocks > self.blocks {
		return ErrOutOfRange
	}
	mlog.Printf2("device/inmemory", "dev.ResetZone %v+%v", start, blocks)
	for i := start * BlockSize; i < (start+blocks)*BlockSize; i++ {
		self.b[i] = 0
	}
	return nil
}

func (self *inMemoryDevice) Discard(start, blocks uint64) error {
	return self.ResetZone(start, blocks)
}

func (self *inMemoryDevice) Blocks() uint64 {
	return self.blocks
}

func (self *inMemoryDevice) Close() {
}
