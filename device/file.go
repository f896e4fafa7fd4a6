/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb  6 10:24:41 2019 mstenber
 * Last modified: Thu Mar 21 17:44:12 2019 mstenber
 * Edit time:     41 min
 *
 */

package device

import (
	"fmt"
	"os"

	"github.com/fingon/go-zlmfs/mlog"
	"github.com/fingon/go-zlmfs/util"
)

// fileDevice is a single flat file; in practise it may be a raw disk
// device or an image. Zone resets are emulated by zero-fill, which
// preserves the 'reads as zero after reset' contract.
type fileDevice struct {
	lock   util.MutexLocked
	f      *os.File
	path   string
	blocks uint64
}

var _ Device = &fileDevice{}

func NewFileDevice(path string, blocks uint64) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err = f.Truncate(int64(blocks * BlockSize)); err != nil {
		f.Close()
		return nil, err
	}
	return &fileDevice{f: f, path: path, blocks: blocks}, nil
}

func (self *fileDevice) String() string {
	return fmt.Sprintf("fd{%s}", self.path)
}

func (self *fileDevice) ReadBlock(addr uint64) ([]byte, error) {
	defer self.lock.Locked()()
	if addr >= self.blocks {
		return nil, ErrOutOfRange
	}
	b := make([]byte, BlockSize)
	_, err := self.f.ReadAt(b, int64(addr*BlockSize))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (self *fileDevice) WriteBlock(addr uint64, data []byte) error {
	defer self.lock.Locked()()
	if addr >= self.blocks {
		return ErrOutOfRange
	}
	if len(data) != BlockSize {
		mlog.Panicf("WriteBlock with %d bytes", len(data))
	}
	_, err := self.f.WriteAt(data, int64(addr*BlockSize))
	return err
}

func (self *fileDevice) Sync() error {
	return self.f.Sync()
}

var zeroBlock [BlockSize]byte

func (self *fileDevice) ResetZone(start, blocks uint64) error {
	defer self.lock.Locked()()
	if start+blocks > self.blocks {
		return ErrOutOfRange
	}
	mlog.Printf2("device/file", "%v.ResetZone %v+%v", self, start, blocks)
	for i := uint64(0); i < blocks; i++ {
		_, err := self.f.WriteAt(zeroBlock[:], int64((start+i)*BlockSize))
		if err != nil {
			return err
		}
	}
	return nil
}

func (self *fileDevice) Discard(start, blocks uint64) error {
	return self.ResetZone(start, blocks)
}

func (self *fileDevice) Blocks() uint64 {
	return self.blocks
}

func (self *fileDevice) Close() {
	self.f.Close()
}
