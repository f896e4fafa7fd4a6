/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb  7 11:50:22 2019 mstenber
 * Last modified: Thu Feb  7 12:01:40 2019 mstenber
 * Edit time:     28 min
 *
 */

package device

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stvp/assert"
)

func prodDevice(t *testing.T, dev Device) {
	blk := make([]byte, BlockSize)
	copy(blk, "hello")
	assert.Nil(t, dev.WriteBlock(3, blk))
	assert.Nil(t, dev.Sync())
	b, err := dev.ReadBlock(3)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(blk, b))

	// Unwritten blocks read as zeroes.
	b, err = dev.ReadBlock(2)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(make([]byte, BlockSize), b))

	_, err = dev.ReadBlock(dev.Blocks())
	assert.Equal(t, ErrOutOfRange, err)
	assert.Equal(t, ErrOutOfRange, dev.WriteBlock(dev.Blocks(), blk))

	// Zone reset zero-fills and is idempotent.
	assert.Nil(t, dev.ResetZone(0, 4))
	assert.Nil(t, dev.ResetZone(0, 4))
	b, err = dev.ReadBlock(3)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(make([]byte, BlockSize), b))

	assert.Nil(t, dev.Discard(0, 4))
	dev.Close()
}

func TestInMemoryDevice(t *testing.T) {
	t.Parallel()
	prodDevice(t, NewInMemoryDevice(16))
}

func TestFileDevice(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "zlmfs-device")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)
	dev, err := NewFileDevice(filepath.Join(dir, "image"), 16)
	assert.Nil(t, err)
	prodDevice(t, dev)
}

func TestFaultyDevice(t *testing.T) {
	t.Parallel()
	dev := NewFaultyDevice(NewInMemoryDevice(16), 2)
	blk := make([]byte, BlockSize)
	assert.Nil(t, dev.WriteBlock(0, blk))
	assert.Nil(t, dev.Sync())
	assert.Equal(t, ErrInjectedFault, dev.WriteBlock(1, blk))
	assert.Equal(t, ErrInjectedFault, dev.Sync())
	// Reads keep working.
	_, err := dev.ReadBlock(0)
	assert.Nil(t, err)
}

func TestGeometry(t *testing.T) {
	t.Parallel()
	g := DefaultGeometry(4, 64)
	g.Validate()
	assert.Equal(t, g.PackBase, g.PackSlotBase(0))
	assert.Equal(t, g.PackBase+4, g.PackSlotBase(1))
	assert.True(t, g.SitLogBase < g.NatLogBase)
	assert.True(t, g.NatLogBase < g.SsaLogBase)
	assert.True(t, g.SsaLogBase < g.BaselineBase)
	assert.True(t, g.BaselineBase < g.MainBase)
}
