/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 15 14:21:37 2019 mstenber
 * Last modified: Tue Feb 19 09:48:10 2019 mstenber
 * Edit time:     74 min
 *
 */

package fs

import (
	"bytes"
	"testing"

	"github.com/fingon/go-zlmfs/device"
	"github.com/fingon/go-zlmfs/pack"
	"github.com/stvp/assert"
)

func TestOrphanRoundTrip(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	st := testStore()
	fs, err := NewEmpty(testConfig(dev, st))
	assert.Nil(t, err)

	assert.Nil(t, fs.AddOrphan(10))
	assert.Nil(t, fs.AddOrphan(11))
	assert.Nil(t, fs.AddOrphan(12))
	assert.Equal(t, 3, fs.OrphanCount())
	assert.Nil(t, fs.RequestCheckpoint(ReasonSync))
	p := fs.Pack()
	assert.True(t, p.HasOrphans())
	assert.Equal(t, uint32(1), p.OrphanBlockCount)

	// Crash here: the orphans must replay on the next mount, in
	// registration order, through the eviction path.
	config := testConfig(dev, st)
	src := (&simpleInodeSource{}).Init()
	src.SetNodeAddress(11, 4242)
	config.Inodes = src
	fs2, err := New(config)
	assert.Nil(t, err)
	assert.Equal(t, []uint32{10, 11, 12}, src.Evicted())
	assert.Equal(t, 0, fs2.OrphanCount())
	p = fs2.Pack()
	assert.True(t, !p.HasOrphans())
	// Eviction dropped every node address, so no fsck flag.
	assert.True(t, !p.Flags.Has(pack.FlagFsck))

	// The cleared state persists; a third mount sees no orphans.
	assert.Nil(t, fs2.RequestCheckpoint(ReasonSync))
	config = testConfig(dev, st)
	src = (&simpleInodeSource{}).Init()
	config.Inodes = src
	_, err = New(config)
	assert.Nil(t, err)
	assert.Equal(t, 0, len(src.Evicted()))
}

func TestOrphanRemove(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	fs, err := NewEmpty(testConfig(dev, testStore()))
	assert.Nil(t, err)
	assert.Nil(t, fs.AddOrphan(7))
	fs.RemoveOrphan(7)
	assert.Equal(t, 0, fs.OrphanCount())
	assert.Nil(t, fs.RequestCheckpoint(ReasonSync))
	assert.True(t, !fs.Pack().HasOrphans())
	assert.Nil(t, fs.Close())
}

func TestOrphanBadBlock(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	st := testStore()
	fs, err := NewEmpty(testConfig(dev, st))
	assert.Nil(t, err)
	assert.Nil(t, fs.AddOrphan(30))
	assert.Nil(t, fs.RequestCheckpoint(ReasonSync))

	// Trash the orphan block behind the committed pack; recovery
	// must flag fsck but still mount.
	base := fs.Geometry.PackSlotBase(1 - fs.NextSlot())
	assert.Nil(t, dev.WriteBlock(base+1, bytes.Repeat([]byte{0xff}, device.BlockSize)))

	fs2, err := New(testConfig(dev, st))
	assert.Nil(t, err)
	assert.True(t, fs2.Pack().Flags.Has(pack.FlagFsck))

	// The flag is sticky: the next checkpoint carries it into the
	// new pack.
	assert.Nil(t, fs2.RequestCheckpoint(ReasonSync))
	assert.True(t, fs2.Pack().Flags.Has(pack.FlagFsck))
}

func TestOrphanRunMismatch(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	st := testStore()
	fs, err := NewEmpty(testConfig(dev, st))
	assert.Nil(t, err)
	assert.Nil(t, fs.AddOrphan(10))
	assert.Nil(t, fs.RequestCheckpoint(ReasonSync))

	// Replace the orphan block with a well-formed one whose run
	// fields belong to some other pack generation; recovery must
	// reject it rather than evict from it.
	base := fs.Geometry.PackSlotBase(1 - fs.NextSlot())
	stray := &pack.OrphanBlock{BlockAddr: 3, BlockCount: 7, Inos: []uint32{10}}
	assert.Nil(t, dev.WriteBlock(base+1, stray.Encode()))

	config := testConfig(dev, st)
	src := (&simpleInodeSource{}).Init()
	config.Inodes = src
	fs2, err := New(config)
	assert.Nil(t, err)
	assert.Equal(t, 0, len(src.Evicted()))
	assert.True(t, fs2.Pack().Flags.Has(pack.FlagFsck))
}
