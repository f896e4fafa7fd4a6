/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 18 11:30:19 2019 mstenber
 * Last modified: Tue Feb 19 10:12:33 2019 mstenber
 * Edit time:     188 min
 *
 */

package fs

import (
	"errors"
	"testing"

	"github.com/fingon/go-zlmfs/baseline"
	"github.com/fingon/go-zlmfs/device"
	"github.com/fingon/go-zlmfs/ino"
	"github.com/fingon/go-zlmfs/metalog"
	"github.com/fingon/go-zlmfs/pack"
	"github.com/stvp/assert"
)

func testConfig(dev device.Device, st baseline.Store) Config {
	return Config{
		Device:            dev,
		Geometry:          device.DefaultGeometry(8, 128),
		Store:             st,
		CacheSize:         64,
		MergeIntervalMsec: 1}
}

func testStore() baseline.Store {
	st := baseline.NewInMemoryStore()
	st.Init(baseline.Config{})
	return st
}

func TestMountEmpty(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	fs, err := NewEmpty(testConfig(dev, testStore()))
	assert.Nil(t, err)
	assert.Equal(t, uint64(1), fs.Pack().Version)
	assert.Equal(t, 1, fs.NextSlot())
	assert.Nil(t, fs.Close())
}

func TestMountNoPack(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	_, err := New(testConfig(dev, testStore()))
	assert.True(t, err != nil)
}

func TestCheckpointCommit(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	st := testStore()
	fs, err := NewEmpty(testConfig(dev, st))
	assert.Nil(t, err)

	fs.ValidBlocks.Set(1234)
	fs.ValidNodes.Set(56)
	fs.ValidInodes.Set(7)
	fs.Segments.(*simpleSegmentManager).SetCursor(pack.CurSegHotData,
		pack.StreamCursor{Segno: 11, BlkOff: 3, AllocType: 1})
	fs.Nodes.(*simpleNodeManager).MarkNatDirty(100, []byte("nat-100"))
	fs.Segments.(*simpleSegmentManager).MarkSitDirty(200, []byte("sit-200"))

	assert.Nil(t, fs.RequestCheckpoint(ReasonSync))
	assert.Equal(t, uint64(2), fs.Pack().Version)
	assert.Equal(t, 0, fs.NextSlot())
	assert.Equal(t, int64(1), fs.Checkpoints.Get())

	// The flushed entries resolve through the metadata log.
	v, err := fs.Metalog.Lookup(metalog.NAT, 100)
	assert.Nil(t, err)
	assert.Equal(t, "nat-100", string(v))

	// A crash here, before any in-memory cleanup, still recovers
	// to the committed version: remount the same device.
	fs2, err := New(testConfig(dev, st))
	assert.Nil(t, err)
	p := fs2.Pack()
	assert.Equal(t, uint64(2), p.Version)
	assert.Equal(t, uint64(1234), p.ValidBlockCount)
	assert.Equal(t, uint32(56), p.ValidNodeCount)
	assert.Equal(t, uint32(7), p.ValidInodeCount)
	assert.Equal(t, uint32(11), p.Cursors[pack.CurSegHotData].Segno)

	// Entries committed to the log zones survive the remount too;
	// mount replays them into the in-memory indices.
	v, err = fs2.Metalog.Lookup(metalog.NAT, 100)
	assert.Nil(t, err)
	assert.Equal(t, "nat-100", string(v))
	v, err = fs2.Metalog.Lookup(metalog.SIT, 200)
	assert.Nil(t, err)
	assert.Equal(t, "sit-200", string(v))
}

func TestCheckpointSkipsWhenClean(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	fs, err := NewEmpty(testConfig(dev, testStore()))
	assert.Nil(t, err)
	assert.Nil(t, fs.RequestCheckpoint(ReasonSync))
	assert.Equal(t, uint64(1), fs.Pack().Version)
	assert.Equal(t, int64(0), fs.Checkpoints.Get())

	// Umount is not a soft trigger; it always writes.
	assert.Nil(t, fs.RequestCheckpoint(ReasonUmount))
	assert.Equal(t, uint64(2), fs.Pack().Version)
	assert.True(t, fs.Pack().Flags.Has(pack.FlagUmount))
}

func TestCheckpointFailureLatches(t *testing.T) {
	t.Parallel()
	raw := device.NewInMemoryDevice(128)
	st := testStore()
	fs, err := NewEmpty(testConfig(raw, st))
	assert.Nil(t, err)
	assert.Nil(t, fs.Close())
	// Clean close wrote an umount pack: version 2.

	faulty := device.NewFaultyDevice(raw, 2)
	config := testConfig(faulty, st)
	config.DisableCoalescing = true
	fs, err = New(config)
	assert.Nil(t, err)
	fs.Nodes.(*simpleNodeManager).MarkNatDirty(1, []byte("x"))
	fs.Nodes.(*simpleNodeManager).MarkNatDirty(2, []byte("y"))
	fs.Nodes.(*simpleNodeManager).MarkNatDirty(3, []byte("z"))

	assert.Equal(t, ErrIO, fs.RequestCheckpoint(ReasonSync))
	assert.True(t, fs.CheckpointError())

	// Every further mutating entry point fails fast.
	assert.Equal(t, ErrIO, fs.RequestCheckpoint(ReasonSync))
	assert.Equal(t, ErrIO, fs.AddOrphan(9))

	// The incomplete pack is invisible: remount recovers the last
	// committed version.
	fs2, err := New(testConfig(raw, st))
	assert.Nil(t, err)
	assert.Equal(t, uint64(2), fs2.Pack().Version)
}

func TestReadOnly(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	st := testStore()
	fs, err := NewEmpty(testConfig(dev, st))
	assert.Nil(t, err)
	assert.Nil(t, fs.Close())

	config := testConfig(dev, st)
	config.ReadOnly = true
	fs, err = New(config)
	assert.Nil(t, err)
	assert.Equal(t, ErrReadOnly, fs.WriteCheckpoint(ReasonSync))
	assert.Nil(t, fs.Close())
}

func TestLogRotationAcrossCheckpoints(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	st := testStore()
	fs, err := NewEmpty(testConfig(dev, st))
	assert.Nil(t, err)

	// Zone half is 8 blocks; dirty enough NAT entries to force the
	// log through toggle + merge + half switch repeatedly.
	nm := fs.Nodes.(*simpleNodeManager)
	for round := 0; round < 4; round++ {
		for i := 0; i < 6; i++ {
			id := uint64(round*6 + i)
			nm.MarkNatDirty(id, []byte{byte(id)})
		}
		assert.Nil(t, fs.RequestCheckpoint(ReasonSync))
	}
	// Every entry is still reachable, wherever it ended up.
	for id := uint64(0); id < 24; id++ {
		v, err := fs.Metalog.Lookup(metalog.NAT, id)
		assert.Nil(t, err, "missing", id)
		assert.Equal(t, []byte{byte(id)}, v)
	}
	assert.Nil(t, fs.Close())

	// And again after a remount, from log replay + baseline.
	fs2, err := New(testConfig(dev, st))
	assert.Nil(t, err)
	for id := uint64(0); id < 24; id++ {
		v, err := fs2.Metalog.Lookup(metalog.NAT, id)
		assert.Nil(t, err, "missing after remount", id)
		assert.Equal(t, []byte{byte(id)}, v)
	}
	assert.Nil(t, fs2.Close())
}

func TestUmountPackAtOrphanCapacity(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	fs, err := NewEmpty(testConfig(dev, testStore()))
	assert.Nil(t, err)

	// Pack payload is empty, so the orphan capacity is five blocks'
	// worth; fill it completely.
	assert.Equal(t, 5*pack.OrphansPerBlock, fs.Registry.MaxOrphans)
	for i := 0; i < fs.Registry.MaxOrphans; i++ {
		assert.Nil(t, fs.AddOrphan(uint32(10+i)))
	}
	assert.Equal(t, ino.ErrNoSpace, fs.AddOrphan(9))

	// An umount pack also wants node summaries and the NAT bitmap;
	// with the zone full of orphans they fold into the ssa log.
	nm := fs.Nodes.(*simpleNodeManager)
	nm.SetNatBitmap([]byte{0xaa, 0x55})
	nm.AddNodeSummary(metalog.Entry{Id: 500, Data: []byte("node-500")})
	nm.AddNodeSummary(metalog.Entry{Id: 501, Data: []byte("node-501")})
	sm := fs.Segments.(*simpleSegmentManager)
	sm.AddSummary(metalog.Entry{Id: 600, Data: []byte("seg-600")})

	assert.Nil(t, fs.RequestCheckpoint(ReasonUmount))
	p := fs.Pack()
	assert.True(t, uint64(p.TotalBlockCount) <= fs.Geometry.ZoneBlocks)
	assert.Equal(t, uint32(5), p.OrphanBlockCount)
	assert.True(t, p.Flags.Has(pack.FlagUmount))
	assert.True(t, p.Flags.Has(pack.FlagOrphanPresent))
	assert.True(t, p.Flags.Has(pack.FlagNatBits))

	for _, id := range []uint64{500, 501, 600} {
		_, err := fs.Metalog.Lookup(metalog.SSA, id)
		assert.Nil(t, err, "missing folded", id)
	}
}

// failingStore refuses baseline puts so merges can never drain.
type failingStore struct {
	baseline.Store
}

func (self *failingStore) Put(stream int, id uint64, data []byte) error {
	return errors.New("store put refused")
}

func TestMergeStuckEscalates(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	st := &failingStore{Store: testStore()}
	fs, err := NewEmpty(testConfig(dev, st))
	assert.Nil(t, err)

	// First overflow retires into the fresh half; the requested
	// merge just cannot drain.
	nm := fs.Nodes.(*simpleNodeManager)
	for i := 0; i < 9; i++ {
		nm.MarkNatDirty(uint64(i), []byte{byte(i)})
	}
	assert.Nil(t, fs.RequestCheckpoint(ReasonSync))

	// Second overflow has nowhere to go: the retry budget runs out
	// and the checkpoint latches the fatal state.
	for i := 9; i < 18; i++ {
		nm.MarkNatDirty(uint64(i), []byte{byte(i)})
	}
	assert.Equal(t, ErrIO, fs.RequestCheckpoint(ReasonSync))
	assert.True(t, fs.CheckpointError())

	// The undrained entries are still in the indices.
	for id := uint64(0); id < 9; id++ {
		v, err := fs.Metalog.Lookup(metalog.NAT, id)
		assert.Nil(t, err, "missing", id)
		assert.Equal(t, []byte{byte(id)}, v)
	}
}
