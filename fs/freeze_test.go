/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sat Feb 16 10:05:12 2019 mstenber
 * Last modified: Tue Feb 19 10:40:55 2019 mstenber
 * Edit time:     66 min
 *
 */

package fs

import (
	"errors"
	"testing"
	"time"

	"github.com/fingon/go-zlmfs/device"
	"github.com/fingon/go-zlmfs/ino"
	"github.com/fingon/go-zlmfs/pack"
	"github.com/fingon/go-zlmfs/util"
	"github.com/stvp/assert"
)

// settlingQuota needs the given number of sync passes before it
// reports clean.
type settlingQuota struct {
	left    util.AtomicInt
	syncs   util.AtomicInt
	syncErr error
}

func (self *settlingQuota) NeedsFlush() bool {
	return self.left.Get() > 0
}

func (self *settlingQuota) Sync() error {
	self.syncs.Add(1)
	self.left.Add(-1)
	return self.syncErr
}

func TestFreezeQuotaSettles(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	config := testConfig(dev, testStore())
	quota := &settlingQuota{}
	quota.left.Set(3)
	config.Quota = quota
	fs, err := NewEmpty(config)
	assert.Nil(t, err)
	fs.Nodes.(*simpleNodeManager).MarkNatDirty(1, []byte("x"))
	assert.Nil(t, fs.RequestCheckpoint(ReasonSync))
	assert.Equal(t, int64(3), quota.syncs.Get())
	flags := fs.Pack().Flags
	assert.True(t, !flags.Has(pack.FlagQuotaSkipFlush))
	assert.True(t, !flags.Has(pack.FlagQuotaNeedFlush))
}

func TestFreezeQuotaRetryCap(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	config := testConfig(dev, testStore())
	quota := &settlingQuota{}
	quota.left.Set(1 << 30) // never settles
	config.Quota = quota
	config.QuotaFlushRetries = 4
	fs, err := NewEmpty(config)
	assert.Nil(t, err)
	fs.Nodes.(*simpleNodeManager).MarkNatDirty(1, []byte("x"))

	// The checkpoint must not wedge on a quota that never comes
	// clean; it gives up after the retry cap and flags the pack.
	assert.Nil(t, fs.RequestCheckpoint(ReasonSync))
	assert.Equal(t, int64(4), quota.syncs.Get())
	flags := fs.Pack().Flags
	assert.True(t, flags.Has(pack.FlagQuotaSkipFlush))
	assert.True(t, flags.Has(pack.FlagQuotaNeedFlush))
}

func TestFreezeQuotaSyncError(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	config := testConfig(dev, testStore())
	quota := &settlingQuota{syncErr: errors.New("quota backend down")}
	quota.left.Set(1)
	config.Quota = quota
	fs, err := NewEmpty(config)
	assert.Nil(t, err)
	fs.Nodes.(*simpleNodeManager).MarkNatDirty(1, []byte("x"))
	assert.Nil(t, fs.RequestCheckpoint(ReasonSync))
	assert.True(t, fs.Pack().Flags.Has(pack.FlagQuotaNeedFsck))
}

func TestNodeAllocFreeze(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	fs, err := NewEmpty(testConfig(dev, testStore()))
	assert.Nil(t, err)

	// While the freeze holds the allocation lock, AllocIno blocks
	// instead of handing out numbers the counter snapshot misses.
	fs.nodeAllocLock.Lock()
	done := make(chan uint32, 1)
	go func() {
		inum, err := fs.AllocIno()
		if err == nil {
			done <- inum
		}
	}()
	time.Sleep(10 * time.Millisecond)
	select {
	case inum := <-done:
		t.Fatalf("AllocIno %d went through during freeze", inum)
	default:
	}
	fs.nodeAllocLock.Unlock()
	assert.Equal(t, uint32(3), <-done)
	assert.Equal(t, int64(1), fs.ValidNodes.Get())
	assert.Nil(t, fs.Close())
}

func TestFreezeLateDirtyWork(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	config := testConfig(dev, testStore())
	src := (&simpleInodeSource{}).Init()
	config.Inodes = src
	fs, err := NewEmpty(config)
	assert.Nil(t, err)

	// A node flush that dirties a dent must restart the freeze loop;
	// the dent gets flushed before the counter snapshot.
	fired := false
	src.AfterNodeFlush = func() {
		if fired {
			return
		}
		fired = true
		src.MarkDentDirty(42)
	}
	src.MarkNodeDirty(5)
	assert.Nil(t, fs.RequestCheckpoint(ReasonSync))
	assert.True(t, fired)
	assert.Equal(t, 0, src.DirtyCount(ino.TransDir))
	assert.Nil(t, fs.Close())
}
