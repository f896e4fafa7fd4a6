/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 15 11:40:02 2019 mstenber
 * Last modified: Mon Feb 18 10:01:44 2019 mstenber
 * Edit time:     51 min
 *
 */

package fs

import (
	"sync"
	"testing"

	"github.com/fingon/go-zlmfs/device"
	"github.com/stvp/assert"
)

func TestCoalescing(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	fs, err := NewEmpty(testConfig(dev, testStore()))
	assert.Nil(t, err)

	nm := fs.Nodes.(*simpleNodeManager)
	for i := 0; i < 10; i++ {
		nm.MarkNatDirty(uint64(i), []byte{byte(i)})
	}

	// A burst of concurrent syncs must come out as a single physical
	// checkpoint; later batches see nothing dirty and skip.
	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = fs.RequestCheckpoint(ReasonSync)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		assert.Nil(t, errs[i])
	}
	assert.Equal(t, int64(1), fs.Checkpoints.Get())
	assert.Equal(t, int64(n), fs.dispatcher.Requests.Get())
	assert.True(t, fs.dispatcher.Batches.Get() >= 1)
	assert.True(t, fs.dispatcher.PeakLatency.Get() >= fs.dispatcher.CurLatency.Get())
	assert.Nil(t, fs.Close())
}

func TestRequestAfterClose(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	fs, err := NewEmpty(testConfig(dev, testStore()))
	assert.Nil(t, err)

	fs.Nodes.(*simpleNodeManager).MarkNatDirty(1, []byte("x"))
	fs.dispatcher.Close()

	// A sync racing the shutdown must not wedge on the drained
	// queue; it runs inline instead.
	assert.Nil(t, fs.RequestCheckpoint(ReasonSync))
	assert.Equal(t, uint64(2), fs.Pack().Version)
	assert.Equal(t, int64(0), fs.dispatcher.Batches.Get())
}

func TestSynchronousBypass(t *testing.T) {
	t.Parallel()
	dev := device.NewInMemoryDevice(128)
	config := testConfig(dev, testStore())
	config.DisableCoalescing = true
	fs, err := NewEmpty(config)
	assert.Nil(t, err)
	fs.Nodes.(*simpleNodeManager).MarkNatDirty(1, []byte("x"))
	assert.Nil(t, fs.RequestCheckpoint(ReasonSync))
	// No batch ran; the request went straight through.
	assert.Equal(t, int64(0), fs.dispatcher.Batches.Get())
	assert.Equal(t, uint64(2), fs.Pack().Version)
	assert.Nil(t, fs.Close())
}
