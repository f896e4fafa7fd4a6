/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb  8 12:15:40 2019 mstenber
 * Last modified: Fri Feb  8 12:49:58 2019 mstenber
 * Edit time:     33 min
 *
 */

package ino

import (
	"testing"

	"github.com/stvp/assert"
)

func TestAddIdempotent(t *testing.T) {
	t.Parallel()
	r := (&Registry{}).Init(10)
	r.Add(42, Append)
	r.Add(42, Append)
	assert.Equal(t, 1, r.Count(Append))
	assert.True(t, r.Exists(42, Append))
	assert.True(t, !r.Exists(42, Update))
	r.Remove(42, Append)
	assert.Equal(t, 0, r.Count(Append))
}

func TestInsertionOrder(t *testing.T) {
	t.Parallel()
	r := (&Registry{}).Init(10)
	for _, ino := range []uint32{30, 10, 20} {
		r.Add(ino, Orphan)
	}
	r.Add(10, Orphan) // no reordering on re-add
	assert.Equal(t, []uint32{30, 10, 20}, r.Inos(Orphan))
	r.Remove(10, Orphan)
	assert.Equal(t, []uint32{30, 20}, r.Inos(Orphan))
}

func TestOrphanCapacity(t *testing.T) {
	t.Parallel()
	k := 3
	r := (&Registry{}).Init(k)
	for i := 0; i < k; i++ {
		assert.Nil(t, r.AcquireOrphanSlot())
		r.AddOrphan(uint32(1000 + i))
	}
	assert.Equal(t, ErrNoSpace, r.AcquireOrphanSlot())
	r.RemoveOrphan(1000)
	assert.Nil(t, r.AcquireOrphanSlot())
}

func TestDeviceDirty(t *testing.T) {
	t.Parallel()
	r := (&Registry{}).Init(10)
	r.MarkDeviceDirty(7, 1)
	assert.True(t, r.Exists(7, Flush))
	assert.True(t, r.IsDeviceDirty(7, 1))
	assert.True(t, !r.IsDeviceDirty(7, 0))
	assert.True(t, !r.IsDeviceDirty(8, 1))
}

func TestReleaseAll(t *testing.T) {
	t.Parallel()
	r := (&Registry{}).Init(10)
	assert.Nil(t, r.AcquireOrphanSlot())
	r.AddOrphan(1)
	r.Add(2, Append)
	r.Add(3, DirtyMeta)
	r.ReleaseAll(Append)
	assert.Equal(t, 1, r.Count(Orphan))
	assert.Equal(t, 0, r.Count(Append))
	assert.Equal(t, 0, r.Count(DirtyMeta))
	r.ReleaseAll(Orphan)
	assert.Equal(t, 0, r.Count(Orphan))
	// Slots came back with the entries.
	assert.Nil(t, r.AcquireOrphanSlot())
}
