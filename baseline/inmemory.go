/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sat Feb  9 11:01:13 2019 mstenber
 * Last modified: Sat Feb  9 11:24:40 2019 mstenber
 * Edit time:     20 min
 *
 */

package baseline

import (
	"github.com/fingon/go-zlmfs/mlog"
	"github.com/fingon/go-zlmfs/util"
)

// inMemoryStore keeps everything in per-stream maps. Used in tests
// and as the merge target for throwaway filesystems.
type inMemoryStore struct {
	CodecBase
	lock    util.MutexLocked
	streams [StreamCount]map[uint64][]byte
}

func NewInMemoryStore() Store {
	self := &inMemoryStore{}
	for i := range self.streams {
		self.streams[i] = make(map[uint64][]byte)
	}
	return self
}

func (self *inMemoryStore) Get(stream int, id uint64) ([]byte, error) {
	defer self.lock.Locked()()
	v, ok := self.streams[stream][id]
	if !ok {
		return nil, ErrNotFound
	}
	return self.Decode(stream, id, v)
}

func (self *inMemoryStore) Put(stream int, id uint64, data []byte) error {
	b, err := self.Encode(stream, id, data)
	if err != nil {
		return err
	}
	defer self.lock.Locked()()
	mlog.Printf2("baseline/inmemory", "im.Put %d/%d (%d b)", stream, id, len(data))
	self.streams[stream][id] = b
	return nil
}

func (self *inMemoryStore) Delete(stream int, id uint64) error {
	defer self.lock.Locked()()
	delete(self.streams[stream], id)
	return nil
}

func (self *inMemoryStore) Flush() error {
	return nil
}

func (self *inMemoryStore) Close() {
}
