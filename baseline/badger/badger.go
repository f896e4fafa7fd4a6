/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sat Feb  9 12:41:19 2019 mstenber
 * Last modified: Sun Feb 10 09:55:44 2019 mstenber
 * Edit time:     49 min
 *
 */

package badger

import (
	"github.com/dgraph-io/badger"

	"github.com/fingon/go-zlmfs/baseline"
	"github.com/fingon/go-zlmfs/mlog"
)

// badgerStore keeps the baseline region in a badger LSM tree, entries
// keyed by stream prefix + id.
type badgerStore struct {
	baseline.CodecBase

	db *badger.DB
}

var _ baseline.Store = &badgerStore{}

func NewBadgerStore() baseline.Store {
	return &badgerStore{}
}

func (self *badgerStore) Init(config baseline.Config) {
	(&self.CodecBase).Init(config)
	opts := badger.DefaultOptions
	opts.Dir = config.Directory
	opts.ValueDir = config.Directory
	db, err := badger.Open(opts)
	if err != nil {
		mlog.Panicf("badger.Open: %v", err)
	}
	self.db = db
}

func (self *badgerStore) Get(stream int, id uint64) ([]byte, error) {
	var v []byte
	err := self.db.View(func(txn *badger.Txn) error {
		i, err := txn.Get(baseline.EntryKey(stream, id))
		if err != nil {
			return err
		}
		v, err = i.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, baseline.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r, err := baseline.DecodeRecord(v)
	if err != nil {
		return nil, err
	}
	return self.Decode(stream, id, r.Data)
}

func (self *badgerStore) Put(stream int, id uint64, data []byte) error {
	enc, err := self.Encode(stream, id, data)
	if err != nil {
		return err
	}
	v := baseline.EncodeRecord(&baseline.Record{Stream: stream, Id: id, Data: enc})
	mlog.Printf2("baseline/badger/badger", "bad.Put %d/%d (%d b)", stream, id, len(data))
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(baseline.EntryKey(stream, id), v)
	})
}

func (self *badgerStore) Delete(stream int, id uint64) error {
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(baseline.EntryKey(stream, id))
	})
}

func (self *badgerStore) Flush() error {
	// Update transactions sync by default; nothing extra to push.
	return nil
}

func (self *badgerStore) Close() {
	self.db.Close()
}
