/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sat Feb  9 12:02:33 2019 mstenber
 * Last modified: Sun Feb 10 09:40:21 2019 mstenber
 * Edit time:     57 min
 *
 */

package bolt

import (
	"fmt"

	bbolt "github.com/coreos/bbolt"

	"github.com/fingon/go-zlmfs/baseline"
	"github.com/fingon/go-zlmfs/mlog"
)

var streamBucket = [baseline.StreamCount][]byte{
	[]byte("sit"), []byte("nat"), []byte("ssa"),
}

// boltStore keeps the baseline region in a bbolt file, one bucket per
// metadata stream. bbolt's transactional writes make Flush cheap: the
// update transaction is already durable when it returns.
type boltStore struct {
	baseline.CodecBase

	db *bbolt.DB
}

var _ baseline.Store = &boltStore{}

func NewBoltStore() baseline.Store {
	return &boltStore{}
}

func (self *boltStore) Init(config baseline.Config) {
	(&self.CodecBase).Init(config)
	db, err := bbolt.Open(fmt.Sprintf("%s/baseline.db", config.Directory), 0600, nil)
	if err != nil {
		mlog.Panicf("bbolt.Open: %v", err)
	}
	self.db = db
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range streamBucket {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		mlog.Panicf("bbolt bucket setup: %v", err)
	}
}

func (self *boltStore) Get(stream int, id uint64) (b []byte, err error) {
	var v []byte
	err = self.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(streamBucket[stream]).Get(baseline.EntryKey(stream, id))
		if raw != nil {
			v = append([]byte{}, raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, baseline.ErrNotFound
	}
	r, err := baseline.DecodeRecord(v)
	if err != nil {
		return nil, err
	}
	return self.Decode(stream, id, r.Data)
}

func (self *boltStore) Put(stream int, id uint64, data []byte) error {
	enc, err := self.Encode(stream, id, data)
	if err != nil {
		return err
	}
	v := baseline.EncodeRecord(&baseline.Record{Stream: stream, Id: id, Data: enc})
	mlog.Printf2("baseline/bolt/bolt", "bs.Put %d/%d (%d b)", stream, id, len(data))
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamBucket[stream]).Put(baseline.EntryKey(stream, id), v)
	})
}

func (self *boltStore) Delete(stream int, id uint64) error {
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamBucket[stream]).Delete(baseline.EntryKey(stream, id))
	})
}

func (self *boltStore) Flush() error {
	return self.db.Sync()
}

func (self *boltStore) Close() {
	self.db.Close()
}
