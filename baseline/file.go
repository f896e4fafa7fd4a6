/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sat Feb  9 11:30:47 2019 mstenber
 * Last modified: Sun Feb 10 09:12:09 2019 mstenber
 * Edit time:     44 min
 *
 */

package baseline

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/fingon/go-zlmfs/mlog"
)

var streamDir = [StreamCount]string{"sit", "nat", "ssa"}

// fileStore keeps one file per entry under a per-stream
// subdirectory. Writes go through a temporary file and rename so a
// crash never leaves a half-written entry visible.
type fileStore struct {
	CodecBase
	dir string
}

func NewFileStore() Store {
	return &fileStore{}
}

func (self *fileStore) Init(config Config) {
	self.CodecBase.Init(config)
	self.dir = config.Directory
	for _, sd := range streamDir {
		if err := os.MkdirAll(filepath.Join(self.dir, sd), 0700); err != nil {
			mlog.Panicf("baseline.fileStore.Init: %v", err)
		}
	}
}

func (self *fileStore) path(stream int, id uint64) string {
	return filepath.Join(self.dir, streamDir[stream], fmt.Sprintf("%016x", id))
}

func (self *fileStore) Get(stream int, id uint64) ([]byte, error) {
	b, err := ioutil.ReadFile(self.path(stream, id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return self.Decode(stream, id, b)
}

func (self *fileStore) Put(stream int, id uint64, data []byte) error {
	b, err := self.Encode(stream, id, data)
	if err != nil {
		return err
	}
	p := self.path(stream, id)
	tmp := p + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err = f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	mlog.Printf2("baseline/file", "fs.Put %d/%d (%d b)", stream, id, len(data))
	return os.Rename(tmp, p)
}

func (self *fileStore) Delete(stream int, id uint64) error {
	err := os.Remove(self.path(stream, id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (self *fileStore) Flush() error {
	// Entries are synced and renamed as they are written.
	return nil
}

func (self *fileStore) Close() {
}
