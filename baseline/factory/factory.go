/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sat Feb  9 13:10:08 2019 mstenber
 * Last modified: Sun Feb 10 10:21:30 2019 mstenber
 * Edit time:     38 min
 *
 */

package factory

import (
	"github.com/fingon/go-zlmfs/baseline"
	"github.com/fingon/go-zlmfs/baseline/badger"
	"github.com/fingon/go-zlmfs/baseline/bolt"
	"github.com/fingon/go-zlmfs/codec"
	"github.com/fingon/go-zlmfs/mlog"
)

type factoryCallback func() baseline.Store

var storeFactories = map[string]factoryCallback{
	"inmemory": baseline.NewInMemoryStore,
	"file":     baseline.NewFileStore,
	"bolt":     bolt.NewBoltStore,
	"badger":   badger.NewBadgerStore,
}

func List() []string {
	keys := make([]string, 0, len(storeFactories))
	for k := range storeFactories {
		keys = append(keys, k)
	}
	return keys
}

func New(name, dir string) baseline.Store {
	var config baseline.Config
	config.Directory = dir
	return NewWithConfig(name, config)
}

func NewWithConfig(name string, config baseline.Config) baseline.Store {
	mlog.Printf2("baseline/factory/factory", "f.NewWithConfig %v %v", name, config.Directory)
	cb := storeFactories[name]
	if cb == nil {
		mlog.Panicf("unknown baseline store: %s", name)
	}
	st := cb()
	st.Init(config)
	return st
}

type CryptoStoreConfiguration struct {
	baseline.Config
	StoreName      string
	Password, Salt string
	Iterations     int
}

// NewCryptoStore builds a store whose values are lz4-compressed and,
// if a password is given, AES-GCM encrypted at rest.
func NewCryptoStore(config CryptoStoreConfiguration) baseline.Store {
	mlog.Printf2("baseline/factory/factory", "f.NewCryptoStore")
	iterations := config.Iterations
	if iterations == 0 {
		iterations = 12345
	}
	salt := config.Salt
	if salt == "" {
		salt = "asdf"
	}
	c := &codec.CodecChain{}
	if config.Password != "" {
		mlog.Printf2("baseline/factory/factory", " with encryption + compression")
		c1 := codec.EncryptingCodec{}.Init([]byte(config.Password), []byte(salt), iterations)
		c2 := &codec.CompressingCodec{}
		c = c.Init(c1, c2)
	} else {
		mlog.Printf2("baseline/factory/factory", " only compression")
		c2 := &codec.CompressingCodec{}
		c = c.Init(c2)
	}
	sconfig := config.Config
	sconfig.Codec = c
	return NewWithConfig(config.StoreName, sconfig)
}
