/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sat Feb  9 10:12:55 2019 mstenber
 * Last modified: Sun Feb 10 11:03:17 2019 mstenber
 * Edit time:     96 min
 *
 */

// Package baseline provides the canonical, randomly-writable metadata
// region the merge engine drains log streams into. Several store
// flavors exist behind one interface; values optionally pass through
// a codec chain (compression, encryption) at rest.
package baseline

import (
	"encoding/binary"
	"errors"

	"github.com/fingon/go-zlmfs/codec"
	ucodec "github.com/ugorji/go/codec"
)

var ErrNotFound = errors.New("baseline entry not found")

// Stream indices within the baseline region. These mirror the
// metadata log streams that feed the region.
const (
	StreamSIT = iota
	StreamNAT
	StreamSSA
	StreamCount
)

type Config struct {
	// Directory for on-disk stores.
	Directory string

	// Codec applied to entry payloads at rest; nil = stored as-is.
	Codec codec.Codec
}

// Store is one baseline region implementation. Get returns
// ErrNotFound for absent entries. Flush makes everything stored so
// far durable; it is the checkpoint barrier hook.
type Store interface {
	Init(config Config)
	Get(stream int, id uint64) ([]byte, error)
	Put(stream int, id uint64, data []byte) error
	Delete(stream int, id uint64) error
	Flush() error
	Close()
}

// EntryKey is the KV-store key: stream prefix byte + big-endian id so
// per-stream range scans stay ordered.
func EntryKey(stream int, id uint64) []byte {
	k := make([]byte, 9)
	k[0] = byte('1' + stream)
	binary.BigEndian.PutUint64(k[1:], id)
	return k
}

// Record is the CBOR envelope stored in KV stores; Data has already
// been through the codec chain.
type Record struct {
	Stream int
	Id     uint64
	Data   []byte
}

var cborHandle ucodec.CborHandle

func EncodeRecord(r *Record) []byte {
	var buf []byte
	enc := ucodec.NewEncoderBytes(&buf, &cborHandle)
	if err := enc.Encode(r); err != nil {
		panic(err)
	}
	return buf
}

func DecodeRecord(buf []byte) (*Record, error) {
	var r Record
	dec := ucodec.NewDecoderBytes(buf, &cborHandle)
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CodecBase is embedded by stores to run payloads through the
// configured codec chain.
type CodecBase struct {
	config Config
}

func (self *CodecBase) Init(config Config) {
	self.config = config
}

func (self *CodecBase) Encode(stream int, id uint64, data []byte) ([]byte, error) {
	if self.config.Codec == nil {
		return data, nil
	}
	return self.config.Codec.EncodeBytes(data, EntryKey(stream, id))
}

func (self *CodecBase) Decode(stream int, id uint64, data []byte) ([]byte, error) {
	if self.config.Codec == nil {
		return data, nil
	}
	return self.config.Codec.DecodeBytes(data, EntryKey(stream, id))
}
