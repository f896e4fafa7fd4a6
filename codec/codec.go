/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb  5 10:12:33 2019 mstenber
 * Last modified: Mon Mar 18 14:55:09 2019 mstenber
 * Edit time:     66 min
 *
 */

// codec library is responsible for transforming data + additionalData
// to different kind of data: encrypting/decrypting, or
// compressing/uncompressing on case-by-case basis.
//
// CodecChain makes it possible to combine multiple Codecs that do the
// particular sub-EncodeBytes/DecodeBytes steps.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log"

	sha256 "github.com/minio/sha256-simd"
	"github.com/pierrec/lz4"
	"golang.org/x/crypto/pbkdf2"
)

// Codec is a single transformation of byte slices.
type Codec interface {
	DecodeBytes(data, additionalData []byte) (ret []byte, err error)
	EncodeBytes(data, additionalData []byte) (ret []byte, err error)
}

var ErrTruncatedData = errors.New("truncated codec payload")

// EncryptingCodec is AES GCM based encrypting/decrypting
// (+authenticating) Codec. Payload is nonce length, nonce,
// ciphertext.
type EncryptingCodec struct {
	gcm cipher.AEAD
}

func (self EncryptingCodec) Init(password, salt []byte, iter int) *EncryptingCodec {
	mk := pbkdf2.Key(password, salt, iter, 32, sha256.New)
	block, err := aes.NewCipher(mk)
	if err != nil {
		log.Panic(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Panic(err)
	}
	self.gcm = gcm
	return &self
}

func (self *EncryptingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	if len(data) < 1 {
		return nil, ErrTruncatedData
	}
	nl := int(data[0])
	if len(data) < 1+nl {
		return nil, ErrTruncatedData
	}
	nonce := data[1 : 1+nl]
	return self.gcm.Open(nil, nonce, data[1+nl:], additionalData)
}

func (self *EncryptingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	nonce := make([]byte, self.gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return
	}
	ret = make([]byte, 1, 1+len(nonce)+len(data)+self.gcm.Overhead())
	ret[0] = byte(len(nonce))
	ret = append(ret, nonce...)
	ret = self.gcm.Seal(ret, nonce, data, additionalData)
	return
}

// CompressingCodec is on-the-fly compressing Codec. If the result
// does not improve, the result is marked to be plaintext and passed
// as-is (at cost of 5 bytes).
type CompressingCodec struct{}

const (
	compressionPlain byte = iota
	compressionLZ4
)

func (self *CompressingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	if len(data) < 5 {
		return nil, ErrTruncatedData
	}
	osize := binary.LittleEndian.Uint32(data[1:])
	switch data[0] {
	case compressionPlain:
		ret = data[5:]
	case compressionLZ4:
		ret = make([]byte, osize)
		var n int
		n, err = lz4.UncompressBlock(data[5:], ret)
		if err != nil {
			return
		}
		ret = ret[:n]
	default:
		err = ErrTruncatedData
	}
	return
}

func (self *CompressingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	rd := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, rd, make([]int, 1<<16))
	if err != nil {
		return
	}
	ct := compressionLZ4
	if n == 0 || n >= len(data) {
		ct = compressionPlain
		rd = data
	} else {
		rd = rd[:n]
	}
	ret = make([]byte, 5, 5+len(rd))
	ret[0] = ct
	binary.LittleEndian.PutUint32(ret[1:], uint32(len(data)))
	ret = append(ret, rd...)
	return
}

type CodecChain struct {
	codecs, reverseCodecs []Codec
}

// Init method initializes the codec chain.
//
// codecs are given in decryption order, so e.g. encrypting one should
// be given before compressing one.
func (self CodecChain) Init(codecs ...Codec) *CodecChain {
	self.codecs = codecs
	rc := make([]Codec, len(codecs))
	for i, c := range codecs {
		rc[len(codecs)-i-1] = c
	}
	self.reverseCodecs = rc
	return &self
}

func (self *CodecChain) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.codecs {
		ret, err = c.DecodeBytes(data, additionalData)
		if err != nil {
			return
		}
		data = ret
	}
	return
}

func (self *CodecChain) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.reverseCodecs {
		ret, err = c.EncodeBytes(data, additionalData)
		if err != nil {
			return
		}
		data = ret
	}
	return
}
