/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb  5 11:02:41 2019 mstenber
 * Last modified: Tue Feb  5 11:48:12 2019 mstenber
 * Edit time:     31 min
 *
 */

package codec

import (
	"testing"

	"github.com/stvp/assert"
)

const compressible = "123456789123456789123456789123456789123456789123456789123456789123456789123456789123456789123456789"

func ProdCodecOnce(text string, c Codec, t *testing.T) {
	p := []byte(text)
	enc, err := c.EncodeBytes(p, nil)
	assert.Nil(t, err)
	dec, err := c.DecodeBytes(enc, nil)
	assert.Nil(t, err)
	assert.Equal(t, p, dec)
}

func ProdCodec(c Codec, t *testing.T) {
	ProdCodecOnce("foo", c, t)
	ProdCodecOnce(compressible, c, t)
}

func TestEncryptingCodec(t *testing.T) {
	p := []byte("data")
	ad := []byte("ad")

	c := EncryptingCodec{}.Init([]byte("foo"), []byte("salt"), 64)
	ProdCodec(c, t)

	enc, err := c.EncodeBytes(p, nil)
	assert.Nil(t, err)

	// Additional data is authenticated
	_, err2 := c.DecodeBytes(enc, ad)
	assert.True(t, err2 != nil)

	// Same payload must not encrypt the same way
	enc2, err := c.EncodeBytes(p, nil)
	assert.Nil(t, err)
	assert.NotEqual(t, enc, enc2)

	dec, err := c.DecodeBytes(enc2, nil)
	assert.Nil(t, err)
	assert.Equal(t, p, dec)

	enc3, err := c.EncodeBytes(p, ad)
	assert.Nil(t, err)
	dec, err = c.DecodeBytes(enc3, ad)
	assert.Nil(t, err)
	assert.Equal(t, p, dec)
}

func TestCompressingCodec(t *testing.T) {
	c := &CompressingCodec{}
	ProdCodec(c, t)

	enc, err := c.EncodeBytes([]byte(compressible), nil)
	assert.Nil(t, err)
	assert.True(t, len(enc) < len(compressible))

	// Incompressible input passes through plain, header only
	short := []byte("x")
	enc, err = c.EncodeBytes(short, nil)
	assert.Nil(t, err)
	assert.Equal(t, len(short)+5, len(enc))
}

func TestNopCodecChain(t *testing.T) {
	c := &CodecChain{}
	ProdCodec(c, t)
}

func TestCodecChain(t *testing.T) {
	c1 := EncryptingCodec{}.Init([]byte("foo"), []byte("salt"), 64)
	c2 := &CompressingCodec{}
	c := CodecChain{}.Init(c1, c2)
	ProdCodec(c, t)

	enc, err := c.EncodeBytes([]byte(compressible), nil)
	assert.Nil(t, err)
	assert.True(t, len(enc) < len(compressible))
}

func TestTruncatedInput(t *testing.T) {
	c := &CompressingCodec{}
	_, err := c.DecodeBytes([]byte{1, 2}, nil)
	assert.Equal(t, ErrTruncatedData, err)
}
