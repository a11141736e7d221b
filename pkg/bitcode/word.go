package bitcode

import (
	"bytes"
	"encoding/binary"
)

// word is the width of the address and file offset fields of segments and
// sections, uint32 for 32-bit images and uint64 for 64-bit images.
type word interface {
	uint32 | uint64
}

func wordSize[W word]() int {
	var w W
	if _, ok := any(w).(uint32); ok {
		return 4
	}
	return 8
}

// codec reads and overwrites fixed layout fields of a command buffer.
type codec struct {
	b   []byte
	off int
	bo  binary.ByteOrder
}

func (c *codec) skip(n int) {
	c.off += n
}

func (c *codec) u32() uint32 {
	v := c.bo.Uint32(c.b[c.off:])
	c.off += 4
	return v
}

func (c *codec) u64() uint64 {
	v := c.bo.Uint64(c.b[c.off:])
	c.off += 8
	return v
}

func (c *codec) name() string {
	v := c.b[c.off : c.off+16]
	c.off += 16
	if i := bytes.IndexByte(v, 0); i >= 0 {
		v = v[:i]
	}
	return string(v)
}

func (c *codec) putU32(v uint32) {
	c.bo.PutUint32(c.b[c.off:], v)
	c.off += 4
}

func (c *codec) putU64(v uint64) {
	c.bo.PutUint64(c.b[c.off:], v)
	c.off += 8
}

func getWord[W word](c *codec) W {
	if wordSize[W]() == 4 {
		return W(c.u32())
	}
	return W(c.u64())
}

func putWord[W word](c *codec, v W) {
	if wordSize[W]() == 4 {
		c.putU32(uint32(v))
		return
	}
	c.putU64(uint64(v))
}
