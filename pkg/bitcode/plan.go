package bitcode

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/konoui/bitcode_strip/pkg/lmacho"
)

// Result is the outcome of transforming one slice.
type Result struct {
	// HasBitcode is true when the slice had a __LLVM segment
	HasBitcode bool
	Plan       *Plan
}

// Plan describes the bytes of a transformed slice.
// Head is copied first, Content follows it and each entry is copied to its
// offset. Bytes not covered by any of them are zero.
type Plan struct {
	Head    []byte
	Content []byte
	Entries []Entry
	Size    uint64
}

// Entry is a link edit stream copied to Offset of the output.
type Entry struct {
	Name   string
	Offset uint64
	Data   []byte
}

func (e Entry) End() uint64 {
	return e.Offset + uint64(len(e.Data))
}

// LinkEditOffset is where the link edit streams start.
func (p *Plan) LinkEditOffset() uint64 {
	return uint64(len(p.Head)) + uint64(len(p.Content))
}

// WriteTo writes the slice described by the plan to w.
func (p *Plan) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: w}
	if _, err := cw.Write(p.Head); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(p.Content); err != nil {
		return cw.n, err
	}

	for _, e := range p.Entries {
		if e.Offset < uint64(cw.n) {
			return cw.n, fmt.Errorf("%w: %s at offset %d overlaps the previous data ending at %d", ErrLayout, e.Name, e.Offset, cw.n)
		}
		if err := cw.zero(e.Offset - uint64(cw.n)); err != nil {
			return cw.n, err
		}
		if _, err := cw.Write(e.Data); err != nil {
			return cw.n, err
		}
	}

	if p.Size < uint64(cw.n) {
		return cw.n, fmt.Errorf("%w: %d bytes written exceeds the object size %d", ErrLayout, cw.n, p.Size)
	}
	if err := cw.zero(p.Size - uint64(cw.n)); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// Bytes returns the slice described by the plan.
func (p *Plan) Bytes() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, p.Size))
	if _, err := p.WriteTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

var zeros [4096]byte

func (c *countWriter) zero(n uint64) error {
	for n > 0 {
		chunk := min(n, uint64(len(zeros)))
		if _, err := c.Write(zeros[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// planner assigns new offsets to link edit streams in the order they are
// placed.
type planner struct {
	src     []byte
	start   uint64
	cursor  uint64
	entries []Entry
}

func newPlanner(src []byte, start uint64) *planner {
	return &planner{src: src, start: start, cursor: start}
}

// place moves size bytes at off of the input to the cursor and returns the
// new offset.
func (p *planner) place(name string, off, size uint64) (uint32, error) {
	if off+size > uint64(len(p.src)) || off+size < off {
		return 0, &lmacho.FormatError{Err: fmt.Errorf("%s (offset %d, size %d) extends past the end of the file", name, off, size)}
	}
	return p.placeBytes(name, p.src[off:off+size])
}

func (p *planner) placeBytes(name string, data []byte) (uint32, error) {
	dst := p.cursor
	if err := p.advance(name, uint64(len(data))); err != nil {
		return 0, err
	}
	if len(data) > 0 {
		p.entries = append(p.entries, Entry{Name: name, Offset: dst, Data: data})
	}
	return uint32(dst), nil
}

// advance moves the cursor by n bytes of padding or data.
func (p *planner) advance(name string, n uint64) error {
	next := p.cursor + n
	if next < p.cursor || next > math.MaxUint32 {
		return fmt.Errorf("%w: %s exceeds the 32-bit file offset limit", ErrLayout, name)
	}
	p.cursor = next
	return nil
}

func (p *planner) align(name string, n uint64) error {
	return p.advance(name, roundUp(p.cursor, n)-p.cursor)
}

func (p *planner) size() uint64 {
	return p.cursor - p.start
}

func roundUp(v, n uint64) uint64 {
	return (v + n - 1) / n * n
}
