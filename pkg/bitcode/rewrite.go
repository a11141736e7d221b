package bitcode

import (
	"fmt"
	"math"

	"github.com/konoui/bitcode_strip/pkg/lmacho"
)

func (o *object[W]) strip(p Policy) (*Result, error) {
	if p == Isolate {
		return o.isolate()
	}
	return o.remove(p == Mark)
}

// remove drops the bitcode segment content and moves the link edit
// information down to where it started. With mark set the segment is kept
// with a zero filled marker of at most the segment alignment.
// A slice without bitcode keeps its code signature and load commands.
func (o *object[W]) remove(mark bool) (*Result, error) {
	bc, le := o.idx.bitcode, o.idx.linkedit
	hasBitcode := bc != nil
	inSymInfo := uint64(le.FileSize)

	if hasBitcode {
		o.size -= uint64(bc.FileSize)
		le.FileOff -= bc.FileSize
	}
	start := uint64(le.FileOff)

	var content []byte
	if hasBitcode && mark {
		marker := min(uint64(bc.FileSize), o.segAlign)
		if start+marker > math.MaxUint32 {
			return nil, fmt.Errorf("%w: bitcode marker at offset %d", ErrLayout, start)
		}
		content = make([]byte, marker)
		bc.FileOff = W(start)
		bc.FileSize = W(marker)
		for i, s := range bc.Sections {
			s.Offset, s.Size = 0, 0
			if i == 0 {
				s.Offset = uint32(start)
				if marker > 0 {
					s.Size = 1
				}
			}
		}
		le.FileOff += W(marker)
		start += marker
	}

	if start > math.MaxUint32 {
		return nil, fmt.Errorf("%w: link edit offset %d", ErrLayout, start)
	}
	pl := newPlanner(o.buf, start)
	if err := o.layoutLinkEdit(pl, hasBitcode); err != nil {
		return nil, err
	}

	if hasBitcode {
		le.FileSize = W(pl.size())
		if err := o.stripCommands(mark); err != nil {
			return nil, err
		}
	}
	return o.result(hasBitcode, inSymInfo, content, pl)
}

// isolate keeps the bitcode segment content and an empty link edit segment.
// Every other segment is emptied.
func (o *object[W]) isolate() (*Result, error) {
	bc, le := o.idx.bitcode, o.idx.linkedit

	start := o.isolateStart()
	if uint64(le.FileOff) < start {
		return nil, &lmacho.FormatError{Err: fmt.Errorf("%s offset %d is before the first section at %d", SegLinkEdit, le.FileOff, start)}
	}
	o.size -= uint64(le.FileOff) - start

	var content []byte
	if bc != nil {
		off, size := uint64(bc.FileOff), uint64(bc.FileSize)
		content = o.buf[off : off+size]
		for _, s := range bc.Sections {
			if s.Offset == 0 {
				continue
			}
			if uint64(s.Offset) < off {
				return nil, &lmacho.FormatError{Err: fmt.Errorf("section %s offset %d is before its segment at %d", s.Name, s.Offset, off)}
			}
			n := start + uint64(s.Offset) - off
			if n > math.MaxUint32 {
				return nil, fmt.Errorf("%w: section %s offset %d", ErrLayout, s.Name, n)
			}
			s.Offset = uint32(n)
		}
		bc.FileOff = W(start)
		start += size
	}

	inSymInfo := uint64(le.FileSize)
	if start > math.MaxUint32 {
		return nil, fmt.Errorf("%w: link edit offset %d", ErrLayout, start)
	}
	le.FileOff = W(start)
	o.clearLinkEdit()

	pl := newPlanner(o.buf, start)
	if st := o.idx.symtab; st != nil {
		off, err := pl.placeBytes("string table", make([]byte, fakeStringTableLength))
		if err != nil {
			return nil, err
		}
		st.StrOff, st.StrSize = off, fakeStringTableLength
	}
	le.FileSize = W(pl.size())

	if err := o.isolateCommands(); err != nil {
		return nil, err
	}
	return o.result(bc != nil, inSymInfo, content, pl)
}

// isolateStart is where the first section of the image starts, the end of
// the load commands when there is none.
func (o *object[W]) isolateStart() uint64 {
	for _, cmd := range o.cmds {
		seg, ok := cmd.(*Segment[W])
		if !ok || seg.FileSize == 0 || seg.FileOff != 0 || len(seg.Sections) == 0 {
			continue
		}
		if off := seg.Sections[0].Offset; off != 0 {
			return uint64(off)
		}
	}
	return uint64(headerSize[W]()) + uint64(o.hdr.SizeCommands)
}

func (o *object[W]) result(hasBitcode bool, inSymInfo uint64, content []byte, pl *planner) (*Result, error) {
	if o.size < inSymInfo {
		return nil, fmt.Errorf("%w: link edit size %d exceeds the object size %d", ErrLayout, inSymInfo, o.size)
	}
	head := o.size - inSymInfo
	if head+uint64(len(content)) != pl.start {
		return nil, fmt.Errorf("%w: link edit information starts at %d, expected %d", ErrLayout, pl.start, head+uint64(len(content)))
	}
	if err := o.encode(); err != nil {
		return nil, err
	}
	return &Result{
		HasBitcode: hasBitcode,
		Plan: &Plan{
			Head:    o.buf[:head],
			Content: content,
			Entries: pl.entries,
			Size:    head + uint64(len(content)) + pl.size(),
		},
	}, nil
}
