package lmacho

import (
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
)

type FatIter struct {
	r         io.ReaderAt
	FatHeader FatHeader
}

// NewFatIter reads the fat header of r. ErrThin is returned for a thin
// Mach-O file.
func NewFatIter(r io.ReaderAt) (*FatIter, error) {
	var b [8]byte
	if n, _ := r.ReadAt(b[:4], 0); n < 4 {
		return nil, &FormatError{errors.New("error reading magic number")}
	}

	magic := binary.BigEndian.Uint32(b[:4])
	if magic != MagicFat && magic != MagicFat64 {
		if isThinMagic(b[:4]) {
			return nil, ErrThin
		}
		return nil, &FormatError{errors.New("invalid magic number")}
	}

	if n, _ := r.ReadAt(b[4:], 4); n < 4 {
		return nil, &FormatError{errors.New("invalid fat_header")}
	}
	hdr := FatHeader{Magic: magic, NArch: binary.BigEndian.Uint32(b[4:])}
	if hdr.NArch == 0 {
		return nil, &FormatError{errors.New("file contains no images")}
	}

	return &FatIter{r: r, FatHeader: hdr}, nil
}

// Next yields the objects listed by the fat header followed by hidden arm64
// objects stored between the last listed header and the first object.
func (it *FatIter) Next() iter.Seq2[*FatArch, error] {
	return func(yield func(*FatArch, error) bool) {
		size := FatArchHeaderSize(it.FatHeader.Magic)
		first := uint64(0)
		for i := uint64(0); ; i++ {
			off := FatHeaderSize() + size*i
			hidden := i >= uint64(it.FatHeader.NArch)
			if hidden && off+size > first {
				return
			}

			fa, err := it.read(off, hidden)
			if err != nil {
				if hidden {
					err = fmt.Errorf("hidden arm64: %w", err)
				}
				yield(nil, err)
				return
			}
			if hidden && fa.CPU() != TypeArm64 {
				return
			}

			if first == 0 || fa.offset < first {
				first = fa.offset
			}
			if !yield(fa, nil) {
				return
			}
		}
	}
}

func (it *FatIter) read(off uint64, hidden bool) (*FatArch, error) {
	magic := it.FatHeader.Magic
	hr := io.NewSectionReader(it.r, int64(off), int64(FatArchHeaderSize(magic)))
	hdr, err := readFatArchHeader(hr, magic)
	if err != nil {
		return nil, &FormatError{err}
	}

	sr := io.NewSectionReader(it.r, int64(hdr.Offset), int64(hdr.Size))
	return &FatArch{
		image: image{
			cpu:    hdr.Cpu,
			subCpu: hdr.SubCpu,
			align:  hdr.Align,
			typ:    readObjectType(sr),
			sr:     sr,
		},
		Hidden: hidden,
		offset: hdr.Offset,
	}, nil
}

func readFatArchHeader(r io.Reader, magic uint32) (FatArchHeader, error) {
	if magic == MagicFat64 {
		var h fatArch64Header
		if err := binary.Read(r, binary.BigEndian, &h); err != nil {
			return FatArchHeader{}, fatArchHeaderError(magic)
		}
		return h.FatArchHeader, nil
	}

	var h macho.FatArchHeader
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return FatArchHeader{}, fatArchHeaderError(magic)
	}
	return FatArchHeader{
		Cpu:    h.Cpu,
		SubCpu: h.SubCpu,
		Offset: uint64(h.Offset),
		Size:   uint64(h.Size),
		Align:  h.Align,
	}, nil
}
