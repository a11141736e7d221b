package lmacho

import (
	"debug/macho"
	"encoding/binary"
	"errors"
	"io"
	"math/bits"
	"os"
)

const (
	MagicFat   = macho.MagicFat
	MagicFat64 = macho.MagicFat + 1
)

// ErrThin is returned by NewFatIter when the input is a thin Mach-O file.
var ErrThin = errors.New("the input is not a fat file")

// FatHeader is fat_header of mach-o/fat.h, shared by both fat flavors.
type FatHeader struct {
	Magic uint32
	NArch uint32
}

// FatArchHeader holds fat_arch and fat_arch_64 with widened fields.
type FatArchHeader struct {
	Cpu    Cpu
	SubCpu SubCpu
	Offset uint64
	Size   uint64
	Align  uint32
}

type fatArch64Header struct {
	FatArchHeader
	Reserved uint32
}

func FatHeaderSize() uint64 { return 8 }

func FatArchHeaderSize(magic uint32) uint64 {
	if magic == MagicFat64 {
		return 32
	}
	return 20
}

type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	return "invalid file format " + e.Err.Error()
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Object is a single architecture image.
type Object interface {
	CPU() Cpu
	SubCPU() SubCpu
	Size() uint64
	Align() uint32
	Type() macho.Type
	CPUString() string
	io.Reader
	io.ReaderAt
}

var (
	_ Object = &FatArch{}
	_ Object = &Arch{}
)

// image implements Object over a section of the underlying file.
type image struct {
	cpu    Cpu
	subCpu SubCpu
	align  uint32
	typ    macho.Type
	sr     *io.SectionReader
}

func (i *image) CPU() Cpu          { return i.cpu }
func (i *image) SubCPU() SubCpu    { return i.subCpu }
func (i *image) Size() uint64      { return uint64(i.sr.Size()) }
func (i *image) Align() uint32     { return i.align }
func (i *image) Type() macho.Type  { return i.typ }
func (i *image) CPUString() string { return ToCpuString(i.cpu, i.subCpu) }

func (i *image) Read(p []byte) (int, error) { return i.sr.Read(p) }

func (i *image) ReadAt(p []byte, off int64) (int, error) { return i.sr.ReadAt(p, off) }

// FatArch is an image listed in, or hidden behind, a fat header.
type FatArch struct {
	image
	Hidden bool
	offset uint64
}

// NewFatArch wraps an object to be written into a fat file.
// A hidden object is written after the visible ones and not counted by nfat_arch.
func NewFatArch(obj Object, hidden bool) *FatArch {
	return &FatArch{
		image: image{
			cpu:    obj.CPU(),
			subCpu: obj.SubCPU(),
			align:  obj.Align(),
			typ:    obj.Type(),
			sr:     io.NewSectionReader(obj, 0, int64(obj.Size())),
		},
		Hidden: hidden,
	}
}

// Offset is the file offset of the image, zero until it is placed by CreateFat.
func (fa *FatArch) Offset() uint64 { return fa.offset }

func (fa *FatArch) header() FatArchHeader {
	return FatArchHeader{
		Cpu:    fa.cpu,
		SubCpu: fa.subCpu,
		Offset: fa.offset,
		Size:   fa.Size(),
		Align:  fa.align,
	}
}

// Arch is the image of a thin file.
type Arch struct {
	image
}

// NewArch parses a thin Mach-O object. The alignment is guessed from the
// segment addresses, for object files from the page size.
func NewArch(sr *io.SectionReader) (*Arch, error) {
	mf, err := macho.NewFile(sr)
	if err != nil {
		fe := &macho.FormatError{}
		if errors.As(err, &fe) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FormatError{Err: err}
		}
		return nil, err
	}
	if _, err := sr.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	align := SegmentAlignBit(mf)
	if mf.Type == macho.TypeObj {
		lo := AlignBitMin64
		if mf.Magic == macho.Magic32 {
			lo = AlignBitMin32
		}
		align = GuessAlignBit(uint64(os.Getpagesize()), lo, AlignBitMax)
	}

	return &Arch{image{
		cpu:    mf.Cpu,
		subCpu: mf.SubCpu,
		align:  align,
		typ:    mf.Type,
		sr:     sr,
	}}, nil
}

const (
	AlignBitMax   uint32 = 15
	AlignBitMin32 uint32 = 2
	AlignBitMin64 uint32 = 3
)

// SegmentAlignBit returns the largest power of two every segment address is
// aligned to, bounded by [AlignBitMin64, AlignBitMax].
func SegmentAlignBit(f *macho.File) uint32 {
	cur := AlignBitMax
	for _, l := range f.Loads {
		if s, ok := l.(*macho.Segment); ok {
			cur = min(cur, GuessAlignBit(s.Addr, AlignBitMin64, AlignBitMax))
		}
	}
	return cur
}

// GuessAlignBit returns the power of two addr is aligned to, clamped to [lo, hi].
// A zero address counts as hi.
func GuessAlignBit(addr uint64, lo, hi uint32) uint32 {
	if addr == 0 {
		return hi
	}
	return max(lo, min(hi, uint32(bits.TrailingZeros64(addr))))
}

// readObjectType reads the file type of a Mach-O header, zero for anything else.
func readObjectType(r io.ReaderAt) macho.Type {
	var hdr [16]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return 0
	}
	for _, bo := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		switch bo.Uint32(hdr[:]) {
		case macho.Magic32, macho.Magic64:
			return macho.Type(bo.Uint32(hdr[12:]))
		}
	}
	return 0
}

func isThinMagic(b []byte) bool {
	for _, m := range []uint32{binary.BigEndian.Uint32(b), binary.LittleEndian.Uint32(b)} {
		if m == macho.Magic32 || m == macho.Magic64 {
			return true
		}
	}
	return false
}

func fatArchHeaderError(magic uint32) error {
	if magic == MagicFat64 {
		return errors.New("invalid fat arch64 header")
	}
	return errors.New("invalid fat arch header")
}
