package bitcode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/konoui/bitcode_strip/pkg/lmacho"
)

const (
	headerSize32 = 28
	headerSize64 = 32
)

// Header is a mach_header or mach_header_64.
type Header struct {
	Magic        types.Magic
	CPU          types.CPU
	SubCPU       types.CPUSubtype
	Type         types.HeaderFileType
	NCommands    uint32
	SizeCommands uint32
	Flags        types.HeaderFlag
	Reserved     uint32
}

type image interface {
	header() Header
	commands() []Command
	hasBitcode() bool
	check() error
	strip(p Policy) (*Result, error)
}

// File is a single architecture Mach-O image held in memory.
// Strip rewrites the file in place, so a File is transformed at most once.
type File struct {
	img     image
	arch    string
	byteOrd binary.ByteOrder
}

// NewFile decodes the header and load commands of a thin Mach-O image.
// The bytes are copied, the caller keeps ownership of b.
func NewFile(b []byte) (*File, error) {
	if len(b) < 4 {
		return nil, &lmacho.FormatError{Err: errors.New("error reading magic number")}
	}

	var bo binary.ByteOrder
	magic := types.Magic(binary.LittleEndian.Uint32(b))
	switch magic {
	case types.Magic32, types.Magic64:
		bo = binary.LittleEndian
	default:
		magic = types.Magic(binary.BigEndian.Uint32(b))
		if magic != types.Magic32 && magic != types.Magic64 {
			return nil, &lmacho.FormatError{Err: fmt.Errorf("invalid magic number 0x%x", binary.BigEndian.Uint32(b))}
		}
		bo = binary.BigEndian
	}

	buf := append([]byte(nil), b...)
	var (
		img image
		err error
	)
	if magic == types.Magic64 {
		img, err = newObject[uint64](buf, bo)
	} else {
		img, err = newObject[uint32](buf, bo)
	}
	if err != nil {
		return nil, err
	}

	hdr := img.header()
	return &File{
		img:     img,
		byteOrd: bo,
		arch:    lmacho.ToCpuString(lmacho.Cpu(hdr.CPU), lmacho.SubCpu(hdr.SubCPU)),
	}, nil
}

func (f *File) Header() Header {
	return f.img.header()
}

func (f *File) Commands() []Command {
	return f.img.commands()
}

func (f *File) ByteOrder() binary.ByteOrder {
	return f.byteOrd
}

// Arch returns the architecture name of the slice e.g. arm64
func (f *File) Arch() string {
	return f.arch
}

// HasBitcode reports whether the slice has a __LLVM segment.
func (f *File) HasBitcode() bool {
	return f.img.hasBitcode()
}

// Check verifies the slice can be transformed.
func (f *File) Check() error {
	if err := f.img.check(); err != nil {
		return f.archErr(err)
	}
	return nil
}

// Strip checks the slice, applies the policy and returns the output plan.
func (f *File) Strip(p Policy) (*Result, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown policy %d", p)
	}
	if err := f.Check(); err != nil {
		return nil, err
	}
	res, err := f.img.strip(p)
	if err != nil {
		return nil, f.archErr(err)
	}
	return res, nil
}

func (f *File) archErr(err error) error {
	fe := &lmacho.FormatError{}
	if errors.As(err, &fe) {
		return err
	}
	return &ArchError{Arch: f.arch, Err: err}
}

type object[W word] struct {
	bo   binary.ByteOrder
	buf  []byte
	hdr  Header
	cmds []Command
	idx  index[W]

	// cmdArea is sizeofcmds of the input, the rebuilt table is zero padded to it
	cmdArea uint32
	// size is the object size, shrunk as content is dropped
	size        uint64
	segAlign    uint64
	indirectPad uint64
}

func headerSize[W word]() int {
	if wordSize[W]() == 4 {
		return headerSize32
	}
	return headerSize64
}

func newObject[W word](buf []byte, bo binary.ByteOrder) (*object[W], error) {
	hs := headerSize[W]()
	if len(buf) < hs {
		return nil, &lmacho.FormatError{Err: errors.New("file is too small to hold a mach header")}
	}

	c := &codec{b: buf, bo: bo}
	hdr := Header{
		Magic:        types.Magic(c.u32()),
		CPU:          types.CPU(c.u32()),
		SubCPU:       types.CPUSubtype(c.u32()),
		Type:         types.HeaderFileType(c.u32()),
		NCommands:    c.u32(),
		SizeCommands: c.u32(),
		Flags:        types.HeaderFlag(c.u32()),
	}
	if wordSize[W]() == 8 {
		hdr.Reserved = c.u32()
	}

	if uint64(hs)+uint64(hdr.SizeCommands) > uint64(len(buf)) {
		return nil, &lmacho.FormatError{Err: fmt.Errorf("load commands extend past the end of the file (sizeofcmds %d)", hdr.SizeCommands)}
	}

	cmds := make([]Command, 0, hdr.NCommands)
	area := buf[hs : hs+int(hdr.SizeCommands)]
	off := 0
	for i := uint32(0); i < hdr.NCommands; i++ {
		if off+8 > len(area) {
			return nil, &lmacho.FormatError{Err: fmt.Errorf("load command %d extends past sizeofcmds", i)}
		}
		size := int(bo.Uint32(area[off+4:]))
		if size < 8 || size%4 != 0 || off+size > len(area) {
			return nil, &lmacho.FormatError{Err: fmt.Errorf("load command %d has invalid cmdsize %d", i, size)}
		}
		cmd, err := decodeCommand[W](area[off:off+size], bo)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
		off += size
	}

	idx, err := scan[W](cmds)
	if err != nil {
		return nil, err
	}

	o := &object[W]{
		bo:       bo,
		buf:      buf,
		hdr:      hdr,
		cmds:     cmds,
		idx:      idx,
		cmdArea:  hdr.SizeCommands,
		size:     uint64(len(buf)),
		segAlign: uint64(SegAlign(hdr.CPU)),
	}
	o.indirectPad = o.indirectSymPad()
	return o, nil
}

func (o *object[W]) header() Header {
	return o.hdr
}

func (o *object[W]) commands() []Command {
	return o.cmds
}

func (o *object[W]) hasBitcode() bool {
	return o.idx.bitcode != nil
}

// indirectSymPad is the zero padding that keeps the 64-bit link edit
// information after an odd sized indirect symbol table 8-byte aligned.
func (o *object[W]) indirectSymPad() uint64 {
	d := o.idx.dysymtab
	if wordSize[W]() != 8 || d == nil || d.NIndirectSyms%2 == 0 {
		return 0
	}
	end := uint64(d.IndirectSymOff) + uint64(d.NIndirectSyms)*4
	if end%8 != 0 {
		return 4
	}
	return 0
}

// encode writes the header and the command table back into the buffer.
// The area of the input table that is no longer used is zero filled.
func (o *object[W]) encode() error {
	hs := headerSize[W]()
	area := o.buf[hs : hs+int(o.cmdArea)]
	clear(area)

	off := 0
	for _, cmd := range o.cmds {
		n := int(cmd.Len())
		if off+n > len(area) {
			return fmt.Errorf("%w: load commands do not fit in %d bytes", ErrLayout, o.cmdArea)
		}
		cmd.Put(area[off:off+n], o.bo)
		off += n
	}

	c := &codec{b: o.buf, bo: o.bo}
	c.putU32(uint32(o.hdr.Magic))
	c.putU32(uint32(o.hdr.CPU))
	c.putU32(uint32(o.hdr.SubCPU))
	c.putU32(uint32(o.hdr.Type))
	c.putU32(o.hdr.NCommands)
	c.putU32(o.hdr.SizeCommands)
	c.putU32(uint32(o.hdr.Flags))
	if wordSize[W]() == 8 {
		c.putU32(o.hdr.Reserved)
	}
	return nil
}
