package bitcode

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/konoui/bitcode_strip/pkg/lmacho"
)

const (
	SegBitcode  = "__LLVM"
	SegLinkEdit = "__LINKEDIT"
)

// see /Library/Developer/CommandLineTools/SDKs/MacOSX.sdk/usr/include/mach-o/loader.h
const (
	sectionType uint32 = 0x000000ff
	sRegular    uint32 = 0x0
)

const (
	symtabSize        = 24
	dysymtabSize      = 80
	dyldInfoSize      = 48
	linkEditDataSize  = 16
	twoLevelHintsSize = 16
	entryPointSize    = 24
)

// Command is a decoded load command. The fields of a concrete command can
// be modified in place, Put encodes them back over the original bytes so
// unknown trailing bytes are kept.
type Command interface {
	Cmd() types.LoadCmd
	Len() uint32
	Put(b []byte, bo binary.ByteOrder)
}

type loadBytes struct {
	cmd types.LoadCmd
	raw []byte
}

func (l *loadBytes) Cmd() types.LoadCmd {
	return l.cmd
}

func (l *loadBytes) Len() uint32 {
	return uint32(len(l.raw))
}

// field returns a codec positioned after cmd and cmdsize of b.
func (l *loadBytes) field(b []byte, bo binary.ByteOrder) *codec {
	copy(b, l.raw)
	return &codec{b: b, off: 8, bo: bo}
}

// Raw is a load command the engine does not interpret.
type Raw struct {
	loadBytes
}

func (r *Raw) Put(b []byte, _ binary.ByteOrder) {
	copy(b, r.raw)
}

// Segment is LC_SEGMENT or LC_SEGMENT_64 depending on W.
type Segment[W word] struct {
	loadBytes
	Name     string
	VMAddr   W
	VMSize   W
	FileOff  W
	FileSize W
	MaxProt  uint32
	InitProt uint32
	Flags    uint32
	Sections []*Section[W]
}

type Section[W word] struct {
	Name      string
	Seg       string
	Addr      W
	Size      W
	Offset    uint32
	Align     uint32
	RelOff    uint32
	NReloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

func segmentSize[W word]() int {
	return 40 + 4*wordSize[W]()
}

func sectionSize[W word]() int {
	if wordSize[W]() == 4 {
		return 68
	}
	return 80
}

func segmentCmd[W word]() types.LoadCmd {
	if wordSize[W]() == 4 {
		return types.LC_SEGMENT
	}
	return types.LC_SEGMENT_64
}

func (s *Segment[W]) Put(b []byte, bo binary.ByteOrder) {
	c := s.field(b, bo)
	c.skip(16)
	putWord(c, s.VMAddr)
	putWord(c, s.VMSize)
	putWord(c, s.FileOff)
	putWord(c, s.FileSize)
	c.putU32(s.MaxProt)
	c.putU32(s.InitProt)
	c.putU32(uint32(len(s.Sections)))
	c.putU32(s.Flags)
	for _, sect := range s.Sections {
		c.skip(32)
		putWord(c, sect.Addr)
		putWord(c, sect.Size)
		c.putU32(sect.Offset)
		c.putU32(sect.Align)
		c.putU32(sect.RelOff)
		c.putU32(sect.NReloc)
		c.putU32(sect.Flags)
		c.putU32(sect.Reserved1)
		c.putU32(sect.Reserved2)
		if wordSize[W]() == 8 {
			c.putU32(sect.Reserved3)
		}
	}
}

type Symtab struct {
	loadBytes
	SymOff  uint32
	NSyms   uint32
	StrOff  uint32
	StrSize uint32
}

func (s *Symtab) Put(b []byte, bo binary.ByteOrder) {
	c := s.field(b, bo)
	c.putU32(s.SymOff)
	c.putU32(s.NSyms)
	c.putU32(s.StrOff)
	c.putU32(s.StrSize)
}

type Dysymtab struct {
	loadBytes
	ILocalSym      uint32
	NLocalSym      uint32
	IExtDefSym     uint32
	NExtDefSym     uint32
	IUndefSym      uint32
	NUndefSym      uint32
	TOCOff         uint32
	NTOC           uint32
	ModTabOff      uint32
	NModTab        uint32
	ExtRefSymOff   uint32
	NExtRefSyms    uint32
	IndirectSymOff uint32
	NIndirectSyms  uint32
	ExtRelOff      uint32
	NExtRel        uint32
	LocRelOff      uint32
	NLocRel        uint32
}

func (d *Dysymtab) fields() []*uint32 {
	return []*uint32{
		&d.ILocalSym, &d.NLocalSym, &d.IExtDefSym, &d.NExtDefSym,
		&d.IUndefSym, &d.NUndefSym, &d.TOCOff, &d.NTOC,
		&d.ModTabOff, &d.NModTab, &d.ExtRefSymOff, &d.NExtRefSyms,
		&d.IndirectSymOff, &d.NIndirectSyms, &d.ExtRelOff, &d.NExtRel,
		&d.LocRelOff, &d.NLocRel,
	}
}

func (d *Dysymtab) Put(b []byte, bo binary.ByteOrder) {
	c := d.field(b, bo)
	for _, f := range d.fields() {
		c.putU32(*f)
	}
}

// DyldInfo is LC_DYLD_INFO or LC_DYLD_INFO_ONLY.
type DyldInfo struct {
	loadBytes
	RebaseOff    uint32
	RebaseSize   uint32
	BindOff      uint32
	BindSize     uint32
	WeakBindOff  uint32
	WeakBindSize uint32
	LazyBindOff  uint32
	LazyBindSize uint32
	ExportOff    uint32
	ExportSize   uint32
}

// ranges returns the offset and size pairs in file order.
func (d *DyldInfo) ranges() [][2]*uint32 {
	return [][2]*uint32{
		{&d.RebaseOff, &d.RebaseSize},
		{&d.BindOff, &d.BindSize},
		{&d.WeakBindOff, &d.WeakBindSize},
		{&d.LazyBindOff, &d.LazyBindSize},
		{&d.ExportOff, &d.ExportSize},
	}
}

func (d *DyldInfo) Put(b []byte, bo binary.ByteOrder) {
	c := d.field(b, bo)
	for _, r := range d.ranges() {
		c.putU32(*r[0])
		c.putU32(*r[1])
	}
}

// LinkEditData is one of the linkedit_data_command kinds the engine moves.
type LinkEditData struct {
	loadBytes
	DataOff  uint32
	DataSize uint32
}

func (l *LinkEditData) Put(b []byte, bo binary.ByteOrder) {
	c := l.field(b, bo)
	c.putU32(l.DataOff)
	c.putU32(l.DataSize)
}

type TwoLevelHints struct {
	loadBytes
	Offset uint32
	NHints uint32
}

func (t *TwoLevelHints) Put(b []byte, bo binary.ByteOrder) {
	c := t.field(b, bo)
	c.putU32(t.Offset)
	c.putU32(t.NHints)
}

// EntryPoint is LC_MAIN.
type EntryPoint struct {
	loadBytes
	EntryOff  uint64
	StackSize uint64
}

func (e *EntryPoint) Put(b []byte, bo binary.ByteOrder) {
	c := e.field(b, bo)
	c.putU64(e.EntryOff)
	c.putU64(e.StackSize)
}

func isLinkEditData(cmd types.LoadCmd) bool {
	switch cmd {
	case types.LC_SEGMENT_SPLIT_INFO,
		types.LC_FUNCTION_STARTS,
		types.LC_DATA_IN_CODE,
		types.LC_DYLIB_CODE_SIGN_DRS,
		types.LC_LINKER_OPTIMIZATION_HINT,
		types.LC_CODE_SIGNATURE:
		return true
	}
	return false
}

func decodeCommand[W word](b []byte, bo binary.ByteOrder) (Command, error) {
	lb := loadBytes{
		cmd: types.LoadCmd(bo.Uint32(b)),
		raw: append([]byte(nil), b...),
	}
	c := &codec{b: lb.raw, off: 8, bo: bo}

	short := func(n int) error {
		if len(b) < n {
			return &lmacho.FormatError{Err: fmt.Errorf("%v command size %d is less than %d", lb.cmd, len(b), n)}
		}
		return nil
	}

	switch {
	case lb.cmd == segmentCmd[W]():
		if err := short(segmentSize[W]()); err != nil {
			return nil, err
		}
		seg := &Segment[W]{loadBytes: lb}
		seg.Name = c.name()
		seg.VMAddr = getWord[W](c)
		seg.VMSize = getWord[W](c)
		seg.FileOff = getWord[W](c)
		seg.FileSize = getWord[W](c)
		seg.MaxProt = c.u32()
		seg.InitProt = c.u32()
		nsects := c.u32()
		seg.Flags = c.u32()
		if want := uint64(segmentSize[W]()) + uint64(nsects)*uint64(sectionSize[W]()); uint64(len(b)) < want {
			return nil, &lmacho.FormatError{Err: fmt.Errorf("segment %s with %d sections does not fit in command size %d", seg.Name, nsects, len(b))}
		}
		seg.Sections = make([]*Section[W], nsects)
		for i := range seg.Sections {
			s := &Section[W]{}
			s.Name = c.name()
			s.Seg = c.name()
			s.Addr = getWord[W](c)
			s.Size = getWord[W](c)
			s.Offset = c.u32()
			s.Align = c.u32()
			s.RelOff = c.u32()
			s.NReloc = c.u32()
			s.Flags = c.u32()
			s.Reserved1 = c.u32()
			s.Reserved2 = c.u32()
			if wordSize[W]() == 8 {
				s.Reserved3 = c.u32()
			}
			seg.Sections[i] = s
		}
		return seg, nil
	case lb.cmd == types.LC_SYMTAB:
		if err := short(symtabSize); err != nil {
			return nil, err
		}
		return &Symtab{loadBytes: lb, SymOff: c.u32(), NSyms: c.u32(), StrOff: c.u32(), StrSize: c.u32()}, nil
	case lb.cmd == types.LC_DYSYMTAB:
		if err := short(dysymtabSize); err != nil {
			return nil, err
		}
		d := &Dysymtab{loadBytes: lb}
		for _, f := range d.fields() {
			*f = c.u32()
		}
		return d, nil
	case lb.cmd == types.LC_DYLD_INFO || lb.cmd == types.LC_DYLD_INFO_ONLY:
		if err := short(dyldInfoSize); err != nil {
			return nil, err
		}
		d := &DyldInfo{loadBytes: lb}
		for _, r := range d.ranges() {
			*r[0] = c.u32()
			*r[1] = c.u32()
		}
		return d, nil
	case isLinkEditData(lb.cmd):
		if err := short(linkEditDataSize); err != nil {
			return nil, err
		}
		return &LinkEditData{loadBytes: lb, DataOff: c.u32(), DataSize: c.u32()}, nil
	case lb.cmd == types.LC_TWOLEVEL_HINTS:
		if err := short(twoLevelHintsSize); err != nil {
			return nil, err
		}
		return &TwoLevelHints{loadBytes: lb, Offset: c.u32(), NHints: c.u32()}, nil
	case lb.cmd == types.LC_MAIN:
		if err := short(entryPointSize); err != nil {
			return nil, err
		}
		return &EntryPoint{loadBytes: lb, EntryOff: c.u64(), StackSize: c.u64()}, nil
	}
	return &Raw{loadBytes: lb}, nil
}
