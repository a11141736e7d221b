// Package testmacho builds small dynamically linked Mach-O images in memory
// for tests. The link edit segment is laid out the way the static linker
// writes it.
package testmacho

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/konoui/bitcode_strip/pkg/lmacho"
)

const (
	pageSize  = 0x1000
	vmPage    = 0x4000
	textSize  = 64
	dylinker  = "/usr/lib/dyld"
	linkEdit  = "__LINKEDIT"
	bitcode   = "__LLVM"
	nSectExt  = 0x0f
	dyldFlags = types.DyldLink | types.TwoLevel
)

// fill bytes of each region, tests look for them in the output
const (
	FillText       byte = 0xaa
	FillBitcode    byte = 0xbc
	FillDyldInfo   byte = 0xd1
	FillFuncStarts byte = 0xf5
	FillDataInCode byte = 0xdc
	FillCodeSig    byte = 0xc5
	FillLinkEdit   byte = 0x1e
)

type config struct {
	arch          string
	bigEndian     bool
	bitcodeSize   uint64
	bitcodeSects  int
	bitcodeFlags  uint32
	bitcodeRelocs uint32
	bitcodeSymbol bool
	codeSigSize   uint32
	nsyms         uint32
	strSize       uint32
	nindirect     uint32
	dyldInfo      bool
	funcStarts    uint32
	dataInCode    uint32
	noDyldLink    bool
	dyldInfoGap   uint64
	splitInfo     uint32
	codeSignDRs   uint32
	linkOptHints  uint32
	nlocrel       uint32
	nextrel       uint32
	nhints        uint32
	ntoc          uint32
	nmodtab       uint32
	nextref       uint32
	extra         []types.LoadCmd
	trailing      uint64
	gap           uint64
}

type Opt func(c *config)

func WithArch(arch string) Opt {
	return func(c *config) {
		c.arch = arch
	}
}

func WithBigEndian() Opt {
	return func(c *config) {
		c.bigEndian = true
	}
}

// WithBitcode adds a __LLVM segment of size bytes, split into nsects sections.
func WithBitcode(size uint64, nsects int) Opt {
	return func(c *config) {
		c.bitcodeSize = size
		c.bitcodeSects = nsects
	}
}

func WithBitcodeSectionFlags(flags uint32) Opt {
	return func(c *config) {
		c.bitcodeFlags = flags
	}
}

func WithBitcodeRelocations(n uint32) Opt {
	return func(c *config) {
		c.bitcodeRelocs = n
	}
}

// WithBitcodeSymbol defines the last symbol in the first bitcode section.
func WithBitcodeSymbol() Opt {
	return func(c *config) {
		c.bitcodeSymbol = true
	}
}

func WithCodeSignature(size uint32) Opt {
	return func(c *config) {
		c.codeSigSize = size
	}
}

func WithSymbols(n uint32) Opt {
	return func(c *config) {
		c.nsyms = n
	}
}

// WithStringTableSize pads the string table to size bytes.
func WithStringTableSize(size uint32) Opt {
	return func(c *config) {
		c.strSize = size
	}
}

func WithIndirectSymbols(n uint32) Opt {
	return func(c *config) {
		c.nindirect = n
	}
}

func WithDyldInfo() Opt {
	return func(c *config) {
		c.dyldInfo = true
	}
}

func WithFunctionStarts(size uint32) Opt {
	return func(c *config) {
		c.funcStarts = size
	}
}

func WithDataInCode(size uint32) Opt {
	return func(c *config) {
		c.dataInCode = size
	}
}

// WithDyldInfoGap leaves n unused bytes between the bind and lazy bind
// opcodes of the dyld info.
func WithDyldInfoGap(n uint64) Opt {
	return func(c *config) {
		c.dyldInfo = true
		c.dyldInfoGap = n
	}
}

func WithSplitInfo(size uint32) Opt {
	return func(c *config) {
		c.splitInfo = size
	}
}

func WithCodeSigningDRs(size uint32) Opt {
	return func(c *config) {
		c.codeSignDRs = size
	}
}

func WithLinkerOptimizationHints(size uint32) Opt {
	return func(c *config) {
		c.linkOptHints = size
	}
}

func WithLocalRelocations(n uint32) Opt {
	return func(c *config) {
		c.nlocrel = n
	}
}

func WithExternalRelocations(n uint32) Opt {
	return func(c *config) {
		c.nextrel = n
	}
}

// WithTwoLevelHints adds LC_TWOLEVEL_HINTS with n hints.
func WithTwoLevelHints(n uint32) Opt {
	return func(c *config) {
		c.nhints = n
	}
}

func WithTableOfContents(n uint32) Opt {
	return func(c *config) {
		c.ntoc = n
	}
}

func WithModuleTable(n uint32) Opt {
	return func(c *config) {
		c.nmodtab = n
	}
}

func WithExternalReferences(n uint32) Opt {
	return func(c *config) {
		c.nextref = n
	}
}

// WithAllLinkEdit adds every link edit stream the static linker writes
// for a classic dynamic image.
func WithAllLinkEdit() Opt {
	return func(c *config) {
		for _, opt := range []Opt{
			WithDyldInfo(),
			WithLocalRelocations(2),
			WithSplitInfo(8),
			WithFunctionStarts(16),
			WithDataInCode(8),
			WithCodeSigningDRs(16),
			WithLinkerOptimizationHints(8),
			WithTwoLevelHints(3),
			WithExternalRelocations(1),
			WithIndirectSymbols(3),
			WithTableOfContents(2),
			WithModuleTable(2),
			WithExternalReferences(3),
			WithCodeSignature(256),
		} {
			opt(c)
		}
	}
}

func WithoutDyldLink() Opt {
	return func(c *config) {
		c.noDyldLink = true
	}
}

// WithLinkEditCommand adds an empty linkedit_data_command of the kind.
func WithLinkEditCommand(cmd types.LoadCmd) Opt {
	return func(c *config) {
		c.extra = append(c.extra, cmd)
	}
}

// WithTrailingBytes appends bytes after the link edit segment.
func WithTrailingBytes(n uint64) Opt {
	return func(c *config) {
		c.trailing = n
	}
}

// WithGapBeforeLinkEdit leaves n bytes between the bitcode and link edit segments.
func WithGapBeforeLinkEdit(n uint64) Opt {
	return func(c *config) {
		c.gap = n
	}
}

// Stream is a link edit region of a built image.
type Stream struct {
	Name string
	Off  uint64
	Size uint64
}

// Layout records where the regions of a built image are.
type Layout struct {
	Is64         bool
	HeaderSize   uint64
	SizeOfCmds   uint64
	TextOff      uint64
	TextSegSize  uint64
	BitcodeOff   uint64
	BitcodeSize  uint64
	LinkEditOff  uint64
	LinkEditSize uint64
	DyldInfoOff  uint64
	DyldInfoSize uint64
	SymOff       uint64
	NSyms        uint64
	IndirectOff  uint64
	StrOff       uint64
	StrSize      uint64
	CodeSigOff   uint64
	CodeSigSize  uint64
	// Streams lists the non-empty link edit regions in file order
	Streams []Stream
}

// Stream returns the link edit region of the name.
func (l Layout) Stream(name string) (Stream, bool) {
	for _, s := range l.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return Stream{}, false
}

// StrEnd is the end of the string table.
func (l Layout) StrEnd() uint64 {
	return l.StrOff + l.StrSize
}

type Image struct {
	Bytes  []byte
	Layout Layout
}

type section struct {
	name, seg          string
	addr, size, offset uint64
	reloff, nreloc     uint32
	flags              uint32
}

type segment struct {
	name                               string
	vmaddr, vmsize, fileoff, filesize uint64
	sects                              []section
}

// Build returns an arm64 executable with three symbols unless the options
// say otherwise.
func Build(t *testing.T, opts ...Opt) *Image {
	t.Helper()
	c := &config{arch: "arm64", nsyms: 3, funcStarts: 16, bitcodeSects: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	cpu, sub, ok := lmacho.ToCpu(c.arch)
	if !ok {
		t.Fatalf("testmacho: unsupported arch %s", c.arch)
	}
	is64 := cpu&lmacho.CPUArch64 != 0
	ws := uint64(4)
	if is64 {
		ws = 8
	}
	var bo binary.ByteOrder = binary.LittleEndian
	if c.bigEndian {
		bo = binary.BigEndian
	}

	segSize := 40 + 4*ws
	sectSize := uint64(68)
	if is64 {
		sectSize = 80
	}
	hasBitcode := c.bitcodeSize > 0
	nbcSects := 0
	if hasBitcode {
		nbcSects = c.bitcodeSects
	}

	// load command sizes
	sizeofcmds := segSize + // __PAGEZERO
		segSize + sectSize + // __TEXT
		segSize + // __LINKEDIT
		24 + 80 + // symtab, dysymtab
		32 + 24 // dylinker, main
	ncmds := uint32(6)
	if hasBitcode {
		sizeofcmds += segSize + uint64(nbcSects)*sectSize
		ncmds++
	}
	if c.dyldInfo {
		sizeofcmds += 48
		ncmds++
	}
	for _, present := range []bool{
		c.splitInfo > 0, c.funcStarts > 0, c.dataInCode > 0,
		c.codeSignDRs > 0, c.linkOptHints > 0, c.codeSigSize > 0, c.nhints > 0,
	} {
		if present {
			sizeofcmds += 16
			ncmds++
		}
	}
	sizeofcmds += 16 * uint64(len(c.extra))
	ncmds += uint32(len(c.extra))

	l := Layout{Is64: is64, HeaderSize: 28, SizeOfCmds: sizeofcmds}
	if is64 {
		l.HeaderSize = 32
	}

	// file layout
	l.TextOff = roundUp(l.HeaderSize+sizeofcmds, 16)
	l.TextSegSize = roundUp(l.TextOff+textSize, pageSize)
	l.BitcodeOff = l.TextSegSize
	l.BitcodeSize = c.bitcodeSize
	l.LinkEditOff = l.BitcodeOff + l.BitcodeSize + c.gap

	cur := l.LinkEditOff
	add := func(name string, size uint64) uint64 {
		off := cur
		if size > 0 {
			l.Streams = append(l.Streams, Stream{Name: name, Off: off, Size: size})
		}
		cur += size
		return off
	}

	var rebase, bind, lazy, export [2]uint64
	if c.dyldInfo {
		l.DyldInfoOff = cur
		rebase = [2]uint64{cur, 16}
		bind = [2]uint64{rebase[0] + rebase[1], 24}
		lazy = [2]uint64{bind[0] + bind[1] + c.dyldInfoGap, 8}
		export = [2]uint64{lazy[0] + lazy[1], 16}
		l.DyldInfoSize = export[0] + export[1] - l.DyldInfoOff
		add("dyld info", l.DyldInfoSize)
	}

	modSize := uint64(52)
	if is64 {
		modSize = 56
	}
	locRelOff := add("local relocations", uint64(c.nlocrel)*8)
	splitInfoOff := add("split info", uint64(c.splitInfo))
	funcStartsOff := add("function starts", uint64(c.funcStarts))
	dataInCodeOff := add("data in code", uint64(c.dataInCode))
	codeSignDRsOff := add("code signing DRs", uint64(c.codeSignDRs))
	linkOptHintsOff := add("linker optimization hints", uint64(c.linkOptHints))
	l.SymOff, l.NSyms = add("symbol table", uint64(c.nsyms)*(8+ws)), uint64(c.nsyms)
	hintsOff := add("two level hints", uint64(c.nhints)*4)
	extRelOff := add("external relocations", uint64(c.nextrel)*8)
	l.IndirectOff = add("indirect symbols", uint64(c.nindirect)*4)
	if is64 && c.nindirect%2 != 0 && cur%8 != 0 {
		cur += 4
	}
	tocOff := add("table of contents", uint64(c.ntoc)*8)
	modTabOff := add("module table", uint64(c.nmodtab)*modSize)
	extRefOff := add("external references", uint64(c.nextref)*4)

	names := make([]string, c.nsyms)
	strs := []byte{' ', 0}
	strx := make([]uint32, c.nsyms)
	for i := range names {
		names[i] = fmt.Sprintf("_sym%d", i)
		strx[i] = uint32(len(strs))
		strs = append(strs, names[i]...)
		strs = append(strs, 0)
	}
	if uint32(len(strs)) < c.strSize {
		strs = append(strs, make([]byte, int(c.strSize)-len(strs))...)
	}
	l.StrSize = uint64(len(strs))
	l.StrOff = add("string table", l.StrSize)
	if c.codeSigSize > 0 {
		cur = roundUp(cur, 16)
		l.CodeSigSize = uint64(c.codeSigSize)
		l.CodeSigOff = add("code signature", l.CodeSigSize)
	}
	l.LinkEditSize = cur - l.LinkEditOff

	b := make([]byte, cur+c.trailing)
	w := &writer{b: b, bo: bo, ws: ws}

	// header
	magic := types.Magic32
	if is64 {
		magic = types.Magic64
	}
	flags := dyldFlags
	if c.noDyldLink {
		flags &^= types.DyldLink
	}
	off := w.u32(0, uint32(magic))
	off = w.u32(off, uint32(cpu))
	off = w.u32(off, sub)
	off = w.u32(off, uint32(types.MH_EXECUTE))
	off = w.u32(off, ncmds)
	off = w.u32(off, uint32(sizeofcmds))
	w.u32(off, uint32(flags))

	// segments
	pageZero := uint64(vmPage)
	if is64 {
		pageZero = 0x100000000
	}
	textVM := pageZero
	textVMSize := roundUp(l.TextSegSize, vmPage)
	bcVM := textVM + textVMSize
	bcVMSize := roundUp(l.BitcodeSize, vmPage)
	leVM := bcVM + bcVMSize

	off = l.HeaderSize
	off = w.segment(off, segment{name: "__PAGEZERO", vmsize: pageZero})
	off = w.segment(off, segment{
		name: "__TEXT", vmaddr: textVM, vmsize: textVMSize, filesize: l.TextSegSize,
		sects: []section{{name: "__text", seg: "__TEXT", addr: textVM + l.TextOff, size: textSize, offset: l.TextOff, flags: 0x80000400}},
	})
	if hasBitcode {
		seg := segment{name: bitcode, vmaddr: bcVM, vmsize: bcVMSize, fileoff: l.BitcodeOff, filesize: l.BitcodeSize}
		per := l.BitcodeSize / uint64(max(nbcSects, 1))
		for i := range nbcSects {
			size := per
			if i == nbcSects-1 {
				size = l.BitcodeSize - per*uint64(i)
			}
			s := section{
				name:   bitcodeSectionName(i),
				seg:    bitcode,
				addr:   bcVM + per*uint64(i),
				size:   size,
				offset: l.BitcodeOff + per*uint64(i),
				flags:  c.bitcodeFlags,
			}
			if i == 0 {
				s.nreloc = c.bitcodeRelocs
			}
			seg.sects = append(seg.sects, s)
		}
		off = w.segment(off, seg)
	}
	off = w.segment(off, segment{
		name: linkEdit, vmaddr: leVM, vmsize: roundUp(l.LinkEditSize, vmPage),
		fileoff: l.LinkEditOff, filesize: l.LinkEditSize,
	})

	if c.dyldInfo {
		off = w.u32(off, uint32(types.LC_DYLD_INFO_ONLY))
		off = w.u32(off, 48)
		for _, r := range [][2]uint64{rebase, bind, {}, lazy, export} {
			off = w.u32(off, uint32(r[0]))
			off = w.u32(off, uint32(r[1]))
		}
		w.fill(l.DyldInfoOff, l.DyldInfoSize, FillDyldInfo)
	}

	// symtab
	off = w.u32(off, uint32(types.LC_SYMTAB))
	off = w.u32(off, 24)
	symoff := uint32(l.SymOff)
	if c.nsyms == 0 {
		symoff = 0
	}
	off = w.u32(off, symoff)
	off = w.u32(off, c.nsyms)
	off = w.u32(off, uint32(l.StrOff))
	off = w.u32(off, uint32(l.StrSize))
	for i := range names {
		sect, value := uint8(1), textVM+l.TextOff+uint64(i)*4
		if c.bitcodeSymbol && hasBitcode && i == len(names)-1 {
			// __TEXT has the only other section
			sect, value = 2, bcVM
		}
		e := l.SymOff + uint64(i)*(8+ws)
		e = w.u32(e, strx[i])
		b[e], b[e+1] = nSectExt, sect
		e = w.u16(e+2, 0)
		w.word(e, value)
	}
	copy(b[l.StrOff:], strs)

	// dysymtab
	off = w.u32(off, uint32(types.LC_DYSYMTAB))
	off = w.u32(off, 80)
	dyst := make([]uint32, 18)
	dyst[2], dyst[3] = 0, c.nsyms // iextdefsym, nextdefsym
	dyst[4] = c.nsyms             // iundefsym
	tables := []struct {
		i   int
		off uint64
		n   uint32
	}{
		{6, tocOff, c.ntoc},
		{8, modTabOff, c.nmodtab},
		{10, extRefOff, c.nextref},
		{12, l.IndirectOff, c.nindirect},
		{14, extRelOff, c.nextrel},
		{16, locRelOff, c.nlocrel},
	}
	for _, tb := range tables {
		if tb.n > 0 {
			dyst[tb.i], dyst[tb.i+1] = uint32(tb.off), tb.n
		}
	}
	for _, v := range dyst {
		off = w.u32(off, v)
	}
	for i := range uint64(c.nindirect) {
		w.u32(l.IndirectOff+i*4, uint32(i)%max(c.nsyms, 1))
	}

	// LC_LOAD_DYLINKER
	next := off + 32
	off = w.u32(off, uint32(types.LC_LOAD_DYLINKER))
	off = w.u32(off, 32)
	w.u32(off, 12)
	copy(b[off+4:], dylinker)
	off = next

	// LC_MAIN
	off = w.u32(off, uint32(types.LC_MAIN))
	off = w.u32(off, 24)
	off = w.u64(off, l.TextOff)
	off = w.u64(off, 0)

	data := []struct {
		cmd  types.LoadCmd
		off  uint64
		size uint32
		fill byte
	}{
		{types.LC_SEGMENT_SPLIT_INFO, splitInfoOff, c.splitInfo, FillLinkEdit},
		{types.LC_FUNCTION_STARTS, funcStartsOff, c.funcStarts, FillFuncStarts},
		{types.LC_DATA_IN_CODE, dataInCodeOff, c.dataInCode, FillDataInCode},
		{types.LC_DYLIB_CODE_SIGN_DRS, codeSignDRsOff, c.codeSignDRs, FillLinkEdit},
		{types.LC_LINKER_OPTIMIZATION_HINT, linkOptHintsOff, c.linkOptHints, FillLinkEdit},
		{types.LC_CODE_SIGNATURE, l.CodeSigOff, c.codeSigSize, FillCodeSig},
	}
	for _, d := range data {
		if d.size == 0 {
			continue
		}
		off = w.linkEditData(off, d.cmd, d.off, uint64(d.size))
		w.fill(d.off, uint64(d.size), d.fill)
	}
	if c.nhints > 0 {
		off = w.u32(off, uint32(types.LC_TWOLEVEL_HINTS))
		off = w.u32(off, 16)
		off = w.u32(off, uint32(hintsOff))
		off = w.u32(off, c.nhints)
	}
	for _, cmd := range c.extra {
		off = w.linkEditData(off, cmd, 0, 0)
	}

	// tables the engine moves without reading
	for _, name := range []string{"local relocations", "two level hints", "external relocations", "table of contents", "module table", "external references"} {
		if st, ok := l.Stream(name); ok {
			w.fill(st.Off, st.Size, FillLinkEdit)
		}
	}

	if off != l.HeaderSize+sizeofcmds {
		t.Fatalf("testmacho: wrote %d bytes of load commands, want %d", off-l.HeaderSize, sizeofcmds)
	}

	w.fill(l.TextOff, textSize, FillText)
	w.fill(l.BitcodeOff, l.BitcodeSize, FillBitcode)

	return &Image{Bytes: b, Layout: l}
}

func bitcodeSectionName(i int) string {
	names := []string{"__bundle", "__cmdline", "__swift_cmdline", "__asm"}
	if i < len(names) {
		return names[i]
	}
	return fmt.Sprintf("__bitcode%d", i)
}

func roundUp(v, n uint64) uint64 {
	return (v + n - 1) / n * n
}

type writer struct {
	b  []byte
	bo binary.ByteOrder
	ws uint64
}

func (w *writer) u16(off uint64, v uint16) uint64 {
	w.bo.PutUint16(w.b[off:], v)
	return off + 2
}

func (w *writer) u32(off uint64, v uint32) uint64 {
	w.bo.PutUint32(w.b[off:], v)
	return off + 4
}

func (w *writer) u64(off uint64, v uint64) uint64 {
	w.bo.PutUint64(w.b[off:], v)
	return off + 8
}

func (w *writer) word(off uint64, v uint64) uint64 {
	if w.ws == 4 {
		return w.u32(off, uint32(v))
	}
	return w.u64(off, v)
}

func (w *writer) name(off uint64, s string) uint64 {
	copy(w.b[off:off+16], s)
	return off + 16
}

func (w *writer) fill(off, size uint64, v byte) {
	for i := off; i < off+size; i++ {
		w.b[i] = v
	}
}

func (w *writer) segment(off uint64, s segment) uint64 {
	cmd, sectSize := types.LC_SEGMENT, uint64(68)
	if w.ws == 8 {
		cmd, sectSize = types.LC_SEGMENT_64, 80
	}
	size := 40 + 4*w.ws + uint64(len(s.sects))*sectSize

	off = w.u32(off, uint32(cmd))
	off = w.u32(off, uint32(size))
	off = w.name(off, s.name)
	off = w.word(off, s.vmaddr)
	off = w.word(off, s.vmsize)
	off = w.word(off, s.fileoff)
	off = w.word(off, s.filesize)
	off = w.u32(off, 7) // maxprot
	off = w.u32(off, 5) // initprot
	off = w.u32(off, uint32(len(s.sects)))
	off = w.u32(off, 0)
	for _, sect := range s.sects {
		off = w.name(off, sect.name)
		off = w.name(off, sect.seg)
		off = w.word(off, sect.addr)
		off = w.word(off, sect.size)
		off = w.u32(off, uint32(sect.offset))
		off = w.u32(off, 0) // align
		off = w.u32(off, sect.reloff)
		off = w.u32(off, sect.nreloc)
		off = w.u32(off, sect.flags)
		off = w.u32(off, 0)
		off = w.u32(off, 0)
		if w.ws == 8 {
			off = w.u32(off, 0)
		}
	}
	return off
}

func (w *writer) linkEditData(off uint64, cmd types.LoadCmd, dataoff, datasize uint64) uint64 {
	off = w.u32(off, uint32(cmd))
	off = w.u32(off, 16)
	off = w.u32(off, uint32(dataoff))
	return w.u32(off, uint32(datasize))
}
