package bitcode

import (
	"fmt"

	"github.com/konoui/bitcode_strip/pkg/lmacho"
)

// record sizes of the link edit tables
const (
	relocationInfoSize    = 8
	twoLevelHintSize      = 4
	indirectSymbolSize    = 4
	tableOfContentsSize   = 8
	dylibReferenceSize    = 4
	dylibModuleSize32     = 52
	dylibModuleSize64     = 56
	codeSignatureAlign    = 16
	fakeStringTableLength = 8
)

func nlistSize[W word]() uint64 {
	return uint64(8 + wordSize[W]())
}

func dylibModuleSize[W word]() uint64 {
	if wordSize[W]() == 4 {
		return dylibModuleSize32
	}
	return dylibModuleSize64
}

// layoutLinkEdit places the link edit streams at the planner cursor in the
// order the static linker writes them and updates the offsets of their load
// commands. Absent streams get a zero offset. The code signature and the
// code signing DRs are dropped when dropSignature is set.
func (o *object[W]) layoutLinkEdit(p *planner, dropSignature bool) error {
	idx := &o.idx

	if d := idx.dyldInfo; d != nil {
		if err := layoutDyldInfo(p, d); err != nil {
			return err
		}
	}

	dyst := idx.dysymtab
	if dyst != nil {
		if err := placeTable(p, "local relocations", &dyst.LocRelOff, dyst.NLocRel, relocationInfoSize); err != nil {
			return err
		}
	}

	data := []struct {
		name string
		cmd  *LinkEditData
		drop bool
	}{
		{name: "split info", cmd: idx.splitInfo},
		{name: "function starts", cmd: idx.funcStarts},
		{name: "data in code", cmd: idx.dataInCode},
		{name: "code signing DRs", cmd: idx.codeSignDRs, drop: dropSignature},
		{name: "linker optimization hints", cmd: idx.linkOptHint},
	}
	for _, d := range data {
		if d.cmd == nil {
			continue
		}
		if d.drop {
			d.cmd.DataOff, d.cmd.DataSize = 0, 0
			continue
		}
		off, err := p.place(d.name, uint64(d.cmd.DataOff), uint64(d.cmd.DataSize))
		if err != nil {
			return err
		}
		d.cmd.DataOff = off
	}

	st := idx.symtab
	if st != nil {
		if err := placeTable(p, "symbol table", &st.SymOff, st.NSyms, nlistSize[W]()); err != nil {
			return err
		}
	}

	if h := idx.hints; h != nil {
		if err := placeTable(p, "two level hints", &h.Offset, h.NHints, twoLevelHintSize); err != nil {
			return err
		}
	}

	if dyst != nil {
		if err := placeTable(p, "external relocations", &dyst.ExtRelOff, dyst.NExtRel, relocationInfoSize); err != nil {
			return err
		}
		if err := placeTable(p, "indirect symbols", &dyst.IndirectSymOff, dyst.NIndirectSyms, indirectSymbolSize); err != nil {
			return err
		}
		if dyst.NIndirectSyms != 0 {
			if err := p.advance("indirect symbols padding", o.indirectPad); err != nil {
				return err
			}
		}
		tables := []struct {
			name   string
			off    *uint32
			n      uint32
			stride uint64
		}{
			{"table of contents", &dyst.TOCOff, dyst.NTOC, tableOfContentsSize},
			{"module table", &dyst.ModTabOff, dyst.NModTab, dylibModuleSize[W]()},
			{"external references", &dyst.ExtRefSymOff, dyst.NExtRefSyms, dylibReferenceSize},
		}
		for _, t := range tables {
			if err := placeTable(p, t.name, t.off, t.n, t.stride); err != nil {
				return err
			}
		}
	}

	if st != nil {
		if st.StrSize != 0 {
			off, err := p.place("string table", uint64(st.StrOff), uint64(st.StrSize))
			if err != nil {
				return err
			}
			st.StrOff = off
		} else {
			st.StrOff = 0
		}
	}

	if cs := idx.codeSig; cs != nil {
		if dropSignature {
			cs.DataOff, cs.DataSize = 0, 0
			return nil
		}
		if err := p.align("code signature", codeSignatureAlign); err != nil {
			return err
		}
		off, err := p.place("code signature", uint64(cs.DataOff), uint64(cs.DataSize))
		if err != nil {
			return err
		}
		cs.DataOff = off
	}
	return nil
}

// placeTable places n records of stride bytes at *off, an empty table gets
// a zero offset.
func placeTable(p *planner, name string, off *uint32, n uint32, stride uint64) error {
	if n == 0 {
		*off = 0
		return nil
	}
	dst, err := p.place(name, uint64(*off), uint64(n)*stride)
	if err != nil {
		return err
	}
	*off = dst
	return nil
}

// layoutDyldInfo copies the dyld info as one block. The block starts at the
// first non-zero offset and ends at the end of the last non-empty range, the
// ranges get new offsets one after another.
func layoutDyldInfo(p *planner, d *DyldInfo) error {
	ranges := d.ranges()

	var start, end uint64
	for _, r := range ranges {
		if *r[0] != 0 {
			start = uint64(*r[0])
			break
		}
	}
	for i := len(ranges) - 1; i >= 0; i-- {
		if *ranges[i][1] != 0 {
			end = uint64(*ranges[i][0]) + uint64(*ranges[i][1])
			break
		}
	}
	if end < start {
		return &lmacho.FormatError{Err: fmt.Errorf("dyld info ends (%d) before it starts (%d)", end, start)}
	}

	var total uint64
	for _, r := range ranges {
		if *r[0] != 0 {
			total += uint64(*r[1])
		}
	}
	if total != end-start {
		return fmt.Errorf("%w: dyld info ranges are not contiguous", ErrLayout)
	}

	cursor := p.cursor
	if _, err := p.place("dyld info", start, end-start); err != nil {
		return err
	}
	for _, r := range ranges {
		if *r[0] == 0 {
			continue
		}
		*r[0] = uint32(cursor)
		cursor += uint64(*r[1])
	}
	return nil
}

// clearLinkEdit zeroes the offset and count of every link edit stream.
func (o *object[W]) clearLinkEdit() {
	idx := &o.idx
	if d := idx.dyldInfo; d != nil {
		for _, r := range d.ranges() {
			*r[0], *r[1] = 0, 0
		}
	}
	if d := idx.dysymtab; d != nil {
		for _, f := range d.fields() {
			*f = 0
		}
	}
	for _, l := range []*LinkEditData{idx.splitInfo, idx.funcStarts, idx.dataInCode, idx.codeSignDRs, idx.linkOptHint, idx.codeSig} {
		if l != nil {
			l.DataOff, l.DataSize = 0, 0
		}
	}
	if st := idx.symtab; st != nil {
		st.SymOff, st.NSyms = 0, 0
		st.StrOff, st.StrSize = 0, 0
	}
	if h := idx.hints; h != nil {
		h.Offset, h.NHints = 0, 0
	}
}
