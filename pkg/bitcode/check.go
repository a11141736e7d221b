package bitcode

import (
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/konoui/bitcode_strip/pkg/lmacho"
)

// see /Library/Developer/CommandLineTools/SDKs/MacOSX.sdk/usr/include/mach-o/nlist.h
const (
	nType uint8 = 0x0e
	nSect uint8 = 0x0e
)

// unsupported lists link edit commands whose data is not moved by the
// layout planner.
var unsupported = []types.LoadCmd{
	types.LC_DYLD_CHAINED_FIXUPS,
	types.LC_DYLD_EXPORTS_TRIE,
}

func (o *object[W]) check() error {
	if o.hdr.Flags&types.DyldLink != types.DyldLink {
		return ErrNotDynamic
	}

	for _, cmd := range o.cmds {
		for _, u := range unsupported {
			if cmd.Cmd() == u {
				return fmt.Errorf("%w %v", ErrUnsupportedCommand, u)
			}
		}
	}

	le := o.idx.linkedit
	if le == nil {
		return ErrNoLinkEdit
	}
	if uint64(le.FileOff)+uint64(le.FileSize) != uint64(len(o.buf)) {
		return ErrLinkEditPlacement
	}

	bc := o.idx.bitcode
	if bc == nil {
		return nil
	}
	if uint64(bc.FileOff)+uint64(bc.FileSize) != uint64(le.FileOff) {
		return ErrBitcodePlacement
	}

	if first, last, ok := o.bitcodeOrdinals(); ok {
		if err := o.checkSymbols(first, last); err != nil {
			return err
		}
	}

	for _, s := range bc.Sections {
		if s.NReloc != 0 {
			return ErrBitcodeRelocations
		}
		if s.Flags&sectionType != sRegular {
			return ErrBitcodeSectionType
		}
	}
	return nil
}

// bitcodeOrdinals returns the section ordinal range [first, last) of the
// bitcode segment. Ordinals start at 1 and count the sections of every
// segment in load command order.
func (o *object[W]) bitcodeOrdinals() (first, last uint32, ok bool) {
	ordinal := uint32(1)
	for _, cmd := range o.cmds {
		seg, isSeg := cmd.(*Segment[W])
		if !isSeg {
			continue
		}
		n := uint32(len(seg.Sections))
		if seg == o.idx.bitcode {
			if n == 0 {
				return 0, 0, false
			}
			return ordinal, ordinal + n, true
		}
		ordinal += n
	}
	return 0, 0, false
}

func (o *object[W]) checkSymbols(first, last uint32) error {
	st := o.idx.symtab
	if st == nil || st.NSyms == 0 {
		return nil
	}

	stride := uint64(8 + wordSize[W]())
	end := uint64(st.SymOff) + uint64(st.NSyms)*stride
	if end > uint64(len(o.buf)) {
		return &lmacho.FormatError{Err: fmt.Errorf("symbol table (offset %d, %d entries) extends past the end of the file", st.SymOff, st.NSyms)}
	}

	for off := uint64(st.SymOff); off < end; off += stride {
		// n_strx(4) n_type(1) n_sect(1) n_desc(2) n_value(W)
		typ, sect := o.buf[off+4], o.buf[off+5]
		if typ&nType != nSect {
			continue
		}
		if uint32(sect) >= first && uint32(sect) < last {
			return ErrBitcodeSymbols
		}
	}
	return nil
}
