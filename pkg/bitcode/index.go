package bitcode

import (
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/konoui/bitcode_strip/pkg/lmacho"
)

// index holds the load commands the engine reads and rewrites.
// It is rebuilt by scan after every change to the command table.
type index[W word] struct {
	bitcode  *Segment[W]
	linkedit *Segment[W]

	symtab   *Symtab
	dysymtab *Dysymtab
	dyldInfo *DyldInfo
	hints    *TwoLevelHints

	splitInfo   *LinkEditData
	funcStarts  *LinkEditData
	dataInCode  *LinkEditData
	codeSignDRs *LinkEditData
	linkOptHint *LinkEditData
	codeSig     *LinkEditData
}

func scan[W word](cmds []Command) (index[W], error) {
	idx := index[W]{}
	for _, cmd := range cmds {
		var err error
		switch c := cmd.(type) {
		case *Segment[W]:
			switch c.Name {
			case SegBitcode:
				err = set(&idx.bitcode, c, "segment "+SegBitcode)
			case SegLinkEdit:
				err = set(&idx.linkedit, c, "segment "+SegLinkEdit)
			}
		case *Symtab:
			err = set(&idx.symtab, c, "LC_SYMTAB")
		case *Dysymtab:
			err = set(&idx.dysymtab, c, "LC_DYSYMTAB")
		case *DyldInfo:
			err = set(&idx.dyldInfo, c, "LC_DYLD_INFO")
		case *TwoLevelHints:
			err = set(&idx.hints, c, "LC_TWOLEVEL_HINTS")
		case *LinkEditData:
			switch c.Cmd() {
			case types.LC_SEGMENT_SPLIT_INFO:
				err = set(&idx.splitInfo, c, "LC_SEGMENT_SPLIT_INFO")
			case types.LC_FUNCTION_STARTS:
				err = set(&idx.funcStarts, c, "LC_FUNCTION_STARTS")
			case types.LC_DATA_IN_CODE:
				err = set(&idx.dataInCode, c, "LC_DATA_IN_CODE")
			case types.LC_DYLIB_CODE_SIGN_DRS:
				err = set(&idx.codeSignDRs, c, "LC_DYLIB_CODE_SIGN_DRS")
			case types.LC_LINKER_OPTIMIZATION_HINT:
				err = set(&idx.linkOptHint, c, "LC_LINKER_OPTIMIZATION_HINT")
			case types.LC_CODE_SIGNATURE:
				err = set(&idx.codeSig, c, "LC_CODE_SIGNATURE")
			}
		}
		if err != nil {
			return index[W]{}, err
		}
	}
	return idx, nil
}

func set[T any](dst **T, v *T, name string) error {
	if *dst != nil {
		return &lmacho.FormatError{Err: fmt.Errorf("more than one %s", name)}
	}
	*dst = v
	return nil
}
