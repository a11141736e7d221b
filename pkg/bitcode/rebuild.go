package bitcode

import (
	"github.com/blacktop/go-macho/types"
	"github.com/konoui/bitcode_strip/pkg/util"
)

// rebuild keeps the commands for which keep returns true in their order,
// applies edit to each of them and updates the header and the index.
func (o *object[W]) rebuild(keep func(Command) bool, edit func(Command)) error {
	cmds := util.Filter(o.cmds, keep)
	size := uint32(0)
	for _, cmd := range cmds {
		if edit != nil {
			edit(cmd)
		}
		size += cmd.Len()
	}

	idx, err := scan[W](cmds)
	if err != nil {
		return err
	}
	o.cmds = cmds
	o.idx = idx
	o.hdr.NCommands = uint32(len(cmds))
	o.hdr.SizeCommands = size
	return nil
}

func isCodeSigning(cmd Command) bool {
	return cmd.Cmd() == types.LC_CODE_SIGNATURE || cmd.Cmd() == types.LC_DYLIB_CODE_SIGN_DRS
}

// stripCommands drops the code signing commands and, unless the segment is
// kept as a marker, the bitcode segment.
func (o *object[W]) stripCommands(mark bool) error {
	return o.rebuild(func(cmd Command) bool {
		if isCodeSigning(cmd) {
			return false
		}
		if seg, ok := cmd.(*Segment[W]); ok && seg.Name == SegBitcode {
			return mark
		}
		return true
	}, nil)
}

// isolateCommands drops the code signing commands and empties every segment
// other than the bitcode and link edit segments.
func (o *object[W]) isolateCommands() error {
	return o.rebuild(func(cmd Command) bool {
		return !isCodeSigning(cmd)
	}, func(cmd Command) {
		switch c := cmd.(type) {
		case *Segment[W]:
			if c.Name == SegBitcode || c.Name == SegLinkEdit {
				return
			}
			c.VMAddr, c.VMSize = 0, 0
			c.FileOff, c.FileSize = 0, 0
			for _, s := range c.Sections {
				s.Addr, s.Size = 0, 0
				s.Offset = 0
				s.RelOff, s.NReloc = 0, 0
				s.Reserved1 = 0
			}
		case *EntryPoint:
			c.EntryOff = 0
		}
	})
}
