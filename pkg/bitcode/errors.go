package bitcode

import (
	"errors"
	"fmt"
)

var (
	ErrNotDynamic         = errors.New("can't be used on a file not built for use with the dynamic linker")
	ErrNoLinkEdit         = errors.New("file has no __LINKEDIT segment")
	ErrLinkEditPlacement  = errors.New("__LINKEDIT segment must be at the end of the file")
	ErrBitcodePlacement   = errors.New("bitcode segment must be directly before the __LINKEDIT segment")
	ErrBitcodeSymbols     = errors.New("bitcode segment can't have symbols defined in its sections")
	ErrBitcodeRelocations = errors.New("bitcode segment can't have relocation entries")
	ErrBitcodeSectionType = errors.New("bitcode segment can't have sections that are not of type S_REGULAR")
	ErrUnsupportedCommand = errors.New("unsupported load command")
	ErrLayout             = errors.New("link edit information can't be laid out")
)

// ArchError reports a slice that can not be transformed.
type ArchError struct {
	Arch string
	Err  error
}

func (e *ArchError) Error() string {
	return fmt.Sprintf("%s (for architecture %s)", e.Err.Error(), e.Arch)
}

func (e *ArchError) Unwrap() error {
	return e.Err
}
