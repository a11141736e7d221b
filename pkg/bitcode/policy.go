package bitcode

import (
	"github.com/blacktop/go-macho/types"
	"github.com/konoui/bitcode_strip/pkg/lmacho"
)

// Policy selects what happens to the bitcode segment.
type Policy int

const (
	// Remove drops the bitcode segment and the code signature.
	Remove Policy = iota + 1
	// Mark replaces the bitcode segment content with zero bytes sized to the
	// segment alignment of the architecture.
	Mark
	// Isolate leaves only the bitcode segment content.
	Isolate
)

func (p Policy) Valid() bool {
	return p == Remove || p == Mark || p == Isolate
}

func (p Policy) String() string {
	switch p {
	case Remove:
		return "remove"
	case Mark:
		return "mark"
	case Isolate:
		return "isolate"
	}
	return "unknown"
}

const defaultSegAlign uint32 = 0x4000

// SegAlign returns the segment alignment of the architecture family.
func SegAlign(cpu types.CPU) uint32 {
	switch cpu {
	case types.CPUI386, types.CPUAmd64, types.CPUPpc, types.CPUPpc64:
		return 0x1000
	case types.CPUArm, types.CPUArm64, types.CPU(lmacho.TypeArm64_32):
		return 0x4000
	}
	return defaultSegAlign
}
