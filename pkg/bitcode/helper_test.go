package bitcode_test

import (
	"bytes"
	"debug/macho"
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/konoui/bitcode_strip/pkg/bitcode"
)

func strip(t *testing.T, in []byte, p bitcode.Policy) (*bitcode.Result, []byte) {
	t.Helper()
	f, err := bitcode.NewFile(in)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	res, err := f.Strip(p)
	if err != nil {
		t.Fatalf("Strip(%s): %v", p, err)
	}
	out, err := res.Plan.Bytes()
	if err != nil {
		t.Fatalf("Plan.Bytes: %v", err)
	}
	if uint64(len(out)) != res.Plan.Size {
		t.Fatalf("plan size %d, wrote %d bytes", res.Plan.Size, len(out))
	}
	return res, out
}

// reparse checks the output is readable by debug/macho and by the engine.
func reparse(t *testing.T, b []byte) (*macho.File, *bitcode.File) {
	t.Helper()
	mf, err := macho.NewFile(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("debug/macho: %v", err)
	}
	f, err := bitcode.NewFile(b)
	if err != nil {
		t.Fatalf("bitcode.NewFile: %v", err)
	}
	return mf, f
}

func command[T bitcode.Command](f *bitcode.File) T {
	for _, c := range f.Commands() {
		if v, ok := c.(T); ok {
			return v
		}
	}
	var zero T
	return zero
}

func linkEditData(f *bitcode.File, cmd types.LoadCmd) *bitcode.LinkEditData {
	for _, c := range f.Commands() {
		if v, ok := c.(*bitcode.LinkEditData); ok && v.Cmd() == cmd {
			return v
		}
	}
	return nil
}

func segment64(f *bitcode.File, name string) *bitcode.Segment[uint64] {
	for _, c := range f.Commands() {
		if s, ok := c.(*bitcode.Segment[uint64]); ok && s.Name == name {
			return s
		}
	}
	return nil
}

func segment32(f *bitcode.File, name string) *bitcode.Segment[uint32] {
	for _, c := range f.Commands() {
		if s, ok := c.(*bitcode.Segment[uint32]); ok && s.Name == name {
			return s
		}
	}
	return nil
}

func allBytes(b []byte, v byte) bool {
	for _, c := range b {
		if c != v {
			return false
		}
	}
	return true
}
