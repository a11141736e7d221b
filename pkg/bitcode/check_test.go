package bitcode_test

import (
	"errors"
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/konoui/bitcode_strip/pkg/bitcode"
	"github.com/konoui/bitcode_strip/pkg/lmacho"
	"github.com/konoui/bitcode_strip/pkg/testmacho"
)

func TestFile_Check(t *testing.T) {
	tests := []struct {
		name    string
		opts    []testmacho.Opt
		wantErr error
	}{
		{
			name: "with bitcode",
			opts: []testmacho.Opt{testmacho.WithBitcode(0x2000, 2), testmacho.WithCodeSignature(256)},
		},
		{
			name: "without bitcode",
		},
		{
			name:    "not built for the dynamic linker",
			opts:    []testmacho.Opt{testmacho.WithoutDyldLink()},
			wantErr: bitcode.ErrNotDynamic,
		},
		{
			name:    "link edit is not at the end",
			opts:    []testmacho.Opt{testmacho.WithTrailingBytes(16)},
			wantErr: bitcode.ErrLinkEditPlacement,
		},
		{
			name:    "bitcode is not before link edit",
			opts:    []testmacho.Opt{testmacho.WithBitcode(0x2000, 1), testmacho.WithGapBeforeLinkEdit(0x1000)},
			wantErr: bitcode.ErrBitcodePlacement,
		},
		{
			name:    "symbol in bitcode section",
			opts:    []testmacho.Opt{testmacho.WithBitcode(0x2000, 1), testmacho.WithBitcodeSymbol()},
			wantErr: bitcode.ErrBitcodeSymbols,
		},
		{
			name:    "relocations in bitcode section",
			opts:    []testmacho.Opt{testmacho.WithBitcode(0x2000, 1), testmacho.WithBitcodeRelocations(2)},
			wantErr: bitcode.ErrBitcodeRelocations,
		},
		{
			name: "zero fill bitcode section",
			// S_ZEROFILL
			opts:    []testmacho.Opt{testmacho.WithBitcode(0x2000, 1), testmacho.WithBitcodeSectionFlags(0x1)},
			wantErr: bitcode.ErrBitcodeSectionType,
		},
		{
			name:    "chained fixups",
			opts:    []testmacho.Opt{testmacho.WithLinkEditCommand(types.LC_DYLD_CHAINED_FIXUPS)},
			wantErr: bitcode.ErrUnsupportedCommand,
		},
		{
			name:    "exports trie",
			opts:    []testmacho.Opt{testmacho.WithBitcode(0x1000, 1), testmacho.WithLinkEditCommand(types.LC_DYLD_EXPORTS_TRIE)},
			wantErr: bitcode.ErrUnsupportedCommand,
		},
		{
			name:    "32-bit symbol in bitcode section",
			opts:    []testmacho.Opt{testmacho.WithArch("armv7"), testmacho.WithBitcode(0x1000, 2), testmacho.WithBitcodeSymbol()},
			wantErr: bitcode.ErrBitcodeSymbols,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := testmacho.Build(t, tt.opts...)
			f, err := bitcode.NewFile(img.Bytes)
			if err != nil {
				t.Fatal(err)
			}

			err = f.Check()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("want %v got %v", tt.wantErr, err)
			}
			if tt.wantErr == nil {
				return
			}

			archErr := &bitcode.ArchError{}
			if !errors.As(err, &archErr) {
				t.Fatalf("want ArchError got %T", err)
			}
			if archErr.Arch != f.Arch() {
				t.Errorf("want arch %s got %s", f.Arch(), archErr.Arch)
			}

			if _, err := f.Strip(bitcode.Remove); !errors.Is(err, tt.wantErr) {
				t.Errorf("Strip: want %v got %v", tt.wantErr, err)
			}
		})
	}
}

func TestArchError_Error(t *testing.T) {
	img := testmacho.Build(t, testmacho.WithBitcode(0x2000, 1), testmacho.WithBitcodeSymbol())
	f, err := bitcode.NewFile(img.Bytes)
	if err != nil {
		t.Fatal(err)
	}

	want := "bitcode segment can't have symbols defined in its sections (for architecture arm64)"
	if err := f.Check(); err == nil || err.Error() != want {
		t.Errorf("want %q got %v", want, err)
	}
}

func TestNewFile_Malformed(t *testing.T) {
	img := testmacho.Build(t)
	tests := []struct {
		name string
		b    []byte
	}{
		{name: "empty", b: nil},
		{name: "not mach-o", b: []byte("!<arch>\nfoo")},
		{name: "truncated header", b: img.Bytes[:20]},
		{name: "truncated load commands", b: img.Bytes[:img.Layout.HeaderSize+64]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bitcode.NewFile(tt.b)
			fe := &lmacho.FormatError{}
			if !errors.As(err, &fe) {
				t.Errorf("want FormatError got %v", err)
			}
		})
	}
}

func TestSegAlign(t *testing.T) {
	tests := []struct {
		arch string
		want uint32
	}{
		{arch: "arm64", want: 0x4000},
		{arch: "arm64e", want: 0x4000},
		{arch: "armv7k", want: 0x4000},
		{arch: "arm64_32", want: 0x4000},
		{arch: "x86_64", want: 0x1000},
		{arch: "i386", want: 0x1000},
		{arch: "ppc", want: 0x1000},
	}
	for _, tt := range tests {
		t.Run(tt.arch, func(t *testing.T) {
			cpu, _, ok := lmacho.ToCpu(tt.arch)
			if !ok {
				t.Fatalf("unknown arch %s", tt.arch)
			}
			if got := bitcode.SegAlign(types.CPU(cpu)); got != tt.want {
				t.Errorf("want 0x%x got 0x%x", tt.want, got)
			}
		})
	}
}
