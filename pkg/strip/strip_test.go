package strip_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/konoui/bitcode_strip/pkg/bitcode"
	"github.com/konoui/bitcode_strip/pkg/lmacho"
	"github.com/konoui/bitcode_strip/pkg/strip"
	"github.com/konoui/bitcode_strip/pkg/testmacho"
)

type fatSlice struct {
	Arch   string
	Hidden bool
	Align  uint32
	Body   []byte
}

func readFat(t *testing.T, b []byte) (uint32, []fatSlice) {
	t.Helper()
	it, err := lmacho.NewFatIter(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("NewFatIter: %v", err)
	}
	got := []fatSlice{}
	for fa, err := range it.Next() {
		if err != nil {
			t.Fatalf("fat arch: %v", err)
		}
		body := make([]byte, fa.Size())
		if _, err := fa.ReadAt(body, 0); err != nil {
			t.Fatalf("read %s: %v", fa.CPUString(), err)
		}
		got = append(got, fatSlice{Arch: fa.CPUString(), Hidden: fa.Hidden, Align: fa.Align(), Body: body})
	}
	return it.FatHeader.Magic, got
}

// engine returns what the bitcode engine makes of a thin image
func engine(t *testing.T, b []byte, p bitcode.Policy) []byte {
	t.Helper()
	f, err := bitcode.NewFile(b)
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.Strip(p)
	if err != nil {
		t.Fatal(err)
	}
	out, err := res.Plan.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func run(t *testing.T, in, out string, p bitcode.Policy) error {
	t.Helper()
	s := strip.New(strip.WithInput(in), strip.WithOutput(out), strip.WithPolicy(p))
	return s.Run(context.Background())
}

func TestStrip_Run_Thin(t *testing.T) {
	tests := []struct {
		name   string
		opts   []testmacho.Opt
		policy bitcode.Policy
	}{
		{
			name:   "remove bitcode",
			opts:   []testmacho.Opt{testmacho.WithBitcode(0x2000, 1), testmacho.WithCodeSignature(256)},
			policy: bitcode.Remove,
		},
		{
			name:   "mark bitcode",
			opts:   []testmacho.Opt{testmacho.WithBitcode(0x8000, 2)},
			policy: bitcode.Mark,
		},
		{
			name:   "isolate bitcode",
			opts:   []testmacho.Opt{testmacho.WithBitcode(0x2000, 1), testmacho.WithDyldInfo()},
			policy: bitcode.Isolate,
		},
		{
			name:   "remove without bitcode",
			policy: bitcode.Remove,
		},
		{
			name:   "x86_64 remove",
			opts:   []testmacho.Opt{testmacho.WithArch("x86_64"), testmacho.WithBitcode(0x1000, 1)},
			policy: bitcode.Remove,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			img := testmacho.Build(t, tt.opts...)
			in := testmacho.WriteFile(t, dir, "in", img.Bytes, 0o755)
			out := filepath.Join(dir, "out")

			if err := run(t, in, out, tt.policy); err != nil {
				t.Fatal(err)
			}

			got, err := os.ReadFile(out)
			if err != nil {
				t.Fatal(err)
			}
			want := engine(t, img.Bytes, tt.policy)
			if !bytes.Equal(want, got) {
				t.Errorf("output differs: want %d bytes got %d bytes", len(want), len(got))
			}
		})
	}
}

func TestStrip_Run_Fat(t *testing.T) {
	x86 := testmacho.Build(t, testmacho.WithArch("x86_64"), testmacho.WithBitcode(0x1000, 1))
	arm64 := testmacho.Build(t, testmacho.WithArch("arm64"), testmacho.WithBitcode(0x4000, 2), testmacho.WithCodeSignature(512))
	armv7 := testmacho.Build(t, testmacho.WithArch("armv7"))

	tests := []struct {
		name   string
		magic  uint32
		slices []testmacho.Slice
		policy bitcode.Policy
	}{
		{
			name:   "fat remove",
			magic:  lmacho.MagicFat,
			slices: []testmacho.Slice{{Image: x86}, {Image: arm64}},
			policy: bitcode.Remove,
		},
		{
			name:   "fat64 mark",
			magic:  lmacho.MagicFat64,
			slices: []testmacho.Slice{{Image: arm64}, {Image: x86}},
			policy: bitcode.Mark,
		},
		{
			name:   "hidden arm64 isolate",
			magic:  lmacho.MagicFat,
			slices: []testmacho.Slice{{Image: armv7}, {Image: arm64, Hidden: true}},
			policy: bitcode.Isolate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			fat := testmacho.Fat(t, tt.magic, tt.slices...)
			in := testmacho.WriteFile(t, dir, "in", fat, 0o755)
			out := filepath.Join(dir, "out")

			if err := run(t, in, out, tt.policy); err != nil {
				t.Fatal(err)
			}

			inMagic, want := readFat(t, fat)
			for i := range want {
				want[i].Body = engine(t, want[i].Body, tt.policy)
			}

			b, err := os.ReadFile(out)
			if err != nil {
				t.Fatal(err)
			}
			gotMagic, got := readFat(t, b)
			if inMagic != gotMagic {
				t.Errorf("want magic 0x%x got 0x%x", inMagic, gotMagic)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestStrip_Run_Archive(t *testing.T) {
	dir := t.TempDir()
	img := testmacho.Build(t, testmacho.WithBitcode(0x1000, 1))
	in := testmacho.WriteFile(t, dir, "libfoo.a", testmacho.Archive(t, img, "foo.o", "bar.o"), 0o644)
	out := filepath.Join(dir, "out")

	err := run(t, in, out, bitcode.Remove)
	if !errors.Is(err, strip.ErrArchive) {
		t.Fatalf("want %v got %v", strip.ErrArchive, err)
	}
	want := strip.ErrArchive.Error() + ": " + in + " (foo.o, bar.o)"
	if err.Error() != want {
		t.Errorf("want %q got %q", want, err.Error())
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("output should not exist: %v", err)
	}
}

func TestStrip_Run_FatSlice_Error(t *testing.T) {
	x86 := testmacho.Build(t, testmacho.WithArch("x86_64"), testmacho.WithBitcode(0x1000, 1))
	arm64 := testmacho.Build(t, testmacho.WithBitcode(0x1000, 1))

	tests := []struct {
		name       string
		slices     []testmacho.Slice
		wantArch   string
		wantErr    error
		wantFormat bool
	}{
		{
			name: "archive slice",
			slices: []testmacho.Slice{
				{Image: x86},
				{Arch: "arm64", Body: testmacho.Archive(t, arm64, "foo.o")},
			},
			wantArch: "arm64",
			wantErr:  strip.ErrArchive,
		},
		{
			name: "not a mach-o slice",
			slices: []testmacho.Slice{
				{Arch: "x86_64", Body: bytes.Repeat([]byte{0x42}, 64)},
				{Image: arm64},
			},
			wantArch:   "x86_64",
			wantFormat: true,
		},
		{
			name: "truncated slice",
			slices: []testmacho.Slice{
				{Image: x86},
				{Arch: "arm64", Body: arm64.Bytes[:48]},
			},
			wantArch:   "arm64",
			wantFormat: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			in := testmacho.WriteFile(t, dir, "in", testmacho.Fat(t, lmacho.MagicFat, tt.slices...), 0o755)
			out := filepath.Join(dir, "out")

			err := run(t, in, out, bitcode.Remove)
			archErr := &bitcode.ArchError{}
			if !errors.As(err, &archErr) || archErr.Arch != tt.wantArch {
				t.Fatalf("want ArchError for %s got %v", tt.wantArch, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("want %v got %v", tt.wantErr, err)
			}
			if tt.wantFormat {
				fe := &lmacho.FormatError{}
				if !errors.As(err, &fe) {
					t.Errorf("want FormatError got %v", err)
				}
			}
			if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("output should not exist: %v", err)
			}
		})
	}
}

func TestStrip_Run_TruncatedThin(t *testing.T) {
	dir := t.TempDir()
	img := testmacho.Build(t, testmacho.WithBitcode(0x1000, 1))
	in := testmacho.WriteFile(t, dir, "in", img.Bytes[:48], 0o755)

	err := run(t, in, filepath.Join(dir, "out"), bitcode.Remove)
	fe := &lmacho.FormatError{}
	if !errors.As(err, &fe) {
		t.Errorf("want FormatError got %v", err)
	}
}

func TestStrip_Run_SameFile(t *testing.T) {
	tests := []struct {
		name        string
		opts        []testmacho.Opt
		policy      bitcode.Policy
		wantReplace bool
	}{
		{
			name:        "remove without bitcode is skipped",
			policy:      bitcode.Remove,
			wantReplace: false,
		},
		{
			name:        "mark without bitcode is written",
			policy:      bitcode.Mark,
			wantReplace: true,
		},
		{
			name:        "remove with bitcode is written",
			opts:        []testmacho.Opt{testmacho.WithBitcode(0x1000, 1)},
			policy:      bitcode.Remove,
			wantReplace: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			img := testmacho.Build(t, tt.opts...)
			in := testmacho.WriteFile(t, dir, "in", img.Bytes, 0o755)
			before, err := os.Stat(in)
			if err != nil {
				t.Fatal(err)
			}

			// an unclean spelling of the input path
			if err := run(t, in, filepath.Join(dir, ".", "in"), tt.policy); err != nil {
				t.Fatal(err)
			}

			after, err := os.Stat(in)
			if err != nil {
				t.Fatal(err)
			}
			if replaced := !os.SameFile(before, after); replaced != tt.wantReplace {
				t.Errorf("want replaced %v got %v", tt.wantReplace, replaced)
			}
		})
	}
}

func TestStrip_Run_Perm(t *testing.T) {
	for _, perm := range []os.FileMode{0o755, 0o640, 0o700} {
		t.Run(perm.String(), func(t *testing.T) {
			dir := t.TempDir()
			img := testmacho.Build(t, testmacho.WithBitcode(0x1000, 1))
			in := testmacho.WriteFile(t, dir, "in", img.Bytes, perm)
			out := filepath.Join(dir, "out")

			if err := run(t, in, out, bitcode.Remove); err != nil {
				t.Fatal(err)
			}
			info, err := os.Stat(out)
			if err != nil {
				t.Fatal(err)
			}
			if got := info.Mode().Perm(); got != perm {
				t.Errorf("want %s got %s", perm, got)
			}
		})
	}
}

func TestStrip_Run_Error(t *testing.T) {
	dir := t.TempDir()
	good := testmacho.Build(t, testmacho.WithArch("x86_64"), testmacho.WithBitcode(0x1000, 1))
	bad := testmacho.Build(t, testmacho.WithArch("arm64"), testmacho.WithBitcode(0x4000, 1), testmacho.WithBitcodeSymbol())
	fat := testmacho.WriteFile(t, dir, "fat", testmacho.Fat(t, lmacho.MagicFat, testmacho.Slice{Image: good}, testmacho.Slice{Image: bad}), 0o755)
	thin := testmacho.WriteFile(t, dir, "thin", good.Bytes, 0o755)
	unknown := testmacho.WriteFile(t, dir, "unknown", []byte("#!/bin/sh\necho hello\n"), 0o755)
	out := filepath.Join(dir, "out")

	t.Run("bitcode symbols", func(t *testing.T) {
		err := run(t, fat, out, bitcode.Remove)
		if !errors.Is(err, bitcode.ErrBitcodeSymbols) {
			t.Fatalf("want %v got %v", bitcode.ErrBitcodeSymbols, err)
		}
		archErr := &bitcode.ArchError{}
		if !errors.As(err, &archErr) || archErr.Arch != "arm64" {
			t.Errorf("want arm64 ArchError got %v", err)
		}
	})

	t.Run("unknown file", func(t *testing.T) {
		if err := run(t, unknown, out, bitcode.Remove); err == nil {
			t.Fatal("want error")
		}
	})

	t.Run("missing input", func(t *testing.T) {
		if err := run(t, filepath.Join(dir, "missing"), out, bitcode.Remove); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("want %v got %v", os.ErrNotExist, err)
		}
	})

	t.Run("no output", func(t *testing.T) {
		if err := run(t, thin, "", bitcode.Remove); err == nil {
			t.Fatal("want error")
		}
	})

	t.Run("invalid policy", func(t *testing.T) {
		if err := run(t, thin, out, bitcode.Policy(0)); err == nil {
			t.Fatal("want error")
		}
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := strip.New(strip.WithInput(thin), strip.WithOutput(out), strip.WithPolicy(bitcode.Remove))
		if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("want %v got %v", context.Canceled, err)
		}
	})

	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("output should not exist: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("temporary files are left: %d entries", len(entries))
	}
}
