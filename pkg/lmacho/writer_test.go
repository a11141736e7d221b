package lmacho_test

import (
	"bytes"
	"debug/macho"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/konoui/bitcode_strip/pkg/lmacho"
	"github.com/konoui/bitcode_strip/pkg/testmacho"
)

type input struct {
	arch   string
	hidden bool
}

func newArches(t *testing.T, inputs ...input) ([]*lmacho.FatArch, map[string][]byte) {
	t.Helper()
	bodies := map[string][]byte{}
	arches := []*lmacho.FatArch{}
	for _, in := range inputs {
		img := testmacho.Build(t, testmacho.WithArch(in.arch))
		a, err := lmacho.NewArch(io.NewSectionReader(bytes.NewReader(img.Bytes), 0, int64(len(img.Bytes))))
		if err != nil {
			t.Fatal(err)
		}
		bodies[in.arch] = img.Bytes
		arches = append(arches, lmacho.NewFatArch(a, in.hidden))
	}
	return arches, bodies
}

type entry struct {
	Arch   string
	Hidden bool
	Align  uint32
}

func TestCreateFat(t *testing.T) {
	tests := []struct {
		name   string
		magic  uint32
		inputs []input
		want   []entry
	}{
		{
			name:   "fat",
			magic:  lmacho.MagicFat,
			inputs: []input{{arch: "x86_64"}, {arch: "arm64"}},
			want:   []entry{{Arch: "x86_64", Align: 14}, {Arch: "arm64", Align: 14}},
		},
		{
			name:   "fat64",
			magic:  lmacho.MagicFat64,
			inputs: []input{{arch: "arm64"}, {arch: "x86_64"}, {arch: "arm64e"}},
			want:   []entry{{Arch: "arm64", Align: 14}, {Arch: "x86_64", Align: 14}, {Arch: "arm64e", Align: 14}},
		},
		{
			name:   "hidden arm64 is written last",
			magic:  lmacho.MagicFat,
			inputs: []input{{arch: "arm64", hidden: true}, {arch: "armv7"}, {arch: "armv7s"}},
			want:   []entry{{Arch: "armv7", Align: 14}, {Arch: "armv7s", Align: 14}, {Arch: "arm64", Hidden: true, Align: 14}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arches, bodies := newArches(t, tt.inputs...)
			buf := &bytes.Buffer{}
			if err := lmacho.CreateFat(buf, arches, tt.magic); err != nil {
				t.Fatal(err)
			}

			it, err := lmacho.NewFatIter(bytes.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatal(err)
			}
			if it.FatHeader.Magic != tt.magic {
				t.Errorf("want magic 0x%x got 0x%x", tt.magic, it.FatHeader.Magic)
			}

			got := []entry{}
			for fa, err := range it.Next() {
				if err != nil {
					t.Fatal(err)
				}
				got = append(got, entry{Arch: fa.CPUString(), Hidden: fa.Hidden, Align: fa.Align()})

				if fa.Offset()%(1<<fa.Align()) != 0 {
					t.Errorf("%s: offset 0x%x is not aligned to 2^%d", fa.CPUString(), fa.Offset(), fa.Align())
				}
				if fa.Type() != macho.TypeExec {
					t.Errorf("%s: want type %v got %v", fa.CPUString(), macho.TypeExec, fa.Type())
				}
				body, err := io.ReadAll(fa)
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(bodies[fa.CPUString()], body) {
					t.Errorf("%s: object differs", fa.CPUString())
				}
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}

			if tt.magic != lmacho.MagicFat {
				return
			}
			ff, err := macho.NewFatFile(bytes.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatalf("debug/macho: %v", err)
			}
			visible := 0
			for _, w := range tt.want {
				if !w.Hidden {
					visible++
				}
			}
			if len(ff.Arches) != visible {
				t.Errorf("want %d arches got %d", visible, len(ff.Arches))
			}
		})
	}
}

func TestCreateFat_Error(t *testing.T) {
	tests := []struct {
		name    string
		magic   uint32
		inputs  []input
		wantErr string
	}{
		{
			name:    "duplicate",
			magic:   lmacho.MagicFat,
			inputs:  []input{{arch: "arm64"}, {arch: "arm64"}},
			wantErr: "duplicate architecture arm64",
		},
		{
			name:    "hidden x86_64",
			magic:   lmacho.MagicFat,
			inputs:  []input{{arch: "arm64"}, {arch: "x86_64", hidden: true}},
			wantErr: "hidden architecture x86_64 is not arm64",
		},
		{
			name:    "only hidden",
			magic:   lmacho.MagicFat,
			inputs:  []input{{arch: "arm64", hidden: true}},
			wantErr: "fat file contains only hidden images",
		},
		{
			name:    "invalid magic",
			magic:   macho.Magic64,
			inputs:  []input{{arch: "arm64"}},
			wantErr: "invalid fat magic",
		},
		{
			name:    "no images",
			magic:   lmacho.MagicFat,
			wantErr: "file contains no images",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arches, _ := newArches(t, tt.inputs...)
			err := lmacho.CreateFat(io.Discard, arches, tt.magic)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("want %q got %v", tt.wantErr, err)
			}
		})
	}
}
