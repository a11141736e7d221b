package testmacho

import (
	"bytes"
	"debug/macho"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/konoui/bitcode_strip/pkg/lmacho"
)

// Slice is an image placed into a fat file.
// Without an image, Body is placed as is under the Arch name.
type Slice struct {
	Image  *Image
	Hidden bool
	Arch   string
	Body   []byte
}

// Fat returns a fat file holding the slices in order.
func Fat(t *testing.T, magic uint32, slices ...Slice) []byte {
	t.Helper()
	arches := make([]*lmacho.FatArch, 0, len(slices))
	for _, s := range slices {
		var obj lmacho.Object
		if s.Image != nil {
			a, err := lmacho.NewArch(io.NewSectionReader(bytes.NewReader(s.Image.Bytes), 0, int64(len(s.Image.Bytes))))
			fatalIf(t, err)
			obj = a
		} else {
			cpu, sub, ok := lmacho.ToCpu(s.Arch)
			if !ok {
				t.Fatalf("testmacho: unsupported arch %s", s.Arch)
			}
			obj = &rawObject{Reader: bytes.NewReader(s.Body), cpu: cpu, sub: sub}
		}
		arches = append(arches, lmacho.NewFatArch(obj, s.Hidden))
	}

	buf := &bytes.Buffer{}
	fatalIf(t, lmacho.CreateFat(buf, arches, magic))
	return buf.Bytes()
}

// Archive returns a BSD ar archive holding the members, each of them a copy
// of the image.
func Archive(t *testing.T, img *Image, members ...string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	buf.WriteString("!<arch>\n")
	for _, name := range members {
		nameBuf := []byte(name)
		for len(nameBuf)%8 != 4 {
			nameBuf = append(nameBuf, 0)
		}
		size := len(nameBuf) + len(img.Bytes)
		fmt.Fprintf(buf, "%-16s%-12d%-6d%-6d%-8o%-10d`\n", fmt.Sprintf("#1/%d", len(nameBuf)), 0, 0, 0, 0o644, size)
		buf.Write(nameBuf)
		buf.Write(img.Bytes)
		if size%2 != 0 {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

// WriteFile writes b under dir with the permission and returns the path.
func WriteFile(t *testing.T, dir, name string, b []byte, perm os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, name)
	fatalIf(t, os.WriteFile(p, b, perm))
	fatalIf(t, os.Chmod(p, perm))
	return p
}

type rawObject struct {
	*bytes.Reader
	cpu lmacho.Cpu
	sub lmacho.SubCpu
}

func (r *rawObject) CPU() lmacho.Cpu       { return r.cpu }
func (r *rawObject) SubCPU() lmacho.SubCpu { return r.sub }
func (r *rawObject) Size() uint64          { return uint64(r.Reader.Size()) }
func (r *rawObject) Align() uint32         { return 14 }
func (r *rawObject) Type() macho.Type      { return 0 }
func (r *rawObject) CPUString() string     { return lmacho.ToCpuString(r.cpu, r.sub) }

func fatalIf(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
