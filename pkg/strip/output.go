package strip

import (
	"bytes"
	"debug/macho"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/konoui/bitcode_strip/pkg/lmacho"
)

var _ lmacho.Object = &object{}

// object is a transformed slice placed into the output fat file.
type object struct {
	src *slice
	r   *bytes.Reader
}

func (o *object) CPU() lmacho.Cpu {
	return o.src.cpu
}

func (o *object) SubCPU() lmacho.SubCpu {
	return o.src.subCpu
}

func (o *object) Size() uint64 {
	return uint64(o.r.Size())
}

func (o *object) Align() uint32 {
	return o.src.align
}

func (o *object) Type() macho.Type {
	return o.src.typ
}

func (o *object) CPUString() string {
	return lmacho.ToCpuString(o.CPU(), o.SubCPU())
}

func (o *object) Read(p []byte) (int, error) {
	return o.r.Read(p)
}

func (o *object) ReadAt(p []byte, off int64) (int, error) {
	return o.r.ReadAt(p, off)
}

func (s *Strip) write(in *input, perm fs.FileMode) (err error) {
	out, err := createTemp(s.out)
	if err != nil {
		return err
	}
	defer out.Close()
	defer func() {
		if err != nil {
			_ = os.Remove(out.Name())
		}
	}()

	if in.fat {
		err = createFat(out, in)
	} else {
		_, err = in.slices[0].res.Plan.WriteTo(out)
	}
	if err != nil {
		return err
	}

	if err := out.Chmod(perm); err != nil {
		return err
	}

	if err := out.Sync(); err != nil {
		return err
	}

	// close before rename
	if err := out.Close(); err != nil {
		return err
	}

	// atomic operation
	return os.Rename(out.Name(), s.out)
}

func createFat(w io.Writer, in *input) error {
	arches := make([]*lmacho.FatArch, 0, len(in.slices))
	for _, sl := range in.slices {
		b, err := sl.res.Plan.Bytes()
		if err != nil {
			return err
		}
		obj := &object{src: sl, r: bytes.NewReader(b)}
		arches = append(arches, lmacho.NewFatArch(obj, sl.hidden))
	}
	return lmacho.CreateFat(w, arches, in.magic)
}

// createTemp creates a temporary file next to the output path
func createTemp(path string) (*os.File, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "tmp-bitcode-strip-out")
	if err != nil {
		return nil, fmt.Errorf("can't create temporary output file: %w", err)
	}
	return f, nil
}
