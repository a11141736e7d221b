package strip

import (
	"bytes"
	"debug/macho"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/apex/log"
	"github.com/konoui/bitcode_strip/pkg/ar"
	"github.com/konoui/bitcode_strip/pkg/bitcode"
	"github.com/konoui/bitcode_strip/pkg/lmacho"
	"github.com/konoui/bitcode_strip/pkg/util"
)

type inspectType int

const (
	inspectUnknown inspectType = iota
	inspectThin
	inspectFat
	inspectArchive
)

func inspect(p string, b []byte) (inspectType, error) {
	baseErr := fmt.Errorf("can't figure out the architecture type of: %s", p)
	r := bytes.NewReader(b)

	_, err := lmacho.NewFatIter(r)
	if err == nil {
		return inspectFat, nil
	}
	if errors.Is(err, lmacho.ErrThin) {
		return inspectThin, nil
	}

	if ar.IsArchive(r) {
		return inspectArchive, nil
	}

	return inspectUnknown, errors.Join(baseErr, err)
}

func archiveErr(p string, b []byte) error {
	files, err := ar.NewArchive(bytes.NewReader(b))
	if err != nil {
		return errors.Join(fmt.Errorf("%w: %s", ErrArchive, p), err)
	}
	members := util.Filter(files, func(f *ar.File) bool { return !strings.HasPrefix(f.Name, ar.PrefixSymdef) })
	names := util.Map(members, func(f *ar.File) string { return f.Name })
	if len(names) == 0 {
		return fmt.Errorf("%w: %s", ErrArchive, p)
	}
	return fmt.Errorf("%w: %s (%s)", ErrArchive, p, strings.Join(names, ", "))
}

// slice is one architecture of the input
type slice struct {
	cpu    lmacho.Cpu
	subCpu lmacho.SubCpu
	align  uint32
	typ    macho.Type
	hidden bool
	body   []byte
	res    *bitcode.Result
}

type input struct {
	fat    bool
	magic  uint32
	slices []*slice
}

func load(typ inspectType, b []byte) (*input, error) {
	if typ == inspectThin {
		obj, err := lmacho.NewArch(io.NewSectionReader(bytes.NewReader(b), 0, int64(len(b))))
		if err != nil {
			return nil, err
		}
		sl := &slice{
			cpu:    obj.CPU(),
			subCpu: obj.SubCPU(),
			align:  obj.Align(),
			typ:    obj.Type(),
			body:   b,
		}
		logSlice(sl, obj.CPUString(), 0)
		return &input{slices: []*slice{sl}}, nil
	}

	it, err := lmacho.NewFatIter(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}

	in := &input{fat: true, magic: it.FatHeader.Magic}
	for fa, err := range it.Next() {
		if err != nil {
			return nil, err
		}

		end := fa.Offset() + fa.Size()
		if end < fa.Offset() || end > uint64(len(b)) {
			return nil, &lmacho.FormatError{
				Err: fmt.Errorf("%s object at 0x%x exceeds the file size", fa.CPUString(), fa.Offset()),
			}
		}
		body := b[fa.Offset():end]

		if ar.IsArchive(bytes.NewReader(body)) {
			return nil, &bitcode.ArchError{Arch: fa.CPUString(), Err: ErrArchive}
		}
		if _, err := lmacho.NewArch(io.NewSectionReader(bytes.NewReader(body), 0, int64(len(body)))); err != nil {
			return nil, &bitcode.ArchError{Arch: fa.CPUString(), Err: err}
		}

		sl := &slice{
			cpu:    fa.CPU(),
			subCpu: fa.SubCPU(),
			align:  fa.Align(),
			typ:    fa.Type(),
			hidden: fa.Hidden,
			body:   body,
		}
		logSlice(sl, fa.CPUString(), fa.Offset())
		in.slices = append(in.slices, sl)
	}
	return in, nil
}

func logSlice(sl *slice, arch string, offset uint64) {
	cpu, sub := lmacho.ToCpuValues(sl.cpu, sl.subCpu)
	log.WithFields(log.Fields{
		"arch":       arch,
		"cputype":    cpu,
		"cpusubtype": sub,
		"offset":     offset,
		"align":      sl.align,
		"hidden":     sl.hidden,
	}).Debug("input slice")
}
