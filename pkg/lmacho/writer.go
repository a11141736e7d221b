package lmacho

import (
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/konoui/bitcode_strip/pkg/util"
)

// CreateFat writes a fat file holding the arches in the given order.
// Hidden arches are written after the visible ones and are not counted in
// nfat_arch, each object is placed at its alignment.
func CreateFat(w io.Writer, arches []*FatArch, magic uint32) error {
	if len(arches) == 0 {
		return errors.New("file contains no images")
	}
	if magic != MagicFat && magic != MagicFat64 {
		return fmt.Errorf("invalid fat magic 0x%x", magic)
	}

	visible := util.Filter(arches, func(fa *FatArch) bool { return !fa.Hidden })
	hidden := util.Filter(arches, func(fa *FatArch) bool { return fa.Hidden })
	if err := validateHiddenArches(visible, hidden); err != nil {
		return err
	}

	ordered := append(visible, hidden...)
	if err := updateOffsets(ordered, magic); err != nil {
		return err
	}

	hdr := FatHeader{Magic: magic, NArch: uint32(len(visible))}
	if err := writeHeaders(w, hdr, ordered); err != nil {
		return err
	}

	return writeArches(w, ordered, magic)
}

func validateHiddenArches(visible, hidden []*FatArch) error {
	if len(visible) == 0 {
		return errors.New("fat file contains only hidden images")
	}
	for _, fa := range hidden {
		if fa.CPU() != TypeArm64 {
			return fmt.Errorf("hidden architecture %s is not arm64", fa.CPUString())
		}
	}
	return nil
}

func updateOffsets(arches []*FatArch, magic uint32) error {
	offset := FatHeaderSize() + FatArchHeaderSize(magic)*uint64(len(arches))
	for _, fa := range arches {
		offset = align(offset, 1<<fa.Align())
		if magic == MagicFat && !boundaryOK(offset+fa.Size()) {
			return fmt.Errorf("fat file exceeds maximum 32 bit size at %s, use a 64 bit fat file", fa.CPUString())
		}
		fa.offset = offset
		offset += fa.Size()
	}
	return nil
}

func align(offset, v uint64) uint64 {
	return (offset + v - 1) / v * v
}

func boundaryOK(s uint64) (ok bool) {
	return s <= 1<<32
}

func hasDuplicatesErr(arches []*FatArch) error {
	dup := util.Duplicates(arches, func(fa *FatArch) string {
		return ToCpuString(fa.CPU(), fa.SubCPU())
	})
	if dup != nil {
		return fmt.Errorf("duplicate architecture %s", *dup)
	}
	return nil
}

func checkMaxAlignBit(arches []*FatArch) error {
	for _, fa := range arches {
		if fa.Align() > AlignBitMax {
			return fmt.Errorf("align (2^%d) too large of fat file (maximum 2^%d) for architecture %s", fa.Align(), AlignBitMax, fa.CPUString())
		}
	}
	return nil
}

// writeHeaders validates inputs and write data to destination
func writeHeaders(w io.Writer, hdr FatHeader, arches []*FatArch) error {
	if err := hasDuplicatesErr(arches); err != nil {
		return err
	}

	if err := checkMaxAlignBit(arches); err != nil {
		return err
	}

	// write a fat header
	// see https://cs.opensource.google/go/go/+/refs/tags/go1.18:src/debug/macho/fat.go;l=45
	if err := binary.Write(w, binary.BigEndian, hdr); err != nil {
		return fmt.Errorf("error write fat_header: %w", err)
	}

	// write fat arch headers
	for _, arch := range arches {
		if err := writeFatArchHeader(w, arch.header(), hdr.Magic); err != nil {
			return err
		}
	}
	return nil
}

func writeArches(w io.Writer, arches []*FatArch, magic uint32) error {
	offset := FatHeaderSize() + FatArchHeaderSize(magic)*uint64(len(arches))
	for _, fatArch := range arches {
		if offset < fatArch.offset {
			// write empty data for alignment
			empty := make([]byte, fatArch.offset-offset)
			if _, err := w.Write(empty); err != nil {
				return fmt.Errorf("error alignment: %w", err)
			}
			offset = fatArch.offset
		}

		// write binary data
		if _, err := io.CopyN(w, io.NewSectionReader(fatArch, 0, int64(fatArch.Size())), int64(fatArch.Size())); err != nil {
			return fmt.Errorf("error write binary data: %w", err)
		}
		offset += fatArch.Size()
	}

	return nil
}

func writeFatArchHeader(out io.Writer, hdr FatArchHeader, magic uint32) error {
	if magic == MagicFat64 {
		fatArchHdr := fatArch64Header{FatArchHeader: hdr, Reserved: 0}
		if err := binary.Write(out, binary.BigEndian, fatArchHdr); err != nil {
			return fmt.Errorf("error write fat_arch64 header: %w", err)
		}
		return nil
	}

	fatArchHdr := macho.FatArchHeader{
		Cpu:    hdr.Cpu,
		SubCpu: hdr.SubCpu,
		Offset: uint32(hdr.Offset),
		Size:   uint32(hdr.Size),
		Align:  hdr.Align,
	}
	if err := binary.Write(out, binary.BigEndian, fatArchHdr); err != nil {
		return fmt.Errorf("error write fat_arch header: %w", err)
	}
	return nil
}
