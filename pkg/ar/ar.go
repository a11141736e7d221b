package ar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
	"time"
)

const (
	headerSize   = 60
	PrefixSymdef = "__.SYMDEF"
)

var (
	MagicHeader      = []byte("!<arch>\n")
	ErrInvalidFormat = errors.New("not ar file format")
)

// File is a member of an archive.
type File struct {
	*io.SectionReader
	Header
}

// https://en.wikipedia.org/wiki/Ar_(Unix)
type Header struct {
	Name    string
	Size    int64
	ModTime time.Time
	UID     int
	GID     int
	Mode    fs.FileMode
}

type Reader struct {
	sr   *io.SectionReader
	next int64
}

// IsArchive reports whether ra starts with the archive magic.
func IsArchive(ra io.ReaderAt) bool {
	buf := make([]byte, len(MagicHeader))
	if _, err := ra.ReadAt(buf, 0); err != nil {
		return false
	}
	return bytes.Equal(buf, MagicHeader)
}

// NewArchive is a wrapper
func NewArchive(ra io.ReaderAt) ([]*File, error) {
	r, err := NewReader(ra)
	if err != nil {
		return nil, err
	}

	files := []*File{}
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		files = append(files, f)
	}
	return files, nil
}

func NewReader(r io.ReaderAt) (*Reader, error) {
	mhLen := len(MagicHeader)
	buf := make([]byte, mhLen)
	sr := io.NewSectionReader(r, 0, 1<<63-1)
	if _, err := io.ReadFull(sr, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrInvalidFormat
		}
		return nil, err
	}

	if !bytes.Equal(MagicHeader, buf) {
		return nil, fmt.Errorf("invalid magic header want: %s, got: %s: %w",
			string(MagicHeader), string(buf), ErrInvalidFormat)
	}

	return &Reader{sr: sr, next: int64(mhLen)}, nil
}

// Next returns a file header and a reader of original data.
// io.EOF is returned after the last member.
func (r *Reader) Next() (*File, error) {
	hdr, body, nameSize, err := r.readHeader()
	if err != nil {
		return nil, err
	}

	sr := io.NewSectionReader(r.sr, body+nameSize, hdr.Size-nameSize)

	// members start at even offsets
	r.next = body + hdr.Size
	if r.next%2 != 0 {
		r.next++
	}

	return &File{
		SectionReader: sr,
		Header:        *hdr,
	}, nil
}

// member header layout, see ar(5)
var fields = []struct {
	name   string
	lo, hi int
	base   int
}{
	{"mtime", 16, 28, 10},
	{"uid", 28, 34, 10},
	{"gid", 34, 40, 10},
	{"mode", 40, 48, 8},
	{"size", 48, 58, 10},
}

func (r *Reader) readHeader() (hdr *Header, body int64, nameSize int64, err error) {
	raw := make([]byte, headerSize)
	n, err := r.sr.ReadAt(raw, r.next)
	if n == 0 && errors.Is(err, io.EOF) {
		return nil, 0, 0, io.EOF
	}
	if n != headerSize {
		return nil, 0, 0, fmt.Errorf("short member header at %d: %d of %d bytes", r.next, n, headerSize)
	}
	if term := raw[58:60]; term[0] != '`' || term[1] != '\n' {
		return nil, 0, 0, fmt.Errorf("bad member header terminator %q at %d", term, r.next)
	}

	var v [5]int64
	for i, f := range fields {
		v[i], err = strconv.ParseInt(trimTailSpace(raw[f.lo:f.hi]), f.base, 64)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("member header %s: %w", f.name, err)
		}
	}

	hdr = &Header{
		Name:    trimTailSpace(raw[:16]),
		ModTime: time.Unix(v[0], 0),
		UID:     int(v[1]),
		GID:     int(v[2]),
		Mode:    fs.FileMode(v[3]),
		Size:    v[4],
	}
	body = r.next + headerSize

	// BSD long names follow the header and count towards the size
	if l, ok := strings.CutPrefix(hdr.Name, "#1/"); ok {
		nameSize, err = strconv.ParseInt(l, 10, 64)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("member name length: %w", err)
		}
		if nameSize > hdr.Size {
			return nil, 0, 0, fmt.Errorf("name size %d exceeds member size %d", nameSize, hdr.Size)
		}
		buf := make([]byte, nameSize)
		if _, err := r.sr.ReadAt(buf, body); err != nil {
			return nil, 0, 0, err
		}
		hdr.Name = strings.TrimRight(string(buf), "\x00")
	}

	return hdr, body, nameSize, nil
}

func trimTailSpace(b []byte) string {
	return strings.TrimRight(string(b), " ")
}
