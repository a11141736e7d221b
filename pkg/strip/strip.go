package strip

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/konoui/bitcode_strip/pkg/bitcode"
	"github.com/konoui/bitcode_strip/pkg/lmacho"
	"golang.org/x/sync/errgroup"
)

var (
	errNoInput  = errors.New("no input file specified")
	errNoOutput = errors.New("no output file specified")

	ErrArchive = errors.New("input file must be a linked Mach-O file not an archive")
)

type Strip struct {
	in     string
	out    string
	policy bitcode.Policy
}

type Option func(s *Strip)

func WithInput(in string) Option {
	return func(s *Strip) {
		s.in = in
	}
}

func WithOutput(out string) Option {
	return func(s *Strip) {
		s.out = out
	}
}

func WithPolicy(p bitcode.Policy) Option {
	return func(s *Strip) {
		s.policy = p
	}
}

func New(opts ...Option) *Strip {
	s := &Strip{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Run transforms every slice of the input and writes the output file.
// Nothing is written when a slice fails.
func (s *Strip) Run(ctx context.Context) error {
	if s.in == "" {
		return errNoInput
	}
	if s.out == "" {
		return errNoOutput
	}
	if !s.policy.Valid() {
		return fmt.Errorf("invalid policy: %d", s.policy)
	}

	b, err := os.ReadFile(s.in)
	if err != nil {
		return err
	}

	perm, err := perm(s.in)
	if err != nil {
		return err
	}

	typ, err := inspect(s.in, b)
	if err != nil {
		return err
	}
	if typ == inspectArchive {
		return archiveErr(s.in, b)
	}

	in, err := load(typ, b)
	if err != nil {
		return err
	}

	if err := s.transform(ctx, in.slices); err != nil {
		return err
	}

	hasBitcode := slices.ContainsFunc(in.slices, func(sl *slice) bool { return sl.res.HasBitcode })
	if s.policy == bitcode.Remove && !hasBitcode && sameFile(s.in, s.out) {
		log.WithField("input", s.in).Debug("no bitcode, output is left untouched")
		return nil
	}

	return s.write(in, perm)
}

func (s *Strip) transform(ctx context.Context, targets []*slice) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sl := range targets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			f, err := bitcode.NewFile(sl.body)
			if err != nil {
				return err
			}

			res, err := f.Strip(s.policy)
			if err != nil {
				return err
			}
			sl.res = res

			h := f.Header()
			cpu, sub := lmacho.ToCpuValues(lmacho.Cpu(h.CPU), lmacho.SubCpu(h.SubCPU))
			log.WithFields(log.Fields{
				"arch":       f.Arch(),
				"cputype":    cpu,
				"cpusubtype": sub,
				"policy":     s.policy,
				"bitcode":    res.HasBitcode,
				"in":         humanize.Bytes(uint64(len(sl.body))),
				"out":        humanize.Bytes(res.Plan.Size),
			}).Debug("slice transformed")
			return nil
		})
	}
	return g.Wait()
}

func perm(f string) (fs.FileMode, error) {
	info, err := os.Stat(f)
	if err != nil {
		return 0, err
	}
	perm := info.Mode().Perm() & 07777
	return perm, nil
}

func sameFile(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
