package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/integrii/flaggy"
	"github.com/konoui/bitcode_strip/pkg/bitcode"
	"github.com/konoui/bitcode_strip/pkg/strip"
	"github.com/konoui/bitcode_strip/pkg/util"
)

func fatal(w io.Writer, msg string) (exitCode int) {
	fmt.Fprintf(w, "Error %s\n", msg)
	fmt.Fprint(w, usage)
	return 1
}

func Execute(stdout, stderr io.Writer, args []string) (exitCode int) {
	var in, extra, out string
	remove, mark, isolate, verbose, help := false, false, false, false, false

	p := flaggy.NewParser(name)
	p.Description = description
	p.ShowHelpOnUnexpected = false
	p.ShowHelpWithHFlag = false
	p.ShowVersionWithVersionFlag = false
	p.Bool(&remove, "r", "remove", removeDescription)
	p.Bool(&mark, "m", "mark", markDescription)
	p.Bool(&isolate, "l", "leave", isolateDescription)
	p.Bool(&verbose, "v", "verbose", verboseDescription)
	p.String(&out, "o", "output", outputDescription)
	p.Bool(&help, "h", "help", helpDescription)
	p.AddPositionalValue(&in, "input", 1, false, "input file")
	p.AddPositionalValue(&extra, "extra", 2, false, "")

	if err := checkOutputFlag(args); err != nil {
		return fatal(stderr, err.Error())
	}
	if err := p.ParseArgs(args); err != nil {
		return fatal(stderr, err.Error())
	}
	if len(p.TrailingArguments) > 0 {
		return fatal(stderr, fmt.Sprintf("unknown argument(s): %v", p.TrailingArguments))
	}
	if help {
		fmt.Fprint(stdout, helpText())
		return 0
	}

	if policies(remove, mark, isolate) > 1 {
		return fatal(stderr, "only one of -r, -m or -l can be specified")
	}
	if extra != "" {
		return fatal(stderr, fmt.Sprintf("more than one input file specified (%s and %s)", extra, in))
	}
	if policies(remove, mark, isolate) == 0 {
		return fatal(stderr, "one of -r, -m or -l must specified")
	}
	if in == "" || out == "" {
		fmt.Fprint(stderr, usage)
		return 1
	}

	log.SetHandler(cli.New(stderr))
	log.SetLevel(log.InfoLevel)
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	policy := bitcode.Remove
	switch {
	case mark:
		policy = bitcode.Mark
	case isolate:
		policy = bitcode.Isolate
	}

	s := strip.New(
		strip.WithInput(in),
		strip.WithOutput(out),
		strip.WithPolicy(policy),
	)
	if err := s.Run(context.Background()); err != nil {
		return fatal(stderr, err.Error())
	}
	return 0
}

func helpText() string {
	b := &strings.Builder{}
	b.WriteString(usage)
	b.WriteString(description)
	b.WriteString("\nOptions:\n")
	for _, f := range [][2]string{
		{"-r", removeDescription},
		{"-m", markDescription},
		{"-l", isolateDescription},
		{"-o output", outputDescription},
		{"-v", verboseDescription},
		{"-h", helpDescription},
	} {
		fmt.Fprintf(b, "  %-10s %s\n", f[0], f[1])
	}
	return b.String()
}

// checkOutputFlag reports a -o without its value or given twice.
func checkOutputFlag(args []string) error {
	seen := false
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg != "-o" && arg != "--output" {
			continue
		}
		if i+1 == len(args) {
			return fmt.Errorf("missing argument(s) to: %s option", arg)
		}
		if seen {
			return fmt.Errorf("more than one: %s option specified", arg)
		}
		seen = true
		i++
	}
	return nil
}

func policies(flags ...bool) int {
	return util.Count(flags, func(f bool) bool { return f })
}
