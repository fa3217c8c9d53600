package trace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNoInput is returned when none of the named inputs can be read.
var ErrNoInput = errors.New("no input file to process")

// Source is a finite trace that can be read from the start any number of
// times. Line numbers run continuously across all inputs of a source.
type Source interface {
	// Scan calls fn for every operation line in order. Scanning stops at the
	// first error returned by fn or by the underlying reader.
	Scan(ctx context.Context, fn func(Line) error) error
}

// ctxCheckEvery bounds how many lines are read between cancellation checks.
const ctxCheckEvery = 4096

// Files reads a list of named inputs (see Opener) as one trace.
type Files struct {
	Names  []string
	Opener *Opener
}

// ResolveInputs keeps the inputs that exist, reporting each missing one as a
// DiagMissingInput diagnostic. It returns ErrNoInput when nothing is left.
func ResolveInputs(ctx context.Context, op *Opener, names []string, diag DiagFunc) ([]string, error) {
	kept := make([]string, 0, len(names))
	for _, name := range names {
		ok, err := op.Exists(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			diag.Report(Diagnostic{Kind: DiagMissingInput, Input: name})
			continue
		}
		kept = append(kept, name)
	}
	if len(kept) == 0 {
		return nil, ErrNoInput
	}
	return kept, nil
}

func (f *Files) Scan(ctx context.Context, fn func(Line) error) error {
	op := f.Opener
	if op == nil {
		op = &Opener{}
	}

	no := 0
	for _, name := range f.Names {
		rc, err := op.Open(ctx, name)
		if err != nil {
			return err
		}
		err = scanReader(ctx, rc, &no, fn)
		cerr := rc.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if cerr != nil {
			return fmt.Errorf("%s: close: %w", name, cerr)
		}
	}
	return nil
}

// scanReader reads lines of any length from r. no is the running line
// counter shared by all inputs of a source; it counts every physical line,
// including blank ones.
func scanReader(ctx context.Context, r io.Reader, no *int, fn func(Line) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		s, err := br.ReadString('\n')
		if len(s) > 0 {
			*no++
			if *no%ctxCheckEvery == 0 {
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
			}
			if l, ok := ParseLine(*no, s); ok {
				if ferr := fn(l); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Lines is an in-memory trace, one element per physical line.
type Lines []string

func (ls Lines) Scan(ctx context.Context, fn func(Line) error) error {
	no := 0
	return scanReader(ctx, strings.NewReader(strings.Join(ls, "\n")), &no, fn)
}
