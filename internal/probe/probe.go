// Package probe inspects a trace without writing anything: it runs schema
// discovery over a bounded prefix of the input and derives a starter pipeline
// config and a human readable column report from the result.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"statevsql/internal/multitable"
	"statevsql/internal/schema"
	"statevsql/internal/storage"
	"statevsql/internal/trace"
)

// Options controls a probe run.
type Options struct {
	// MaxLines bounds the number of physical lines read; 0 reads everything.
	MaxLines int
	Filter   string

	// Fields copied into the generated config.
	Job      string
	Backend  string
	Database string
	DSN      string
	Prefix   string
	Encoding string
}

// Column is one discovered column.
type Column struct {
	Key  string             `yaml:"key"`
	Name string             `yaml:"name"`
	Type storage.ColumnType `yaml:"type"`
}

// Report is the result of a probe.
type Report struct {
	Lines      int      `yaml:"lines"`
	EventLines int      `yaml:"event_lines"`
	Malformed  int      `yaml:"malformed"`
	Truncated  bool     `yaml:"truncated"`
	Context    []Column `yaml:"context"`
	Event      []Column `yaml:"event"`

	// Problems lists schema conflicts that would make the conversion fail,
	// such as two keys mapping onto the same column name.
	Problems []string `yaml:"problems,omitempty"`
}

var errLimit = errors.New("probe: line limit reached")

// limited stops a source after max physical lines.
type limited struct {
	src trace.Source
	max int

	truncated bool
}

func (l *limited) Scan(ctx context.Context, fn func(trace.Line) error) error {
	if l.max <= 0 {
		return l.src.Scan(ctx, fn)
	}
	err := l.src.Scan(ctx, func(ln trace.Line) error {
		if ln.No > l.max {
			l.truncated = true
			return errLimit
		}
		return fn(ln)
	})
	if errors.Is(err, errLimit) {
		return nil
	}
	return err
}

// Probe discovers the schema of src.
func Probe(ctx context.Context, src trace.Source, opt Options) (*Report, error) {
	filter, err := schema.CompileFilter(opt.Filter)
	if err != nil {
		return nil, err
	}

	lim := &limited{src: src, max: opt.MaxLines}
	res, err := schema.Discover(ctx, lim, filter, nil)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		Lines:      res.Lines,
		EventLines: res.EventLines,
		Malformed:  res.Malformed,
		Truncated:  lim.truncated,
		Context:    columns(res.Context, storage.TypeText),
		Event:      columns(res.Event, storage.TypeData),
	}

	ctxSpec, evSpec := multitable.Tables(Pipeline(nil, opt), res)
	for _, spec := range []storage.TableSpec{ctxSpec, evSpec} {
		if err := spec.Validate(); err != nil {
			rep.Problems = append(rep.Problems, err.Error())
		}
	}
	return rep, nil
}

func columns(reg *schema.Registry, def storage.ColumnType) []Column {
	specs := reg.Columns(def)
	out := make([]Column, len(specs))
	for i, key := range reg.Names() {
		out[i] = Column{Key: key, Name: specs[i].Name, Type: specs[i].Type}
	}
	return out
}

// Pipeline returns a config that converts inputs with the probed settings.
func Pipeline(inputs []string, opt Options) multitable.Pipeline {
	cfg := multitable.Pipeline{
		Job:      opt.Job,
		Inputs:   inputs,
		Filter:   opt.Filter,
		Encoding: opt.Encoding,
		Storage: multitable.Storage{
			Kind:   opt.Backend,
			DSN:    opt.DSN,
			Prefix: opt.Prefix,
		},
	}
	cfg.Storage.Conn.Database = opt.Database
	cfg.ApplyDefaults()
	return cfg
}

// String renders the report as aligned text.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "lines: %d (event lines: %d, malformed: %d)", r.Lines, r.EventLines, r.Malformed)
	if r.Truncated {
		b.WriteString(" [truncated]")
	}
	b.WriteByte('\n')

	section := func(title string, cols []Column) {
		fmt.Fprintf(&b, "%s columns: %d\n", title, len(cols))
		for _, c := range cols {
			fmt.Fprintf(&b, "  %-24s %-24s %s\n", c.Key, c.Name, c.Type)
		}
	}
	section("context", r.Context)
	section("event", r.Event)

	for _, p := range r.Problems {
		fmt.Fprintf(&b, "problem: %s\n", p)
	}
	return b.String()
}
