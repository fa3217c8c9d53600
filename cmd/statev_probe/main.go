// Command statev_probe samples state-event traces and prints a starter
// pipeline config for statev_sql.
//
// It runs schema discovery over the first -n lines of the inputs without
// touching a database and emits either:
//
//   - the generated pipeline as YAML on stdout (default), or
//   - a column report (-report) listing every discovered key, its column name
//     and type, plus any conflicts that would make the conversion fail.
//
// The DSN written into the config is taken from -dsn, then from the DSN
// environment variable. It is left empty otherwise, so statev_sql falls back
// to the connection parameters.
//
// Exit codes: 0 ok, 1 error or schema conflicts, 2 usage, 3 no readable input.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"statevsql/internal/logging"
	"statevsql/internal/probe"
	"statevsql/internal/trace"
)

const (
	exitOK      = 0
	exitError   = 1
	exitUsage   = 2
	exitNoInput = 3
)

type appDeps struct {
	newLogger  func(verbose, json bool) (*zap.Logger, error)
	newObjects func(ctx context.Context, cfg trace.S3Config) (trace.ObjectStore, error)
}

func defaultDeps() appDeps {
	return appDeps{
		newLogger: logging.New,
		newObjects: func(ctx context.Context, cfg trace.S3Config) (trace.ObjectStore, error) {
			return trace.NewS3Objects(ctx, cfg)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("statev_probe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: statev_probe [options] <event file...>")
		fs.PrintDefaults()
	}

	var (
		maxLines = fs.Int("n", 100000, "number of lines to sample; 0 reads all input")
		filter   = fs.String("f", "", "regexp to filter event keys (matched at the start of the key)")
		engine   = fs.String("e", "sqlite", "engine written into the config (sqlite, postgres, mssql, duckdb)")
		database = fs.String("D", "", "database written into the config")
		dsn      = fs.String("dsn", "", "DSN written into the config (default: env DSN)")
		prefix   = fs.String("P", "", "table prefix")
		job      = fs.String("job", "", "job name")
		charset  = fs.String("encoding", "", "charset of the input files (default UTF-8)")
		report   = fs.Bool("report", false, "print a column report instead of the config")
		timeout  = fs.Duration("timeout", 5*time.Minute, "abort the probe after this long")
		verbose  = fs.Bool("v", false, "verbose messages")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}
	inputs := fs.Args()

	log, err := deps.newLogger(*verbose, false)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return exitError
	}
	defer func() { _ = log.Sync() }()

	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	opener := &trace.Opener{Encoding: *charset}
	if trace.HasS3Inputs(inputs) {
		objs, err := deps.newObjects(ctx, trace.S3Config{})
		if err != nil {
			fmt.Fprintf(stderr, "s3: %v\n", err)
			return exitError
		}
		opener.Objects = objs
	}
	kept, err := trace.ResolveInputs(ctx, opener, inputs, func(d trace.Diagnostic) {
		log.Warn(d.String(), zap.String("input", d.Input))
	})
	if err != nil {
		if errors.Is(err, trace.ErrNoInput) {
			fmt.Fprintln(stderr, err)
			return exitNoInput
		}
		fmt.Fprintf(stderr, "inputs: %v\n", err)
		return exitError
	}

	opt := probe.Options{
		MaxLines: *maxLines,
		Filter:   *filter,
		Job:      *job,
		Backend:  strings.ToLower(strings.TrimSpace(*engine)),
		Database: *database,
		DSN:      resolveDSN(*dsn),
		Prefix:   *prefix,
		Encoding: *charset,
	}
	rep, err := probe.Probe(ctx, &trace.Files{Names: kept, Opener: opener}, opt)
	if err != nil {
		fmt.Fprintf(stderr, "probe: %v\n", err)
		return exitError
	}
	log.Debug("probe done",
		zap.Int("lines", rep.Lines),
		zap.Int("context_columns", len(rep.Context)),
		zap.Int("event_columns", len(rep.Event)),
		zap.Bool("truncated", rep.Truncated),
	)

	if *report {
		fmt.Fprint(stdout, rep.String())
		return exitOK
	}

	cfg := probe.Pipeline(kept, opt)
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		fmt.Fprintf(stderr, "encode config: %v\n", err)
		return exitError
	}
	if err := enc.Close(); err != nil {
		fmt.Fprintf(stderr, "encode config: %v\n", err)
		return exitError
	}

	if len(rep.Problems) > 0 {
		for _, p := range rep.Problems {
			fmt.Fprintf(stderr, "problem: %s\n", p)
		}
		return exitError
	}
	return exitOK
}

// resolveDSN picks the -dsn flag, then the DSN environment variable.
func resolveDSN(flagDSN string) string {
	if s := strings.TrimSpace(flagDSN); s != "" {
		return s
	}
	return strings.TrimSpace(os.Getenv("DSN"))
}
