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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"statevsql/internal/logging"
	"statevsql/internal/metrics"
	"statevsql/internal/metrics/datadog"
	"statevsql/internal/metrics/prompush"
	"statevsql/internal/multitable"
	"statevsql/internal/trace"

	// register all backends with the storage factory.
	_ "statevsql/internal/storage/all"
)

const (
	exitOK      = 0
	exitError   = 1
	exitUsage   = 2
	exitNoInput = 3
)

// runner is the part of multitable.Runner the CLI needs.
type runner interface {
	Run(ctx context.Context, cfg multitable.Pipeline) (*multitable.Stats, error)
}

// appDeps are the seams of runMain. Production wiring is defaultDeps.
type appDeps struct {
	loadConfig  func(path string) (multitable.Pipeline, error)
	newLogger   func(verbose, json bool) (*zap.Logger, error)
	newRunner   func(log *zap.Logger, runID string) runner
	initMetrics func(ctx context.Context, cfg multitable.Pipeline, runID string, log *zap.Logger) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig: multitable.LoadPipeline,
		newLogger:  logging.New,
		newRunner: func(log *zap.Logger, runID string) runner {
			r := multitable.NewDefaultRunner(log)
			r.RunID = runID
			return r
		},
		initMetrics: initMetrics,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// cliFlags holds the raw flag values; only flags given on the command line
// override the config file.
type cliFlags struct {
	configPath string
	update     bool
	verbose    bool
	progress   bool
	logJSON    bool
	filter     string
	user       string
	host       string
	port       int
	password   string
	database   string
	engine     string
	prefix     string
	dsn        string
	encoding   string
	batchSize  int
	job        string

	metricsBackend string
	pushgatewayURL string
	metricsTags    string
}

func newFlagSet(stderr io.Writer, f *cliFlags) *flag.FlagSet {
	fs := flag.NewFlagSet("statev_sql", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: statev_sql [options] <event file...>")
		fs.PrintDefaults()
	}

	fs.StringVar(&f.configPath, "config", "", "pipeline config (YAML or JSON)")
	fs.BoolVar(&f.update, "update", false, "update database instead of dropping all existing values")
	fs.BoolVar(&f.verbose, "v", false, "verbose messages")
	fs.BoolVar(&f.progress, "progress", false, "report progress without other verbose messages")
	fs.BoolVar(&f.logJSON, "log-json", false, "emit JSON logs")
	fs.StringVar(&f.filter, "f", "", "regexp to filter event keys (matched at the start of the key)")
	fs.StringVar(&f.user, "u", "", "user")
	fs.StringVar(&f.host, "h", "", "host")
	fs.IntVar(&f.port, "port", 0, "port")
	fs.StringVar(&f.password, "p", "", "password")
	fs.StringVar(&f.database, "D", "", "database (file name for sqlite and duckdb)")
	fs.StringVar(&f.engine, "e", "sqlite3", "engine (sqlite3, sqlite, postgres, mssql, duckdb)")
	fs.StringVar(&f.prefix, "P", "", "table prefix")
	fs.StringVar(&f.dsn, "dsn", "", "backend DSN; overrides -h/-u/-p/-D ($VARS are expanded)")
	fs.StringVar(&f.encoding, "encoding", "", "charset of the input files (default UTF-8)")
	fs.IntVar(&f.batchSize, "batch-size", 0, "event rows per insert batch")
	fs.StringVar(&f.job, "job", "", "job name used in logs and metrics")
	fs.StringVar(&f.metricsBackend, "metrics-backend", "", "metrics backend to use (none, pushgateway, datadog)")
	fs.StringVar(&f.pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.StringVar(&f.metricsTags, "metrics-tags", "", "extra comma-separated metric tags (adds to env METRICS_TAGS)")
	return fs
}

// applyFlags copies every flag that was set explicitly onto cfg.
func applyFlags(fs *flag.FlagSet, f *cliFlags, cfg *multitable.Pipeline) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "update":
			cfg.Storage.Update = f.update
		case "v":
			cfg.Runtime.Verbose = f.verbose
		case "progress":
			cfg.Runtime.Progress = f.progress
		case "f":
			cfg.Filter = f.filter
		case "u":
			cfg.Storage.Conn.User = f.user
		case "h":
			cfg.Storage.Conn.Host = f.host
		case "port":
			cfg.Storage.Conn.Port = f.port
		case "p":
			cfg.Storage.Conn.Password = f.password
		case "D":
			cfg.Storage.Conn.Database = f.database
		case "e":
			cfg.Storage.Kind = f.engine
		case "P":
			cfg.Storage.Prefix = f.prefix
		case "dsn":
			cfg.Storage.DSN = f.dsn
		case "encoding":
			cfg.Encoding = f.encoding
		case "batch-size":
			cfg.Runtime.BatchSize = f.batchSize
		case "job":
			cfg.Job = f.job
		case "metrics-backend":
			cfg.Metrics.Backend = f.metricsBackend
		case "pushgateway-url":
			cfg.Metrics.PushgatewayURL = f.pushgatewayURL
		case "metrics-tags":
			cfg.Metrics.Tags = append(cfg.Metrics.Tags, datadog.ParseTagsCSV(f.metricsTags)...)
		}
	})
	if cfg.Storage.Kind == "" {
		cfg.Storage.Kind = f.engine
	}
}

// runMain is main without process exit, so tests can drive it.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	var f cliFlags
	fs := newFlagSet(stderr, &f)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	var cfg multitable.Pipeline
	if strings.TrimSpace(f.configPath) != "" {
		var err error
		cfg, err = deps.loadConfig(f.configPath)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return exitError
		}
	}
	applyFlags(fs, &f, &cfg)
	if fs.NArg() > 0 {
		cfg.Inputs = fs.Args()
	}
	if len(cfg.Inputs) == 0 {
		fs.Usage()
		return exitError
	}

	if cfg.Metrics.Backend == "" {
		cfg.Metrics.Backend = os.Getenv("METRICS_BACKEND")
	}
	if cfg.Metrics.Backend == "pushgateway" && cfg.Metrics.PushgatewayURL == "" {
		cfg.Metrics.PushgatewayURL = os.Getenv("PUSHGATEWAY_URL")
		if cfg.Metrics.PushgatewayURL == "" {
			cfg.Metrics.PushgatewayURL = "http://localhost:9091"
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitError
	}

	log, err := deps.newLogger(cfg.Runtime.Verbose, f.logJSON)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return exitError
	}
	defer func() { _ = log.Sync() }()

	runID := uuid.NewString()

	cleanup, err := deps.initMetrics(ctx, cfg, runID, log)
	if err != nil {
		fmt.Fprintf(stderr, "metrics: %v\n", err)
		return exitError
	}
	defer cleanup()

	start := time.Now()
	stats, err := deps.newRunner(log, runID).Run(ctx, cfg)
	if err != nil {
		if errors.Is(err, trace.ErrNoInput) {
			fmt.Fprintln(stderr, err)
			return exitNoInput
		}
		fmt.Fprintf(stderr, "run: %v\n", err)
		return exitError
	}

	if cfg.Runtime.Verbose && stats != nil {
		log.Info("completed",
			zap.Duration("duration", time.Since(start).Truncate(time.Millisecond)),
			zap.Int("lines", stats.Lines),
			zap.Int64("context_rows", stats.ContextRows),
			zap.Int64("event_rows", stats.EventRows),
			zap.Int("open_frames", stats.OpenFrames),
		)
	}
	return exitOK
}

// metricsBackend is a metrics.Backend owning background resources.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(job, url string) (metricsBackend, error) {
		return prompush.NewBackend(job, url)
	}
	setMetricsBackend = func(b metrics.Backend) { metrics.SetBackend(b) }
)

// initMetrics installs the configured backend. The returned cleanup is never
// nil; it closes the backend, which performs the final flush.
func initMetrics(ctx context.Context, cfg multitable.Pipeline, runID string, log *zap.Logger) (func(), error) {
	log = logging.OrNop(log)

	var (
		b   metricsBackend
		err error
	)
	switch cfg.Metrics.Backend {
	case "", "none":
		log.Debug("metrics disabled")
		return func() {}, nil

	case "pushgateway":
		b, err = newPushBackend(cfg.Job, cfg.Metrics.PushgatewayURL)
		if err != nil {
			return func() {}, err
		}
		log.Debug("metrics enabled",
			zap.String("backend", "pushgateway"),
			zap.String("url", cfg.Metrics.PushgatewayURL),
			zap.String("job", cfg.Job),
		)

	case "datadog":
		tags := append([]string(nil), cfg.Metrics.Tags...)
		tags = append(tags, datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)
		tags = append(tags, "run_id:"+runID)
		b, err = newDatadogBackend(ctx, datadog.Options{
			JobName:    cfg.Job,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return func() {}, err
		}
		log.Debug("metrics enabled",
			zap.String("backend", "datadog"),
			zap.String("job", cfg.Job),
			zap.Strings("tags", tags),
		)

	default:
		return func() {}, fmt.Errorf("unknown metrics backend %q", cfg.Metrics.Backend)
	}

	setMetricsBackend(b)
	return func() {
		if err := b.Close(); err != nil {
			log.Warn("metrics close", zap.Error(err))
		}
		setMetricsBackend(nil)
	}, nil
}
