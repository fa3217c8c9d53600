package multitable

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"statevsql/internal/logging"
	"statevsql/internal/metrics"
	"statevsql/internal/schema"
	"statevsql/internal/storage"
	"statevsql/internal/trace"
)

// Engine2Pass converts a state-event trace in two passes:
//   - Pass 1: discover the context and event columns in first-seen order.
//   - Pass 2: replay the trace, materialize context rows lazily and write
//     event rows in batches under the active context id.
//
// Only the two registries and one batch of event rows are held in memory.
type Engine2Pass struct {
	Repo   storage.MultiRepository
	Logger *zap.Logger

	// Diagnostics optionally receives every non-fatal diagnostic in addition
	// to the warning log.
	Diagnostics trace.DiagFunc
}

// Stats summarizes a finished run.
type Stats struct {
	Lines       int
	EventLines  int
	ContextRows int64
	EventRows   int64
	Batches     int
	Diagnostics map[trace.DiagKind]int

	// OpenFrames is the number of contexts still pushed at end of input.
	OpenFrames int

	ContextColumns []string
	EventColumns   []string
}

// Tables returns the table specs derived from a discovery result. Context
// columns default to text and event columns to data; the $ and ? prefixes
// override the default.
func Tables(cfg Pipeline, res *schema.Result) (ctxSpec, evSpec storage.TableSpec) {
	ctxSpec = storage.TableSpec{
		Name:    cfg.ContextTable(),
		Key:     storage.KeySpec{Name: storage.KeyColumn, Kind: storage.KeyGenerated},
		Columns: res.Context.Columns(storage.TypeText),
	}
	evSpec = storage.TableSpec{
		Name:    cfg.EventTable(),
		Key:     storage.KeySpec{Name: storage.KeyColumn, Kind: storage.KeyReference},
		Columns: res.Event.Columns(storage.TypeData),
	}
	return ctxSpec, evSpec
}

// Run executes both passes over src and commits. On error nothing is
// committed; the caller closes the repository, which rolls back.
func (e *Engine2Pass) Run(ctx context.Context, cfg Pipeline, src trace.Source) (*Stats, error) {
	if e.Repo == nil {
		return nil, fmt.Errorf("engine: Repo is required")
	}
	cfg.ApplyDefaults()

	log := logging.OrNop(e.Logger)
	stats := &Stats{Diagnostics: make(map[trace.DiagKind]int)}
	diag := e.diagSink(log, stats)

	filter, err := schema.CompileFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}

	// Pass 1: schema discovery.
	if cfg.Runtime.Verbose {
		log.Info("determining schema...")
	}
	start := time.Now()
	res, err := schema.Discover(ctx, src, filter, diag)
	e.stageDone(log, "discover", start, err)
	if err != nil {
		return stats, fmt.Errorf("discover: %w", err)
	}
	stats.EventLines = res.EventLines
	stats.ContextColumns = res.Context.Names()
	stats.EventColumns = res.Event.Names()
	if cfg.Runtime.Verbose {
		log.Info("context schema", zap.Strings("columns", stats.ContextColumns))
		log.Info("event schema", zap.Strings("columns", stats.EventColumns))
	}

	ctxSpec, evSpec := Tables(cfg, res)
	for _, spec := range []storage.TableSpec{ctxSpec, evSpec} {
		if err := spec.Validate(); err != nil {
			return stats, fmt.Errorf("schema: %w", err)
		}
	}

	start = time.Now()
	err = e.Repo.EnsureTables(ctx, []storage.TableSpec{ctxSpec, evSpec})
	e.stageDone(log, "ddl", start, err)
	if err != nil {
		return stats, err
	}

	// Pass 2: fill.
	if cfg.Runtime.Verbose {
		log.Info("filling tables...")
	}
	start = time.Now()
	f := newFiller(ctx, e.Repo, cfg, res, ctxSpec, evSpec, log, diag, stats)
	err = src.Scan(ctx, f.line)
	if err == nil {
		err = f.finish()
	}
	f.release()
	f.emitLineCounts()
	e.stageDone(log, "fill", start, err,
		zap.Int64("context_rows", stats.ContextRows),
		zap.Int64("event_rows", stats.EventRows),
		zap.Int("batches", stats.Batches),
	)
	if err != nil {
		return stats, fmt.Errorf("fill: %w", err)
	}

	if cfg.Runtime.Verbose {
		log.Info("committing...")
	}
	start = time.Now()
	err = e.Repo.Commit(ctx)
	e.stageDone(log, "commit", start, err)
	if err != nil {
		return stats, fmt.Errorf("commit: %w", err)
	}
	return stats, nil
}

// diagSink logs and counts a diagnostic, then forwards it.
func (e *Engine2Pass) diagSink(log *zap.Logger, stats *Stats) trace.DiagFunc {
	return func(d trace.Diagnostic) {
		stats.Diagnostics[d.Kind]++
		metrics.IncCounter(metrics.DiagnosticsTotal, 1, metrics.Labels{"kind": string(d.Kind)})

		fields := []zap.Field{zap.String("kind", string(d.Kind))}
		if d.Line > 0 {
			fields = append(fields, zap.Int("line", d.Line))
		}
		if d.Op != 0 {
			fields = append(fields, zap.String("op", d.Op.String()))
		}
		if d.PushKey != "" {
			fields = append(fields, zap.String("push_key", d.PushKey))
		}
		if d.PopKey != "" {
			fields = append(fields, zap.String("pop_key", d.PopKey))
		}
		log.Warn(d.String(), fields...)

		e.Diagnostics.Report(d)
	}
}

func (e *Engine2Pass) stageDone(log *zap.Logger, stage string, start time.Time, err error, extra ...zap.Field) {
	d := time.Since(start)
	metrics.RecordStep(stage, err, d)

	fields := append([]zap.Field{
		zap.String("stage", stage),
		zap.Duration("duration", d.Truncate(time.Millisecond)),
	}, extra...)
	if err != nil {
		log.Error("stage failed", append(fields, zap.Error(err))...)
		return
	}
	log.Debug("stage ok", fields...)
}

// filler holds the state of the second pass.
type filler struct {
	ctx  context.Context
	repo storage.MultiRepository
	log  *zap.Logger
	diag trace.DiagFunc

	ctxSpec  storage.TableSpec
	evSpec   storage.TableSpec
	ctxTypes []storage.ColumnType
	ctxArgs  []any

	stack  *contextStack
	events *eventBuffer

	batch     []*Row
	batchSize int

	stats *Stats

	progress  bool
	total     int
	seen      int
	lastTenth int
	lastLine  int

	opLines map[trace.Op]int
}

func newFiller(
	ctx context.Context,
	repo storage.MultiRepository,
	cfg Pipeline,
	res *schema.Result,
	ctxSpec, evSpec storage.TableSpec,
	log *zap.Logger,
	diag trace.DiagFunc,
	stats *Stats,
) *filler {
	ctxTypes := ctxSpec.ColumnTypes()
	return &filler{
		ctx:       ctx,
		repo:      repo,
		log:       log,
		diag:      diag,
		ctxSpec:   ctxSpec,
		evSpec:    evSpec,
		ctxTypes:  ctxTypes,
		ctxArgs:   make([]any, len(ctxTypes)),
		stack:     newContextStack(res.Context),
		events:    newEventBuffer(res.Event, evSpec.ColumnTypes()),
		batch:     make([]*Row, 0, cfg.Runtime.BatchSize),
		batchSize: cfg.Runtime.BatchSize,
		stats:     stats,
		progress:  cfg.progress(),
		total:     res.EventLines,
		lastTenth: -1,
		opLines:   make(map[trace.Op]int, 3),
	}
}

func (f *filler) line(l trace.Line) error {
	f.stats.Lines++
	f.lastLine = l.No
	f.opLines[l.Op]++

	switch l.Op {
	case trace.OpPush:
		if err := f.flushEvents(l.No); err != nil {
			return err
		}
		for i := 0; i < l.Pairs(); i++ {
			k, v := l.Pair(i)
			if err := f.stack.push(l.No, k, v); err != nil {
				return err
			}
		}

	case trace.OpPop:
		if err := f.flushContext(); err != nil {
			return err
		}
		// Keys are popped in reverse so that "O;a;b" undoes "P;a;..;b;..".
		for i := len(l.Fields) - 1; i >= 0; i-- {
			if err := f.flushEvents(l.No); err != nil {
				return err
			}
			label := l.Fields[i]
			key, err := f.stack.pop(l.No, label)
			if err != nil {
				return err
			}
			if key != label {
				f.diag.Report(trace.Diagnostic{
					Kind:    trace.DiagUnmatchedPop,
					Line:    l.No,
					Op:      l.Op,
					PushKey: key,
					PopKey:  label,
				})
			}
		}

	case trace.OpEvent:
		f.seen++
		if err := f.flushContext(); err != nil {
			return err
		}
		f.reportProgress()
		for i := 0; i < l.Pairs(); i++ {
			k, v := l.Pair(i)
			slot, ok := f.events.slot(k)
			if !ok {
				continue
			}
			if f.events.isSet(slot) {
				if err := f.flushEvents(l.No); err != nil {
					return err
				}
			}
			f.events.set(slot, v)
		}
	}
	return nil
}

// finish completes the event row under construction and writes the last
// batch. A context pushed but never followed by an event or pop is not
// materialized.
func (f *filler) finish() error {
	if err := f.flushEvents(f.lastLine); err != nil {
		return err
	}
	if n := f.stack.depth(); n > 0 {
		f.stats.OpenFrames = n
		for _, k := range f.stack.openKeys() {
			f.diag.Report(trace.Diagnostic{Kind: trace.DiagUnclosedContext, Line: f.lastLine, PushKey: k})
		}
	}
	return f.writeBatch()
}

func (f *filler) flushContext() error {
	return f.stack.flush(func(values []any) (int64, error) {
		storage.BindRow(f.ctxTypes, values, f.ctxArgs)
		id, err := f.repo.InsertContextRow(f.ctx, f.ctxSpec, f.ctxArgs)
		if err != nil {
			return 0, err
		}
		f.stats.ContextRows++
		metrics.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"table": "ctx"})
		return id, nil
	})
}

func (f *filler) flushEvents(line int) error {
	r := f.events.take(f.stack.active, line)
	if r == nil {
		return nil
	}
	f.batch = append(f.batch, r)
	if len(f.batch) >= f.batchSize {
		return f.writeBatch()
	}
	return nil
}

func (f *filler) writeBatch() error {
	if len(f.batch) == 0 {
		return nil
	}
	rows := make([][]any, len(f.batch))
	for i, r := range f.batch {
		rows[i] = r.V
	}

	start := time.Now()
	if _, err := f.repo.InsertFactRows(f.ctx, f.evSpec, rows); err != nil {
		return fmt.Errorf("event rows up to line %d: %w", f.batch[len(f.batch)-1].Line, err)
	}
	f.log.Debug("batch written",
		zap.String("table", f.evSpec.Name),
		zap.Int("rows", len(rows)),
		zap.Duration("duration", time.Since(start).Truncate(time.Millisecond)),
	)

	f.stats.EventRows += int64(len(rows))
	f.stats.Batches++
	metrics.IncCounter(metrics.RowsTotal, float64(len(rows)), metrics.Labels{"table": "ev"})
	metrics.IncCounter(metrics.BatchesTotal, 1, nil)

	f.release()
	return nil
}

// release returns the rows of the current batch to the pool.
func (f *filler) release() {
	for _, r := range f.batch {
		r.Free()
	}
	f.batch = f.batch[:0]
}

// reportProgress logs processed/total every time another tenth of the event
// lines is reached. The first event always reports.
func (f *filler) reportProgress() {
	if !f.progress || f.total == 0 {
		return
	}
	tenth := f.seen * 10 / f.total
	if tenth <= f.lastTenth {
		return
	}
	f.lastTenth = tenth
	f.log.Info(fmt.Sprintf("%10d / %10d", f.seen, f.total), zap.Int("event", f.seen), zap.Int("total", f.total))
}

func (f *filler) emitLineCounts() {
	for op, n := range f.opLines {
		metrics.IncCounter(metrics.LinesTotal, float64(n), metrics.Labels{"op": op.String()})
	}
}
