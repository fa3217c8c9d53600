package multitable

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"statevsql/internal/storage"
	"statevsql/internal/trace"
)

// fakeMultiRepo records every sink call. Values are copied because the
// engine reuses its argument slices.
type fakeMultiRepo struct {
	tables    []storage.TableSpec
	ctxRows   [][]any
	factRows  [][]any
	factCalls int
	commits   int
	closed    int

	nextID    int64
	ctxErr    error
	factErr   error
	commitErr error
}

func newFakeMultiRepo() *fakeMultiRepo { return &fakeMultiRepo{} }

func (r *fakeMultiRepo) Close() { r.closed++ }

func (r *fakeMultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	r.tables = append([]storage.TableSpec(nil), tables...)
	return nil
}

func (r *fakeMultiRepo) InsertContextRow(ctx context.Context, table storage.TableSpec, values []any) (int64, error) {
	if r.ctxErr != nil {
		return 0, r.ctxErr
	}
	r.ctxRows = append(r.ctxRows, append([]any(nil), values...))
	r.nextID++
	return r.nextID, nil
}

func (r *fakeMultiRepo) InsertFactRows(ctx context.Context, table storage.TableSpec, rows [][]any) (int64, error) {
	if r.factErr != nil {
		return 0, r.factErr
	}
	r.factCalls++
	for _, row := range rows {
		r.factRows = append(r.factRows, append([]any(nil), row...))
	}
	return int64(len(rows)), nil
}

func (r *fakeMultiRepo) Commit(ctx context.Context) error {
	if r.commitErr != nil {
		return r.commitErr
	}
	r.commits++
	return nil
}

func minimalPipeline() Pipeline {
	p := Pipeline{}
	p.ApplyDefaults()
	return p
}

func runLines(t *testing.T, cfg Pipeline, lines ...string) (*fakeMultiRepo, *Stats, error) {
	t.Helper()
	repo := newFakeMultiRepo()
	e := &Engine2Pass{Repo: repo}
	stats, err := e.Run(context.Background(), cfg, trace.Lines(lines))
	return repo, stats, err
}

func TestEngine_RequiresRepo(t *testing.T) {
	e := &Engine2Pass{}
	if _, err := e.Run(context.Background(), minimalPipeline(), trace.Lines{}); err == nil {
		t.Fatalf("expected error without repo")
	}
}

func TestEngine_SiteClicks(t *testing.T) {
	repo, stats, err := runLines(t, minimalPipeline(), "P;$site;home", "E;clicks;3", "O;site")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(repo.tables) != 2 || repo.tables[0].Name != "ctx" || repo.tables[1].Name != "ev" {
		t.Fatalf("tables=%+v", repo.tables)
	}
	wantCtx := []storage.ColumnSpec{{Name: "site", Type: storage.TypeText}}
	if !reflect.DeepEqual(repo.tables[0].Columns, wantCtx) {
		t.Fatalf("ctx columns=%+v", repo.tables[0].Columns)
	}
	if repo.tables[0].Key.Kind != storage.KeyGenerated || repo.tables[1].Key.Kind != storage.KeyReference {
		t.Fatalf("key kinds=%s,%s", repo.tables[0].Key.Kind, repo.tables[1].Key.Kind)
	}

	if !reflect.DeepEqual(repo.ctxRows, [][]any{{"home"}}) {
		t.Fatalf("ctx rows=%v", repo.ctxRows)
	}
	if !reflect.DeepEqual(repo.factRows, [][]any{{int64(1), 3.0}}) {
		t.Fatalf("event rows=%v", repo.factRows)
	}
	if repo.commits != 1 {
		t.Fatalf("commits=%d", repo.commits)
	}
	// The pop label "site" differs from the pushed key "$site".
	if stats.Diagnostics[trace.DiagUnmatchedPop] != 1 {
		t.Fatalf("diagnostics=%v", stats.Diagnostics)
	}
	if stats.OpenFrames != 0 || stats.ContextRows != 1 || stats.EventRows != 1 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestEngine_Scenarios(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		lines    []string
		wantCtx  [][]any
		wantEv   [][]any
		wantDiag map[trace.DiagKind]int
		wantOpen int
	}{
		{
			name:    "consecutive_pushes_coalesce",
			lines:   []string{"P;a;1", "P;b;2", "E;x;1", "O;b", "O;a"},
			wantCtx: [][]any{{"1", "2"}},
			wantEv:  [][]any{{int64(1), 1.0}},
		},
		{
			name:   "repeated_key_splits_rows",
			lines:  []string{"E;x;1;x;2"},
			wantEv: [][]any{{NoContext, 1.0}, {NoContext, 2.0}},
		},
		{
			// The row is created at the first pop; that pop restores the id
			// saved by the second push, which is still -1.
			name:    "pop_restores_id_saved_at_push",
			lines:   []string{"P;a;1", "P;b;2", "O;b", "E;x;4", "O;a"},
			wantCtx: [][]any{{"1", "2"}},
			wantEv:  [][]any{{NoContext, 4.0}},
		},
		{
			name:    "nested_contexts",
			lines:   []string{"P;a;1", "E;x;1", "P;b;2", "E;x;2", "O;b", "E;x;3", "O;a", "E;x;4"},
			wantCtx: [][]any{{"1", nil}, {"1", "2"}},
			wantEv:  [][]any{{int64(1), 1.0}, {int64(2), 2.0}, {int64(1), 3.0}, {NoContext, 4.0}},
		},
		{
			name:    "multi_key_pop_in_reverse",
			lines:   []string{"P;a;1;b;2", "E;x;1", "O;a;b"},
			wantCtx: [][]any{{"1", "2"}},
			wantEv:  [][]any{{int64(1), 1.0}},
		},
		{
			name:     "swapped_pop_labels_report_mismatch",
			lines:    []string{"P;a;1;b;2", "E;x;1", "O;b;a"},
			wantCtx:  [][]any{{"1", "2"}},
			wantEv:   [][]any{{int64(1), 1.0}},
			wantDiag: map[trace.DiagKind]int{trace.DiagUnmatchedPop: 2},
		},
		{
			name:    "filter_drops_keys",
			filter:  "k",
			lines:   []string{"E;keep;1;drop;2;other;3"},
			wantEv:  [][]any{{NoContext, 1.0}},
		},
		{
			name:   "typed_event_columns",
			lines:  []string{"E;n;2.5;$s;abc;?b;yes;n2;oops"},
			wantEv: [][]any{{NoContext, 2.5, "abc", true, "oops"}},
		},
		{
			name:     "malformed_line_uses_whole_pairs",
			lines:    []string{"E;x;1;y"},
			wantEv:   [][]any{{NoContext, 1.0}},
			wantDiag: map[trace.DiagKind]int{trace.DiagMalformedLine: 1},
		},
		{
			name:     "pending_events_flushed_at_end",
			lines:    []string{"P;a;1", "E;x;7"},
			wantCtx:  [][]any{{"1"}},
			wantEv:   [][]any{{int64(1), 7.0}},
			wantDiag: map[trace.DiagKind]int{trace.DiagUnclosedContext: 1},
			wantOpen: 1,
		},
		{
			name:     "pending_context_without_events_not_written",
			lines:    []string{"P;a;1"},
			wantDiag: map[trace.DiagKind]int{trace.DiagUnclosedContext: 1},
			wantOpen: 1,
		},
		{
			name:   "blank_and_unknown_lines_ignored",
			lines:  []string{"", "  ", "X;x;1", "E;x;1", "# comment"},
			wantEv: [][]any{{NoContext, 1.0}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := minimalPipeline()
			cfg.Filter = tc.filter
			repo, stats, err := runLines(t, cfg, tc.lines...)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(repo.ctxRows) != len(tc.wantCtx) || (len(tc.wantCtx) > 0 && !reflect.DeepEqual(repo.ctxRows, tc.wantCtx)) {
				t.Fatalf("ctx rows=%v want %v", repo.ctxRows, tc.wantCtx)
			}
			if len(repo.factRows) != len(tc.wantEv) || (len(tc.wantEv) > 0 && !reflect.DeepEqual(repo.factRows, tc.wantEv)) {
				t.Fatalf("event rows=%v want %v", repo.factRows, tc.wantEv)
			}
			for k, n := range tc.wantDiag {
				if stats.Diagnostics[k] != n {
					t.Fatalf("diagnostics=%v want %v", stats.Diagnostics, tc.wantDiag)
				}
			}
			if len(tc.wantDiag) == 0 && len(stats.Diagnostics) != 0 {
				t.Fatalf("unexpected diagnostics=%v", stats.Diagnostics)
			}
			if stats.OpenFrames != tc.wantOpen {
				t.Fatalf("open frames=%d want %d", stats.OpenFrames, tc.wantOpen)
			}
		})
	}
}

func TestEngine_FatalTraceErrors(t *testing.T) {
	tests := []struct {
		name     string
		lines    []string
		want     error
		wantLine int
	}{
		{name: "duplicate_push_same_line", lines: []string{"P;a;1;a;2"}, want: ErrDuplicatePush, wantLine: 1},
		{name: "duplicate_push_nested", lines: []string{"E;x;1", "P;a;1", "P;a;2"}, want: ErrDuplicatePush, wantLine: 3},
		{name: "pop_on_empty_stack", lines: []string{"E;x;1", "O;a"}, want: ErrStackUnderflow, wantLine: 2},
		{name: "pop_more_than_pushed", lines: []string{"P;a;1", "O;a;b"}, want: ErrStackUnderflow, wantLine: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo, _, err := runLines(t, minimalPipeline(), tc.lines...)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
			var le *LineError
			if !errors.As(err, &le) || le.Line != tc.wantLine {
				t.Fatalf("line error=%+v want line %d", le, tc.wantLine)
			}
			if repo.commits != 0 {
				t.Fatalf("must not commit after a fatal error")
			}
		})
	}
}

func TestEngine_SinkErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	for _, tc := range []struct {
		name string
		set  func(r *fakeMultiRepo)
	}{
		{name: "context_insert", set: func(r *fakeMultiRepo) { r.ctxErr = boom }},
		{name: "fact_insert", set: func(r *fakeMultiRepo) { r.factErr = boom }},
		{name: "commit", set: func(r *fakeMultiRepo) { r.commitErr = boom }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			repo := newFakeMultiRepo()
			tc.set(repo)
			e := &Engine2Pass{Repo: repo}
			_, err := e.Run(context.Background(), minimalPipeline(), trace.Lines{"P;a;1", "E;x;1", "O;a"})
			if !errors.Is(err, boom) {
				t.Fatalf("err=%v want boom", err)
			}
			if repo.commits != 0 {
				t.Fatalf("commits=%d", repo.commits)
			}
		})
	}
}

func TestEngine_BatchesEventRows(t *testing.T) {
	cfg := minimalPipeline()
	cfg.Runtime.BatchSize = 2

	lines := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		lines = append(lines, fmt.Sprintf("E;x;%d", i))
	}
	repo, stats, err := runLines(t, cfg, lines...)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// x repeats on every line, so each E line after the first closes a row.
	if repo.factCalls != 3 || len(repo.factRows) != 5 || stats.Batches != 3 {
		t.Fatalf("fact calls=%d rows=%d batches=%d", repo.factCalls, len(repo.factRows), stats.Batches)
	}
	for i, row := range repo.factRows {
		if row[1] != float64(i) {
			t.Fatalf("row %d=%v (pooled rows must not be shared)", i, row)
		}
	}
}

func TestEngine_VerboseLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	lines := []string{"P;a;1"}
	for i := 0; i < 20; i++ {
		lines = append(lines, fmt.Sprintf("E;x;%d", i))
	}
	lines = append(lines, "O;b")

	cfg := minimalPipeline()
	cfg.Runtime.Verbose = true
	e := &Engine2Pass{Repo: newFakeMultiRepo(), Logger: zap.New(core)}
	if _, err := e.Run(context.Background(), cfg, trace.Lines(lines)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, msg := range []string{"determining schema...", "context schema", "event schema", "filling tables...", "committing..."} {
		if logs.FilterMessage(msg).Len() != 1 {
			t.Fatalf("missing log %q", msg)
		}
	}

	var progress []string
	for _, entry := range logs.All() {
		if strings.Contains(entry.Message, " / ") {
			progress = append(progress, entry.Message)
		}
	}
	// 0/10 at the first event, then one line per tenth.
	if len(progress) != 11 || progress[0] != "         1 /         20" || progress[10] != "        20 /         20" {
		t.Fatalf("progress=%q", progress)
	}

	warn := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(warn) != 1 || warn[0].ContextMap()["push_key"] != "a" || warn[0].ContextMap()["pop_key"] != "b" {
		t.Fatalf("warnings=%+v", warn)
	}
	if logs.FilterField(zap.String("stage", "fill")).Len() != 1 {
		t.Fatalf("missing fill stage log")
	}
}

func TestEngine_QuietByDefault(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e := &Engine2Pass{Repo: newFakeMultiRepo(), Logger: zap.New(core)}
	if _, err := e.Run(context.Background(), minimalPipeline(), trace.Lines{"E;x;1", "E;x;2"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if logs.Len() != 0 {
		t.Fatalf("unexpected logs: %+v", logs.All())
	}
}

func TestEngine_DiagnosticsCallback(t *testing.T) {
	var got []trace.Diagnostic
	e := &Engine2Pass{Repo: newFakeMultiRepo(), Diagnostics: func(d trace.Diagnostic) { got = append(got, d) }}
	if _, err := e.Run(context.Background(), minimalPipeline(), trace.Lines{"P;a;1", "E;x", "O;z"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 2 || got[0].Kind != trace.DiagMalformedLine || got[1].Kind != trace.DiagUnmatchedPop || got[1].Line != 3 {
		t.Fatalf("diagnostics=%+v", got)
	}
}

func TestEngine_ColumnNameCollision(t *testing.T) {
	for _, lines := range [][]string{
		{"P;$a;1;a;2", "E;x;1"},
		{"E;?x;1;x;2"},
		{"E;id;1"},
	} {
		repo, _, err := runLines(t, minimalPipeline(), lines...)
		if err == nil || !strings.Contains(err.Error(), "duplicate column") {
			t.Fatalf("%v: err=%v", lines, err)
		}
		if repo.tables != nil {
			t.Fatalf("%v: tables must not be created", lines)
		}
	}
}

func TestEngine_InvalidFilter(t *testing.T) {
	cfg := minimalPipeline()
	cfg.Filter = "("
	if _, _, err := runLines(t, cfg, "E;x;1"); err == nil {
		t.Fatalf("expected filter error")
	}
}

// genTrace builds a well-formed trace from a list of generator choices:
// pushes of unused context keys, matched pops and single-pair events. All
// contexts are closed at the end.
func genTrace(choices []int) []string {
	ctxKeys := []string{"a", "b", "c", "$d"}
	evKeys := []string{"x", "y", "?z"}

	var (
		out   []string
		stack []string
		used  = map[string]bool{}
	)
	for i, c := range choices {
		switch {
		case c < 3:
			for _, k := range ctxKeys {
				if !used[k] {
					used[k] = true
					stack = append(stack, k)
					out = append(out, fmt.Sprintf("P;%s;v%d", k, i))
					break
				}
			}
		case c < 5:
			if n := len(stack); n > 0 {
				k := stack[n-1]
				stack = stack[:n-1]
				used[k] = false
				out = append(out, "O;"+k)
			}
		default:
			out = append(out, fmt.Sprintf("E;%s;%d", evKeys[c%3], i))
		}
	}
	for n := len(stack); n > 0; n-- {
		out = append(out, "O;"+stack[n-1])
	}
	return out
}

func TestProperty_MatchedTraces(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	choices := gen.SliceOf(gen.IntRange(0, 9))

	properties.Property("frame stack is empty after a fully matched trace", prop.ForAll(
		func(cs []int) bool {
			_, stats, err := runLines(t, minimalPipeline(), genTrace(cs)...)
			return err == nil && stats.OpenFrames == 0 && len(stats.Diagnostics) == 0
		},
		choices,
	))

	properties.Property("no all-null event row is written", prop.ForAll(
		func(cs []int) bool {
			repo, _, err := runLines(t, minimalPipeline(), genTrace(cs)...)
			if err != nil {
				return false
			}
			for _, row := range repo.factRows {
				allNull := true
				for _, v := range row[1:] {
					if v != nil {
						allNull = false
					}
				}
				if allNull {
					return false
				}
			}
			return true
		},
		choices,
	))

	properties.Property("every event row references -1 or a written context", prop.ForAll(
		func(cs []int) bool {
			repo, _, err := runLines(t, minimalPipeline(), genTrace(cs)...)
			if err != nil {
				return false
			}
			for _, row := range repo.factRows {
				id := row[0].(int64)
				if id != NoContext && (id < 1 || id > repo.nextID) {
					return false
				}
			}
			return true
		},
		choices,
	))

	properties.Property("context rows never exceed push lines and events are never lost", prop.ForAll(
		func(cs []int) bool {
			lines := genTrace(cs)
			repo, stats, err := runLines(t, minimalPipeline(), lines...)
			if err != nil {
				return false
			}
			pushes, events := 0, 0
			for _, l := range lines {
				switch l[0] {
				case 'P':
					pushes++
				case 'E':
					events++
				}
			}
			// Every E line carries exactly one pair, so each one ends up in
			// exactly one row.
			filled := 0
			for _, row := range repo.factRows {
				for _, v := range row[1:] {
					if v != nil {
						filled++
					}
				}
			}
			return len(repo.ctxRows) <= pushes && filled == events && stats.EventLines == events
		},
		choices,
	))

	properties.TestingRun(t)
}
