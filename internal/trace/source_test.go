package trace

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

func writeFile(t *testing.T, dir, name string, encode func(io.Writer) io.WriteCloser, body string) string {
	t.Helper()
	var buf bytes.Buffer
	if encode == nil {
		buf.WriteString(body)
	} else {
		w := encode(&buf)
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close %s: %v", name, err)
		}
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func collect(t *testing.T, src Source) []Line {
	t.Helper()
	var out []Line
	if err := src.Scan(context.Background(), func(l Line) error {
		out = append(out, l)
		return nil
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return out
}

func TestFilesScan_DecompressesByExtension(t *testing.T) {
	dir := t.TempDir()
	body := "P;a;1\nE;x;2\nO;a\n"

	encoders := map[string]func(io.Writer) io.WriteCloser{
		"plain.trace": nil,
		"t.gz":        func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) },
		"t.zst": func(w io.Writer) io.WriteCloser {
			zw, err := zstd.NewWriter(w)
			if err != nil {
				t.Fatalf("zstd: %v", err)
			}
			return zw
		},
		"t.lz4": func(w io.Writer) io.WriteCloser { return lz4.NewWriter(w) },
		"t.sz":  func(w io.Writer) io.WriteCloser { return snappy.NewBufferedWriter(w) },
	}

	for name, enc := range encoders {
		name, enc := name, enc
		t.Run(name, func(t *testing.T) {
			p := writeFile(t, dir, name, enc, body)
			lines := collect(t, &Files{Names: []string{p}})
			if len(lines) != 3 {
				t.Fatalf("got %d lines want 3", len(lines))
			}
			if lines[1].Op != OpEvent || lines[1].Fields[1] != "2" {
				t.Fatalf("unexpected line %+v", lines[1])
			}
		})
	}
}

func TestFilesScan_LineNumbersContinueAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.trace", nil, "P;a;1\nE;x;1\n")
	b := writeFile(t, dir, "b.trace", nil, "E;x;2\nO;a")

	src := &Files{Names: []string{a, b}}
	for pass := 0; pass < 2; pass++ {
		lines := collect(t, src)
		if len(lines) != 4 {
			t.Fatalf("pass %d: got %d lines", pass, len(lines))
		}
		if lines[3].No != 4 || lines[3].Op != OpPop {
			t.Fatalf("pass %d: last line %+v, want No=4 O", pass, lines[3])
		}
	}
}

func TestFilesScan_LongLines(t *testing.T) {
	dir := t.TempDir()
	long := "E;x;" + strings.Repeat("v", 200*1024)
	p := writeFile(t, dir, "long.trace", nil, long+"\n")

	lines := collect(t, &Files{Names: []string{p}})
	if len(lines) != 1 || len(lines[0].Fields[1]) != 200*1024 {
		t.Fatalf("long line was not read whole")
	}
}

func TestFilesScan_DecodesCharset(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "latin1.trace", nil, "P;$city;M\xfcnchen\n")

	lines := collect(t, &Files{Names: []string{p}, Opener: &Opener{Encoding: "ISO-8859-1"}})
	if got := lines[0].Fields[1]; got != "München" {
		t.Fatalf("got %q", got)
	}

	if _, err := (&Opener{Encoding: "no-such-charset"}).Open(context.Background(), p); err == nil {
		t.Fatalf("expected error for unknown encoding")
	}
}

func TestFilesScan_StopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.trace", nil, "P;a;1\nE;x;1\n")
	boom := errors.New("boom")

	err := (&Files{Names: []string{p}}).Scan(context.Background(), func(Line) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
}

func TestResolveInputs(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.trace", nil, "P;a;1\n")
	missing := filepath.Join(dir, "missing.trace")

	var diags []Diagnostic
	report := DiagFunc(func(d Diagnostic) { diags = append(diags, d) })

	kept, err := ResolveInputs(context.Background(), &Opener{}, []string{missing, a, dir}, report)
	if err != nil {
		t.Fatalf("ResolveInputs: %v", err)
	}
	if len(kept) != 1 || kept[0] != a {
		t.Fatalf("kept=%v", kept)
	}
	if len(diags) != 2 || diags[0].Kind != DiagMissingInput || diags[0].Input != missing {
		t.Fatalf("diags=%+v", diags)
	}

	_, err = ResolveInputs(context.Background(), &Opener{}, []string{missing}, nil)
	if !errors.Is(err, ErrNoInput) {
		t.Fatalf("err=%v want ErrNoInput", err)
	}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		in          string
		bucket, key string
		ok          bool
	}{
		{in: "s3://logs/run/1.trace.gz", bucket: "logs", key: "run/1.trace.gz", ok: true},
		{in: "s3://logs", ok: false},
		{in: "s3:///key", ok: false},
		{in: "/tmp/a.trace", ok: false},
	}
	for _, tc := range tests {
		b, k, ok := ParseS3URL(tc.in)
		if ok != tc.ok || b != tc.bucket || k != tc.key {
			t.Fatalf("ParseS3URL(%q)=%q,%q,%v", tc.in, b, k, ok)
		}
	}
	if !HasS3Inputs([]string{"a", "s3://b/c"}) || HasS3Inputs([]string{"a"}) {
		t.Fatalf("HasS3Inputs mismatch")
	}
}

type memObjects map[string]string

func (m memObjects) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, ok := m[bucket+"/"+key]
	return ok, nil
}

func (m memObjects) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	body, ok := m[bucket+"/"+key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func TestFilesScan_ObjectStore(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = io.WriteString(zw, "E;x;1\nE;x;2\n")
	_ = zw.Close()

	op := &Opener{Objects: memObjects{"logs/run.trace.gz": gz.String()}}
	kept, err := ResolveInputs(context.Background(), op, []string{"s3://logs/run.trace.gz", "s3://logs/gone"}, nil)
	if err != nil || len(kept) != 1 {
		t.Fatalf("kept=%v err=%v", kept, err)
	}

	lines := collect(t, &Files{Names: kept, Opener: op})
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}

	if _, err := (&Opener{}).Exists(context.Background(), "s3://logs/x"); err == nil {
		t.Fatalf("expected error without an object store")
	}
}
