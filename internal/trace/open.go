package trace

import (
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// Opener opens trace inputs by name. Local paths and s3://bucket/key URLs are
// accepted; the compression is chosen by the name's extension.
//
// Supported extensions: .gz, .bz2, .zst, .lz4, .sz (snappy framing format).
// Anything else is read as plain text.
type Opener struct {
	// Encoding is the IANA charset of the inputs. Empty means UTF-8 (bytes are
	// passed through).
	Encoding string

	// Objects serves s3:// inputs. Nil rejects them.
	Objects ObjectStore
}

// Exists reports whether name can be opened. A missing local file or S3
// object is (false, nil); other failures are returned.
func (o *Opener) Exists(ctx context.Context, name string) (bool, error) {
	if bucket, key, ok := ParseS3URL(name); ok {
		if o.Objects == nil {
			return false, fmt.Errorf("trace: %s: no S3 client configured", name)
		}
		return o.Objects.Exists(ctx, bucket, key)
	}
	st, err := os.Stat(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return st.Mode().IsRegular(), nil
}

// Open returns a decompressed, charset-decoded reader over name.
func (o *Opener) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	raw, err := o.openRaw(ctx, name)
	if err != nil {
		return nil, err
	}

	r, err := decompress(name, raw)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("trace: %s: %w", name, err)
	}

	if o.Encoding == "" {
		return r, nil
	}
	enc, err := lookupEncoding(o.Encoding)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return readCloser{Reader: transform.NewReader(r, enc.NewDecoder()), closers: []io.Closer{r}}, nil
}

func (o *Opener) openRaw(ctx context.Context, name string) (io.ReadCloser, error) {
	if bucket, key, ok := ParseS3URL(name); ok {
		if o.Objects == nil {
			return nil, fmt.Errorf("trace: %s: no S3 client configured", name)
		}
		return o.Objects.Open(ctx, bucket, key)
	}
	return os.Open(name)
}

// lookupEncoding resolves an IANA charset name. UTF-8 and its aliases map to
// encoding.Nop.
func lookupEncoding(name string) (encoding.Encoding, error) {
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("trace: unknown encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("trace: encoding %q is not supported", name)
	}
	if canonical, _ := ianaindex.IANA.Name(enc); strings.EqualFold(canonical, "UTF-8") {
		return encoding.Nop, nil
	}
	return enc, nil
}

func decompress(name string, raw io.ReadCloser) (io.ReadCloser, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".gz":
		zr, err := gzip.NewReader(raw)
		if err != nil {
			return nil, err
		}
		return readCloser{Reader: zr, closers: []io.Closer{zr, raw}}, nil
	case ".zst":
		zr, err := zstd.NewReader(raw)
		if err != nil {
			return nil, err
		}
		return readCloser{Reader: zr, closers: []io.Closer{zstdCloser{zr}, raw}}, nil
	case ".lz4":
		return readCloser{Reader: lz4.NewReader(raw), closers: []io.Closer{raw}}, nil
	case ".sz":
		return readCloser{Reader: snappy.NewReader(raw), closers: []io.Closer{raw}}, nil
	case ".bz2":
		return readCloser{Reader: bzip2.NewReader(raw), closers: []io.Closer{raw}}, nil
	default:
		return raw, nil
	}
}

// readCloser closes every layer of a reader stack, innermost last.
type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (rc readCloser) Close() error {
	var errs []error
	for _, c := range rc.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type zstdCloser struct{ d *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.d.Close()
	return nil
}
