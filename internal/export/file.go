package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// Compression is applied to text formats.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// DetectFormat derives the format and compression from a file name such as
// "orders.csv.zst".
func DetectFormat(path string) (Format, Compression, error) {
	name := strings.ToLower(filepath.Base(path))
	comp := CompressionNone
	switch {
	case strings.HasSuffix(name, ".zst"):
		comp = CompressionZstd
		name = strings.TrimSuffix(name, ".zst")
	case strings.HasSuffix(name, ".lz4"):
		comp = CompressionLZ4
		name = strings.TrimSuffix(name, ".lz4")
	}

	var format Format
	switch filepath.Ext(name) {
	case ".csv":
		format = FormatCSV
	case ".json":
		format = FormatJSON
	case ".xlsx":
		format = FormatXLSX
	default:
		return "", "", fmt.Errorf("unsupported export file %q: use .csv, .json or .xlsx", filepath.Base(path))
	}
	if format == FormatXLSX && comp != CompressionNone {
		return "", "", fmt.Errorf("xlsx files cannot be compressed: %q", filepath.Base(path))
	}
	return format, comp, nil
}

// FileSink is a sink writing to a file, possibly compressed. Close must be
// called; Export does so.
type FileSink struct {
	Sink
	path    string
	file    *os.File
	closers []io.Closer

	closeOnce sync.Once
	closeErr  error
}

// CreateFile creates path and returns a sink for the format its name
// implies.
func CreateFile(path string) (*FileSink, error) {
	format, comp, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}
	fs := &FileSink{path: path, file: f}

	var w io.Writer = f
	switch comp {
	case CompressionZstd:
		zw, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		w = zw
		fs.closers = append(fs.closers, zw)
	case CompressionLZ4:
		lw := lz4.NewWriter(f)
		w = lw
		fs.closers = append(fs.closers, lw)
	}

	switch format {
	case FormatCSV:
		fs.Sink = NewCSV(w, CSVOptions{})
	case FormatJSON:
		fs.Sink = NewJSON(w)
	case FormatXLSX:
		xs, err := NewXLSX(w)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		fs.Sink = xs
		fs.closers = append([]io.Closer{xs}, fs.closers...)
	}
	return fs, nil
}

// Path returns the file path.
func (fs *FileSink) Path() string { return fs.path }

// Finish runs the wrapped sink's final step.
func (fs *FileSink) Finish(ctx context.Context) error {
	if f, ok := fs.Sink.(Finisher); ok {
		return f.Finish(ctx)
	}
	return nil
}

// SetColumns forwards the result columns to the wrapped sink.
func (fs *FileSink) SetColumns(columns []string) {
	if cs, ok := fs.Sink.(columnSetter); ok {
		cs.SetColumns(columns)
	}
}

// Close flushes the compressor and closes the file. It is idempotent.
func (fs *FileSink) Close() error {
	fs.closeOnce.Do(func() {
		var errs []error
		for _, c := range fs.closers {
			errs = append(errs, c.Close())
		}
		errs = append(errs, fs.file.Close())
		fs.closeErr = errors.Join(errs...)
	})
	return fs.closeErr
}
