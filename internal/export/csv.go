package export

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"
)

// CSVSink writes rows as CSV with a header line.
type CSVSink struct {
	w        *csv.Writer
	null     string
	header   bool
	columns  []string
	wroteHdr bool
	record   []string
}

// CSVOptions configures a CSVSink.
type CSVOptions struct {
	// Comma is the field delimiter; ',' when zero.
	Comma rune
	// Null is written for NULL values.
	Null string
	// NoHeader suppresses the header line.
	NoHeader bool
}

// NewCSV returns a sink writing to w.
func NewCSV(w io.Writer, opts CSVOptions) *CSVSink {
	cw := csv.NewWriter(w)
	if opts.Comma != 0 {
		cw.Comma = opts.Comma
	}
	return &CSVSink{w: cw, null: opts.Null, header: !opts.NoHeader}
}

func (s *CSVSink) WriteBatch(_ context.Context, columns []string, rows [][]any) error {
	if err := s.writeHeader(columns); err != nil {
		return err
	}
	for _, row := range rows {
		s.record = s.record[:0]
		for _, v := range row {
			s.record = append(s.record, formatText(v, s.null))
		}
		if err := s.w.Write(s.record); err != nil {
			return err
		}
	}
	s.w.Flush()
	return s.w.Error()
}

// Finish writes the header of an empty result and flushes.
func (s *CSVSink) Finish(context.Context) error {
	if err := s.writeHeader(s.columns); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

// SetColumns records the columns for the header of an empty result.
func (s *CSVSink) SetColumns(columns []string) { s.columns = columns }

func (s *CSVSink) writeHeader(columns []string) error {
	if s.wroteHdr || !s.header || columns == nil {
		return nil
	}
	s.wroteHdr = true
	s.columns = columns
	return s.w.Write(columns)
}

// formatText renders a value for text formats.
func formatText(v any, null string) string {
	switch x := v.(type) {
	case nil:
		return null
	case string:
		return x
	case []byte:
		return `\x` + hex.EncodeToString(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
