package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const xlsxSheet = "Sheet1"

// XLSXSink writes rows to a single worksheet through excelize's stream
// writer, so memory stays bounded by the batch.
type XLSXSink struct {
	out     io.Writer
	file    *excelize.File
	sw      *excelize.StreamWriter
	next    int
	columns []string
}

// NewXLSX returns a sink that writes the workbook to out on Finish.
func NewXLSX(out io.Writer) (*XLSXSink, error) {
	f := excelize.NewFile()
	sw, err := f.NewStreamWriter(xlsxSheet)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create stream writer: %w", err)
	}
	return &XLSXSink{out: out, file: f, sw: sw, next: 1}, nil
}

func (s *XLSXSink) WriteBatch(_ context.Context, columns []string, rows [][]any) error {
	if err := s.writeHeader(columns); err != nil {
		return err
	}
	for _, row := range rows {
		cells := make([]any, len(row))
		for i, v := range row {
			cells[i] = cellValue(v)
		}
		if err := s.setRow(cells); err != nil {
			return err
		}
	}
	return nil
}

// SetColumns records the columns for the header of an empty result.
func (s *XLSXSink) SetColumns(columns []string) { s.columns = columns }

func (s *XLSXSink) writeHeader(columns []string) error {
	if s.next > 1 || columns == nil {
		return nil
	}
	s.columns = columns
	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	return s.setRow(header)
}

func (s *XLSXSink) setRow(cells []any) error {
	cell, err := excelize.CoordinatesToCellName(1, s.next)
	if err != nil {
		return err
	}
	if err := s.sw.SetRow(cell, cells); err != nil {
		return fmt.Errorf("write row %d: %w", s.next, err)
	}
	s.next++
	return nil
}

// Finish flushes the sheet and writes the workbook.
func (s *XLSXSink) Finish(context.Context) error {
	if err := s.writeHeader(s.columns); err != nil {
		return err
	}
	if err := s.sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	if _, err := s.file.WriteTo(s.out); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// Close releases the workbook's temporary files.
func (s *XLSXSink) Close() error { return s.file.Close() }

// cellValue converts a driver value to one excelize stores natively.
func cellValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64:
		return x
	case time.Time:
		return x
	default:
		return formatText(x, "")
	}
}
