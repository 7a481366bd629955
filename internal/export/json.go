package export

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
)

// JSONSink writes rows as a JSON array of objects keyed by column name, in
// column order.
type JSONSink struct {
	w     *bufio.Writer
	keys  [][]byte
	rows  int64
	ended bool
}

// NewJSON returns a sink writing to w.
func NewJSON(w io.Writer) *JSONSink {
	return &JSONSink{w: bufio.NewWriter(w)}
}

func (s *JSONSink) WriteBatch(_ context.Context, columns []string, rows [][]any) error {
	if s.keys == nil {
		s.keys = make([][]byte, len(columns))
		for i, c := range columns {
			k, err := json.Marshal(c)
			if err != nil {
				return err
			}
			s.keys[i] = k
		}
	}

	for _, row := range rows {
		if s.rows == 0 {
			s.w.WriteString("[\n  {")
		} else {
			s.w.WriteString(",\n  {")
		}
		for i, v := range row {
			if i > 0 {
				s.w.WriteByte(',')
			}
			s.w.Write(s.keys[i])
			s.w.WriteByte(':')
			b, err := json.Marshal(jsonValue(v))
			if err != nil {
				return err
			}
			s.w.Write(b)
		}
		s.w.WriteByte('}')
		s.rows++
	}
	return s.w.Flush()
}

// Finish closes the array.
func (s *JSONSink) Finish(context.Context) error {
	if s.ended {
		return nil
	}
	s.ended = true
	if s.rows == 0 {
		s.w.WriteString("[]\n")
	} else {
		s.w.WriteString("\n]\n")
	}
	return s.w.Flush()
}

func jsonValue(v any) any {
	if b, ok := v.([]byte); ok {
		return base64.StdEncoding.EncodeToString(b)
	}
	return v
}
