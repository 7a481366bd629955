// Package export streams statement results into batch-oriented sinks.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/executor"
	"github.com/willibrandon/dbnav/internal/logger"
)

// DefaultBatchSize is used when Options.BatchSize is not positive.
const DefaultBatchSize = 500

// Sink receives rows in batches, in result order.
type Sink interface {
	WriteBatch(ctx context.Context, columns []string, rows [][]any) error
}

// Finisher is implemented by sinks that need a final step once every batch
// has been written successfully.
type Finisher interface {
	Finish(ctx context.Context) error
}

// columnSetter is implemented by sinks that emit a header even for an
// empty result.
type columnSetter interface {
	SetColumns(columns []string)
}

// Source is a row stream. *executor.RowStream implements it.
type Source interface {
	ColumnNames() []string
	NextBatch(ctx context.Context, n int) ([][]any, error)
	Profile() string
	Close() error
}

// Options configures an export.
type Options struct {
	BatchSize int
}

// Result summarizes a finished export.
type Result struct {
	Rows     int64
	Batches  int
	Duration time.Duration
}

// Export drains src into sink, fetching one batch ahead of the sink. It
// always closes src, which releases the session, and closes sink when it
// implements io.Closer. Sink failures are returned as Export errors; source
// failures keep their kind.
func Export(ctx context.Context, src Source, sink Sink, opts Options) (res Result, err error) {
	const op = "export"
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	profileID := src.Profile()
	start := time.Now()

	defer func() {
		_ = src.Close()
		if c, ok := sink.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = dberr.New(dberr.KindExport, op, profileID, cerr)
			}
		}
		res.Duration = time.Since(start)
	}()

	columns := src.ColumnNames()
	if cs, ok := sink.(columnSetter); ok {
		cs.SetColumns(columns)
	}
	batches := make(chan [][]any)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(batches)
		for {
			batch, err := src.NextBatch(gctx, opts.BatchSize)
			if errors.Is(err, executor.ErrEndOfRows) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case batches <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		for batch := range batches {
			if err := sink.WriteBatch(gctx, columns, batch); err != nil {
				return dberr.New(dberr.KindExport, op, profileID, fmt.Errorf("write batch %d: %w", res.Batches+1, err))
			}
			res.Batches++
			res.Rows += int64(len(batch))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			err = dberr.FromContext(op, profileID, ctx.Err())
		}
		logger.Warn("Export failed", "profile", profileID, "rows", res.Rows, "error", err)
		return res, err
	}

	if f, ok := sink.(Finisher); ok {
		if err := f.Finish(ctx); err != nil {
			return res, dberr.New(dberr.KindExport, op, profileID, fmt.Errorf("finish: %w", err))
		}
	}

	logger.Info("Export finished",
		"profile", profileID,
		"rows", humanize.Comma(res.Rows),
		"batches", res.Batches,
		"duration", time.Since(start),
	)
	return res, nil
}
