package db

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/profile"
)

func init() {
	Register(SQLiteDriver{})
}

// SQLiteDriver opens local database files through mattn/go-sqlite3.
// Cancelling a query interrupts it and leaves the connection usable.
type SQLiteDriver struct{}

// Name implements Driver.
func (SQLiteDriver) Name() profile.Driver { return profile.DriverSQLite }

// Open implements Driver. Database is a file path or ":memory:".
func (SQLiteDriver) Open(ctx context.Context, ep Endpoint) (Transport, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(ep))
	if err != nil {
		return nil, err
	}
	return openSQLTransport(ctx, db, "SELECT sqlite_version()")
}

func sqliteDSN(ep Endpoint) string {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_loc", "auto")
	if ep.ReadOnly {
		q.Set("mode", "ro")
	}
	for k, v := range ep.Params {
		q.Set(k, v)
	}

	path := ep.Database
	if strings.HasPrefix(path, "file:") {
		if strings.Contains(path, "?") {
			return path + "&" + q.Encode()
		}
		return path + "?" + q.Encode()
	}
	return "file:" + path + "?" + q.Encode()
}

// Classify implements Driver.
func (SQLiteDriver) Classify(err error) dberr.Kind {
	if err == nil {
		return dberr.KindUnknown
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrAuth, sqlite3.ErrPerm:
			return dberr.KindAuthentication
		case sqlite3.ErrInterrupt:
			return dberr.KindCancelled
		case sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return dberr.KindConnection
		default:
			return dberr.KindQuery
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return dberr.KindTimeout
	case errors.Is(err, context.Canceled):
		return dberr.KindCancelled
	case errors.Is(err, sql.ErrConnDone):
		return dberr.KindConnection
	}
	return dberr.KindQuery
}
