package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/profile"
)

func init() {
	Register(MySQLDriver{})
}

// MySQLDriver connects through go-sql-driver/mysql. Cancelling a running
// query makes the driver close its socket, so an interrupted session is
// discarded rather than reused.
type MySQLDriver struct{}

// Name implements Driver.
func (MySQLDriver) Name() profile.Driver { return profile.DriverMySQL }

// Open implements Driver.
func (MySQLDriver) Open(ctx context.Context, ep Endpoint) (Transport, error) {
	cfg := mysql.NewConfig()
	cfg.User = ep.User
	cfg.Passwd = ep.Password
	cfg.Net = "tcp"
	cfg.Addr = ep.Addr()
	cfg.DBName = ep.Database
	cfg.ParseTime = true
	cfg.Timeout = ep.ConnectTimeout
	if len(ep.Params) > 0 {
		cfg.Params = make(map[string]string, len(ep.Params))
		for k, v := range ep.Params {
			cfg.Params[k] = v
		}
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	t, err := openSQLTransport(ctx, sql.OpenDB(connector), "SELECT VERSION()")
	if err != nil {
		return nil, err
	}
	if ep.ReadOnly {
		if _, err := t.conn.ExecContext(ctx, "SET SESSION TRANSACTION READ ONLY"); err != nil {
			_ = t.Close(ctx)
			return nil, err
		}
	}
	return t, nil
}

// Classify implements Driver.
func (MySQLDriver) Classify(err error) dberr.Kind {
	if err == nil {
		return dberr.KindUnknown
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1045, 1698, 1862: // access denied, password expired
			return dberr.KindAuthentication
		case 1317, 3024: // query interrupted, max execution time exceeded
			return dberr.KindCancelled
		case 1040, 1053, 1152, 1153, 1159, 1160, 1161: // too many connections, shutdown, aborted/net errors
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
	}

	var netErr net.Error
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &netErr) {
		return dberr.KindConnection
	}
	return dberr.KindQuery
}
