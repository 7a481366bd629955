// Package db owns the native database transports and the single-statement
// sessions built on them.
package db

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/profile"
)

// Column describes one result column.
type Column struct {
	Name     string
	TypeName string
}

// Endpoint is a resolved connection target. For tunneled profiles Host and
// Port point at the local forwarded port.
type Endpoint struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	SSLMode        string
	ReadOnly       bool
	Params         map[string]string
	ConnectTimeout time.Duration
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Cursor iterates the result of one query. Next, Values and Close must be
// called from a single goroutine.
type Cursor interface {
	Columns() []Column
	Next() bool
	Values() ([]any, error)
	Err() error
	Close() error
	// RowsAffected is valid after Close.
	RowsAffected() int64
}

// Transport is one native connection. Only Abort and IsClosed may be called
// concurrently with an open Cursor.
type Transport interface {
	// Query starts sql. Cancelling ctx interrupts the query; whether the
	// connection survives is driver specific.
	Query(ctx context.Context, sql string, args ...any) (Cursor, error)
	Ping(ctx context.Context) error
	// Abort severs the connection immediately.
	Abort() error
	Close(ctx context.Context) error
	IsClosed() bool
	ServerVersion() string
}

// Driver opens transports for one database type.
type Driver interface {
	Name() profile.Driver
	Open(ctx context.Context, ep Endpoint) (Transport, error)
	// Classify maps a driver error onto an engine error kind.
	Classify(err error) dberr.Kind
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[profile.Driver]Driver)
)

// Register makes a driver available by name. Registering a name twice
// replaces the earlier driver.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[d.Name()] = d
}

// Lookup returns the driver registered for name.
func Lookup(name profile.Driver) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("no driver registered for %q", name)
	}
	return d, nil
}

// Drivers lists the registered driver names.
func Drivers() []profile.Driver {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]profile.Driver, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
