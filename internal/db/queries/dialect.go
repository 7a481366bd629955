// Package queries provides the metadata catalog queries for each supported
// database dialect.
package queries

import (
	"context"
	"fmt"
	"strconv"

	"github.com/willibrandon/dbnav/internal/db/models"
	"github.com/willibrandon/dbnav/internal/profile"
)

// Querier runs a statement to completion. *db.Session implements it.
type Querier interface {
	Collect(ctx context.Context, sql string, args ...any) ([][]any, error)
}

// Dialect lists the children of a metadata object.
type Dialect interface {
	Children(ctx context.Context, q Querier, parent models.Ref) ([]models.Object, error)
}

// For returns the dialect for driver.
func For(driver profile.Driver) (Dialect, error) {
	switch driver {
	case profile.DriverPostgres:
		return Postgres{}, nil
	case profile.DriverMySQL:
		return MySQL{}, nil
	case profile.DriverSQLite:
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("no metadata dialect for driver %q", driver)
	}
}

// collect runs query and maps each row through scan.
func collect(ctx context.Context, q Querier, what string, scan func(row []any) models.Object, query string, args ...any) ([]models.Object, error) {
	rows, err := q.Collect(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	out := make([]models.Object, 0, len(rows))
	for _, row := range rows {
		out = append(out, scan(row))
	}
	return out, nil
}

// concat runs each listing in order and concatenates the results.
func concat(listings ...func() ([]models.Object, error)) ([]models.Object, error) {
	var all []models.Object
	for _, list := range listings {
		objs, err := list()
		if err != nil {
			return nil, err
		}
		all = append(all, objs...)
	}
	return all, nil
}

func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func num(v any) int {
	switch x := v.(type) {
	case int64:
		return int(x)
	case int32:
		return int(x)
	case int16:
		return int(x)
	case int:
		return x
	case uint64:
		return int(x)
	case uint32:
		return int(x)
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	case []byte:
		n, _ := strconv.Atoi(string(x))
		return n
	default:
		return 0
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case string:
		return x == "1" || x == "t" || x == "true" || x == "YES"
	case []byte:
		return truthy(string(x))
	default:
		return false
	}
}
