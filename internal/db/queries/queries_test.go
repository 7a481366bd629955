package queries

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willibrandon/dbnav/internal/db"
	"github.com/willibrandon/dbnav/internal/db/models"
	"github.com/willibrandon/dbnav/internal/profile"
)

type call struct {
	sql  string
	args []any
}

// scriptedQuerier answers by the first registered fragment found in the SQL.
type scriptedQuerier struct {
	answers map[string][][]any
	calls   []call
	err     error
}

func (q *scriptedQuerier) Collect(ctx context.Context, sql string, args ...any) ([][]any, error) {
	q.calls = append(q.calls, call{sql, args})
	if q.err != nil {
		return nil, q.err
	}
	for frag, rows := range q.answers {
		if strings.Contains(sql, frag) {
			return rows, nil
		}
	}
	return nil, nil
}

func TestFor(t *testing.T) {
	for _, d := range []profile.Driver{profile.DriverPostgres, profile.DriverMySQL, profile.DriverSQLite} {
		_, err := For(d)
		assert.NoError(t, err)
	}
	_, err := For("db2")
	assert.Error(t, err)
}

func TestPostgresTableChildren(t *testing.T) {
	q := &scriptedQuerier{answers: map[string][][]any{
		"information_schema.columns":           {{"id", "integer", int32(1)}, {"email", "text", int32(2)}},
		"pg_indexes":                           {{"users_pkey", "CREATE UNIQUE INDEX users_pkey ON public.users USING btree (id)"}},
		"information_schema.table_constraints": {{"users_pkey", "primary key"}},
	}}

	parent := models.Ref{Kind: models.KindTable, Catalog: "app", Schema: "public", Object: "users"}
	objs, err := Postgres{}.Children(context.Background(), q, parent)
	require.NoError(t, err)

	require.Len(t, objs, 4)
	assert.Equal(t, models.Object{Kind: models.KindColumn, Name: "email", Type: "text", Position: 2}, objs[1])
	assert.Equal(t, models.KindIndex, objs[2].Kind)
	assert.Equal(t, models.Object{Kind: models.KindConstraint, Name: "users_pkey", Type: "primary key"}, objs[3])

	require.Len(t, q.calls, 3)
	for _, c := range q.calls {
		assert.Equal(t, []any{"public", "users"}, c.args)
		assert.Contains(t, c.sql, "$2")
	}
}

func TestPostgresProcedureArgumentsUseSpecificName(t *testing.T) {
	q := &scriptedQuerier{answers: map[string][][]any{
		"information_schema.parameters": {{"a", "in integer", int64(1)}},
	}}
	parent := models.Ref{Kind: models.KindProcedure, Schema: "public", Object: "add", Key: "add_16400"}
	objs, err := Postgres{}.Children(context.Background(), q, parent)
	require.NoError(t, err)
	assert.Equal(t, []models.Object{{Kind: models.KindArgument, Name: "a", Type: "in integer", Position: 1}}, objs)
	assert.Equal(t, []any{"public", "add_16400"}, q.calls[0].args)
}

func TestMySQLSchemaChildren(t *testing.T) {
	q := &scriptedQuerier{answers: map[string][][]any{
		"information_schema.TABLES":   {{"orders", "base table"}},
		"information_schema.ROUTINES": {{"refresh", "refresh", "procedure"}},
	}}
	objs, err := MySQL{}.Children(context.Background(), q, models.Ref{Kind: models.KindSchema, Schema: "shop"})
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, models.KindTable, objs[0].Kind)
	assert.Equal(t, models.Object{Kind: models.KindProcedure, Name: "refresh", Key: "refresh", Type: "procedure"}, objs[1])
	assert.Equal(t, []any{"shop"}, q.calls[0].args)
}

func TestMySQLIndexType(t *testing.T) {
	assert.Equal(t, "unique (id)", mysqlIndex([]any{"PRIMARY", int64(0), []byte("id")}).Type)
	assert.Equal(t, "index (a,b)", mysqlIndex([]any{"idx_ab", int64(1), "a,b"}).Type)
}

func TestQueryErrorsAreWrapped(t *testing.T) {
	boom := errors.New("permission denied for schema secret")
	q := &scriptedQuerier{err: boom}
	_, err := Postgres{}.Children(context.Background(), q, models.Ref{Kind: models.KindSchema, Schema: "secret"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "query tables")
}

func TestLeafKindsHaveNoChildren(t *testing.T) {
	_, err := Postgres{}.Children(context.Background(), &scriptedQuerier{}, models.Ref{Kind: models.KindColumn})
	assert.Error(t, err)
	_, err = SQLite{}.Children(context.Background(), &scriptedQuerier{}, models.Ref{Kind: models.KindProcedure})
	assert.Error(t, err)
}

func TestSQLiteCatalog(t *testing.T) {
	p := &profile.Profile{Name: "lite", Driver: profile.DriverSQLite, Database: filepath.Join(t.TempDir(), "shop.db")}
	s, err := db.Open(context.Background(), p, db.OpenOptions{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for _, stmt := range []string{
		`CREATE TABLE customers (id INTEGER PRIMARY KEY, email TEXT UNIQUE)`,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER REFERENCES customers(id), total)`,
		`CREATE INDEX orders_customer ON orders(customer_id)`,
		`CREATE VIEW big_orders AS SELECT * FROM orders WHERE total > 100`,
	} {
		_, err := s.Collect(ctx, stmt)
		require.NoError(t, err)
	}

	d := SQLite{}
	schemas, err := d.Children(ctx, s, models.Ref{Kind: models.KindRoot})
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	assert.Equal(t, "main", schemas[0].Name)

	schemaRef := models.Ref{Kind: models.KindRoot}.Child(schemas[0])
	tables, err := d.Children(ctx, s, schemaRef)
	require.NoError(t, err)
	names := map[string]string{}
	for _, o := range tables {
		names[o.Name] = o.Type
	}
	assert.Equal(t, map[string]string{"customers": "table", "orders": "table", "big_orders": "view"}, names)

	orders, err := d.Children(ctx, s, schemaRef.Child(models.Object{Kind: models.KindTable, Name: "orders"}))
	require.NoError(t, err)

	var cols, idx, fks []models.Object
	for _, o := range orders {
		switch o.Kind {
		case models.KindColumn:
			cols = append(cols, o)
		case models.KindIndex:
			idx = append(idx, o)
		case models.KindConstraint:
			fks = append(fks, o)
		}
	}
	require.Len(t, cols, 3)
	assert.Equal(t, models.Object{Kind: models.KindColumn, Name: "total", Type: "any", Position: 3}, cols[2])
	require.Len(t, idx, 1)
	assert.Equal(t, "orders_customer", idx[0].Name)
	require.Len(t, fks, 1)
	assert.Equal(t, "fk_0_customers", fks[0].Name)
	assert.Equal(t, "foreign key (customer_id) references customers", fks[0].Type)

	customers, err := d.Children(ctx, s, schemaRef.Child(models.Object{Kind: models.KindTable, Name: "customers"}))
	require.NoError(t, err)
	var unique int
	for _, o := range customers {
		if o.Kind == models.KindIndex && o.Type == "unique" {
			unique++
		}
	}
	assert.Equal(t, 1, unique)
}
