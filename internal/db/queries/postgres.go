package queries

import (
	"context"
	"fmt"

	"github.com/willibrandon/dbnav/internal/db/models"
)

// Postgres reads pg_catalog and information_schema. One catalog, the
// connected database, is listed.
type Postgres struct{}

func (Postgres) Children(ctx context.Context, q Querier, parent models.Ref) ([]models.Object, error) {
	switch parent.Kind {
	case models.KindRoot:
		return collect(ctx, q, "catalogs", named(models.KindCatalog), `SELECT current_database()`)

	case models.KindCatalog:
		return collect(ctx, q, "schemas", named(models.KindSchema), `
SELECT n.nspname
FROM pg_namespace n
WHERE n.nspname NOT LIKE 'pg_toast%'
  AND n.nspname NOT LIKE 'pg_temp_%'
ORDER BY n.nspname`)

	case models.KindSchema:
		return concat(
			func() ([]models.Object, error) {
				return collect(ctx, q, "tables", typed(models.KindTable), `
SELECT c.relname,
       CASE c.relkind
           WHEN 'r' THEN 'table'
           WHEN 'p' THEN 'partitioned table'
           WHEN 'v' THEN 'view'
           WHEN 'm' THEN 'materialized view'
           WHEN 'f' THEN 'foreign table'
       END
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1
  AND c.relkind IN ('r', 'p', 'v', 'm', 'f')
  AND NOT c.relispartition`, parent.Schema)
			},
			func() ([]models.Object, error) {
				return collect(ctx, q, "procedures", routine, `
SELECT r.routine_name, r.specific_name, lower(r.routine_type)
FROM information_schema.routines r
WHERE r.routine_schema = $1`, parent.Schema)
			},
		)

	case models.KindTable:
		return concat(
			func() ([]models.Object, error) {
				return collect(ctx, q, "columns", positioned(models.KindColumn), `
SELECT c.column_name,
       CASE WHEN c.data_type = 'USER-DEFINED' THEN c.udt_name ELSE c.data_type END,
       c.ordinal_position
FROM information_schema.columns c
WHERE c.table_schema = $1 AND c.table_name = $2`, parent.Schema, parent.Object)
			},
			func() ([]models.Object, error) {
				return collect(ctx, q, "indexes", typed(models.KindIndex), `
SELECT i.indexname, i.indexdef
FROM pg_indexes i
WHERE i.schemaname = $1 AND i.tablename = $2`, parent.Schema, parent.Object)
			},
			func() ([]models.Object, error) {
				return collect(ctx, q, "constraints", typed(models.KindConstraint), `
SELECT tc.constraint_name, lower(tc.constraint_type)
FROM information_schema.table_constraints tc
WHERE tc.table_schema = $1 AND tc.table_name = $2
  AND tc.constraint_name NOT LIKE '%_not_null'`, parent.Schema, parent.Object)
			},
		)

	case models.KindProcedure:
		return collect(ctx, q, "arguments", argument, `
SELECT COALESCE(p.parameter_name, '$' || p.ordinal_position),
       lower(p.parameter_mode) || ' ' || p.data_type,
       p.ordinal_position
FROM information_schema.parameters p
WHERE p.specific_schema = $1 AND p.specific_name = $2`, parent.Schema, parent.Key)
	}
	return nil, fmt.Errorf("%s objects have no children", parent.Kind)
}

func named(kind models.Kind) func([]any) models.Object {
	return func(row []any) models.Object {
		return models.Object{Kind: kind, Name: str(row[0])}
	}
}

func typed(kind models.Kind) func([]any) models.Object {
	return func(row []any) models.Object {
		return models.Object{Kind: kind, Name: str(row[0]), Type: str(row[1])}
	}
}

func positioned(kind models.Kind) func([]any) models.Object {
	return func(row []any) models.Object {
		return models.Object{Kind: kind, Name: str(row[0]), Type: str(row[1]), Position: num(row[2])}
	}
}

func routine(row []any) models.Object {
	return models.Object{Kind: models.KindProcedure, Name: str(row[0]), Key: str(row[1]), Type: str(row[2])}
}

func argument(row []any) models.Object {
	return models.Object{Kind: models.KindArgument, Name: str(row[0]), Type: str(row[1]), Position: num(row[2])}
}
