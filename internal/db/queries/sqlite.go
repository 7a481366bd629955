package queries

import (
	"context"
	"fmt"

	"github.com/willibrandon/dbnav/internal/db/models"
)

// SQLite lists attached databases as schemas and reads the pragma
// table-valued functions. SQLite has no stored procedures.
type SQLite struct{}

func (SQLite) Children(ctx context.Context, q Querier, parent models.Ref) ([]models.Object, error) {
	switch parent.Kind {
	case models.KindRoot:
		return collect(ctx, q, "schemas", named(models.KindSchema), `SELECT name FROM pragma_database_list`)

	case models.KindSchema:
		return collect(ctx, q, "tables", typed(models.KindTable), `
SELECT name, type
FROM pragma_table_list
WHERE schema = ? AND type IN ('table', 'view', 'virtual') AND name NOT LIKE 'sqlite_%'`, parent.Schema)

	case models.KindTable:
		return concat(
			func() ([]models.Object, error) {
				return collect(ctx, q, "columns", sqliteColumn, `
SELECT name, type, cid FROM pragma_table_info(?, ?)`, parent.Object, parent.Schema)
			},
			func() ([]models.Object, error) {
				return collect(ctx, q, "indexes", sqliteIndex, `
SELECT name, "unique", origin FROM pragma_index_list(?, ?)`, parent.Object, parent.Schema)
			},
			func() ([]models.Object, error) {
				return collect(ctx, q, "foreign keys", sqliteForeignKey, `
SELECT id, "table", group_concat("from", ', ')
FROM pragma_foreign_key_list(?, ?)
GROUP BY id, "table"`, parent.Object, parent.Schema)
			},
		)
	}
	return nil, fmt.Errorf("%s objects have no children", parent.Kind)
}

func sqliteColumn(row []any) models.Object {
	typ := str(row[1])
	if typ == "" {
		typ = "any"
	}
	return models.Object{Kind: models.KindColumn, Name: str(row[0]), Type: typ, Position: num(row[2]) + 1}
}

func sqliteIndex(row []any) models.Object {
	kind := "index"
	switch {
	case str(row[2]) == "pk":
		kind = "primary key"
	case truthy(row[1]):
		kind = "unique"
	}
	return models.Object{Kind: models.KindIndex, Name: str(row[0]), Type: kind}
}

func sqliteForeignKey(row []any) models.Object {
	return models.Object{
		Kind: models.KindConstraint,
		Name: fmt.Sprintf("fk_%d_%s", num(row[0]), str(row[1])),
		Type: fmt.Sprintf("foreign key (%s) references %s", str(row[2]), str(row[1])),
	}
}
