package queries

import (
	"context"
	"fmt"

	"github.com/willibrandon/dbnav/internal/db/models"
)

// MySQL reads information_schema. MySQL databases are listed as schemas
// directly under the root.
type MySQL struct{}

func (MySQL) Children(ctx context.Context, q Querier, parent models.Ref) ([]models.Object, error) {
	switch parent.Kind {
	case models.KindRoot:
		return collect(ctx, q, "schemas", named(models.KindSchema), `
SELECT SCHEMA_NAME FROM information_schema.SCHEMATA`)

	case models.KindSchema:
		return concat(
			func() ([]models.Object, error) {
				return collect(ctx, q, "tables", typed(models.KindTable), `
SELECT TABLE_NAME, LOWER(TABLE_TYPE)
FROM information_schema.TABLES
WHERE TABLE_SCHEMA = ?`, parent.Schema)
			},
			func() ([]models.Object, error) {
				return collect(ctx, q, "procedures", routine, `
SELECT ROUTINE_NAME, SPECIFIC_NAME, LOWER(ROUTINE_TYPE)
FROM information_schema.ROUTINES
WHERE ROUTINE_SCHEMA = ?`, parent.Schema)
			},
		)

	case models.KindTable:
		return concat(
			func() ([]models.Object, error) {
				return collect(ctx, q, "columns", positioned(models.KindColumn), `
SELECT COLUMN_NAME, COLUMN_TYPE, ORDINAL_POSITION
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`, parent.Schema, parent.Object)
			},
			func() ([]models.Object, error) {
				return collect(ctx, q, "indexes", mysqlIndex, `
SELECT INDEX_NAME, MIN(NON_UNIQUE), GROUP_CONCAT(COLUMN_NAME ORDER BY SEQ_IN_INDEX)
FROM information_schema.STATISTICS
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
GROUP BY INDEX_NAME`, parent.Schema, parent.Object)
			},
			func() ([]models.Object, error) {
				return collect(ctx, q, "constraints", typed(models.KindConstraint), `
SELECT CONSTRAINT_NAME, LOWER(CONSTRAINT_TYPE)
FROM information_schema.TABLE_CONSTRAINTS
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`, parent.Schema, parent.Object)
			},
		)

	case models.KindProcedure:
		return collect(ctx, q, "arguments", argument, `
SELECT PARAMETER_NAME, CONCAT(LOWER(PARAMETER_MODE), ' ', DTD_IDENTIFIER), ORDINAL_POSITION
FROM information_schema.PARAMETERS
WHERE SPECIFIC_SCHEMA = ? AND SPECIFIC_NAME = ? AND ORDINAL_POSITION > 0`, parent.Schema, parent.Key)
	}
	return nil, fmt.Errorf("%s objects have no children", parent.Kind)
}

func mysqlIndex(row []any) models.Object {
	kind := "unique"
	if num(row[1]) != 0 {
		kind = "index"
	}
	return models.Object{Kind: models.KindIndex, Name: str(row[0]), Type: fmt.Sprintf("%s (%s)", kind, str(row[2]))}
}
