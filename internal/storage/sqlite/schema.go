package sqlite

import "context"

// initSchema creates the database schema if it doesn't exist.
func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	-- One row per distinct statement shape and profile
	CREATE TABLE IF NOT EXISTS statement_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile TEXT NOT NULL,
		fingerprint INTEGER NOT NULL,
		query TEXT NOT NULL,
		status TEXT NOT NULL,
		executed_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		row_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		runs INTEGER NOT NULL DEFAULT 1,
		UNIQUE (profile, fingerprint)
	);

	CREATE INDEX IF NOT EXISTS idx_statement_history_executed_at ON statement_history(executed_at DESC);
	`

	_, err := db.conn.ExecContext(ctx, schema)
	return err
}
