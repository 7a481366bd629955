package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/willibrandon/dbnav/internal/profile"
)

func TestIsWrite(t *testing.T) {
	tests := []struct {
		name   string
		driver profile.Driver
		sql    string
		want   bool
	}{
		{"pg select", profile.DriverPostgres, "SELECT * FROM users", false},
		{"pg select for update", profile.DriverPostgres, "SELECT * FROM users FOR UPDATE", true},
		{"pg select into", profile.DriverPostgres, "SELECT * INTO backup FROM users", true},
		{"pg writing cte", profile.DriverPostgres, "WITH d AS (DELETE FROM t RETURNING *) SELECT * FROM d", true},
		{"pg reading cte", profile.DriverPostgres, "WITH x AS (SELECT 1) SELECT * FROM x", false},
		{"pg explain", profile.DriverPostgres, "EXPLAIN SELECT 1", false},
		{"pg explain analyze delete", profile.DriverPostgres, "EXPLAIN (ANALYZE) DELETE FROM t", true},
		{"pg show", profile.DriverPostgres, "SHOW server_version", false},
		{"pg insert", profile.DriverPostgres, "INSERT INTO t VALUES (1)", true},
		{"pg ddl", profile.DriverPostgres, "CREATE TABLE t (id int)", true},
		{"pg multi statement", profile.DriverPostgres, "SELECT 1; DROP TABLE t", true},
		{"pg unparsable falls back", profile.DriverPostgres, "SELEC 1", true},
		{"mysql select", profile.DriverMySQL, "  select 1", false},
		{"mysql describe", profile.DriverMySQL, "DESCRIBE users", false},
		{"mysql update", profile.DriverMySQL, "UPDATE users SET a = 1", true},
		{"mysql comment then select", profile.DriverMySQL, "/* hint */ -- x\nSELECT 1", false},
		{"mysql parenthesised select", profile.DriverMySQL, "(SELECT 1) UNION (SELECT 2)", false},
		{"mysql cte with delete", profile.DriverMySQL, "WITH x AS (SELECT 1) DELETE FROM t", true},
		{"sqlite pragma read", profile.DriverSQLite, "PRAGMA table_info(users)", false},
		{"sqlite pragma write", profile.DriverSQLite, "PRAGMA journal_mode = WAL", true},
		{"empty", profile.DriverSQLite, "   ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsWrite(tt.driver, tt.sql))
		})
	}
}

func TestLeadingKeyword(t *testing.T) {
	assert.Equal(t, "SELECT", leadingKeyword("-- note\n  /* x */ ((select 1))"))
	assert.Equal(t, "", leadingKeyword("-- only a comment"))
	assert.Equal(t, "INSERT", leadingKeyword("insert into t values (1)"))
}
