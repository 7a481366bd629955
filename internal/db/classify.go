package db

import (
	"strings"
	"unicode"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/willibrandon/dbnav/internal/profile"
)

// readKeywords start statements that never modify data.
var readKeywords = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"SHOW":     true,
	"EXPLAIN":  true,
	"DESCRIBE": true,
	"DESC":     true,
	"VALUES":   true,
	"TABLE":    true,
	"PRAGMA":   true,
}

// IsWrite reports whether sql may modify the database. Postgres statements
// are parsed; other dialects fall back to the leading keyword.
func IsWrite(driver profile.Driver, sql string) bool {
	if driver == profile.DriverPostgres {
		if write, ok := pgIsWrite(sql); ok {
			return write
		}
	}
	return keywordIsWrite(driver, sql)
}

// pgIsWrite walks the parse tree. ok is false when sql does not parse.
func pgIsWrite(sql string) (write, ok bool) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return false, false
	}

	for _, stmt := range result.Stmts {
		if stmt.Stmt == nil {
			continue
		}
		if pgNodeIsWrite(stmt.Stmt) {
			return true, true
		}
	}
	return false, true
}

func pgNodeIsWrite(node *pg_query.Node) bool {
	if sel := node.GetSelectStmt(); sel != nil {
		// SELECT INTO creates a table, FOR UPDATE takes row locks
		if sel.IntoClause != nil || len(sel.LockingClause) > 0 {
			return true
		}
		if sel.WithClause != nil {
			for _, cte := range sel.WithClause.Ctes {
				if c := cte.GetCommonTableExpr(); c != nil && c.Ctequery != nil && pgNodeIsWrite(c.Ctequery) {
					return true
				}
			}
		}
		return false
	}
	if explain := node.GetExplainStmt(); explain != nil {
		// EXPLAIN ANALYZE executes the statement
		for _, opt := range explain.Options {
			if d := opt.GetDefElem(); d != nil && strings.EqualFold(d.Defname, "analyze") {
				return explain.Query != nil && pgNodeIsWrite(explain.Query)
			}
		}
		return false
	}
	switch {
	case node.GetVariableShowStmt() != nil,
		node.GetVariableSetStmt() != nil,
		node.GetTransactionStmt() != nil,
		node.GetDeclareCursorStmt() != nil,
		node.GetFetchStmt() != nil,
		node.GetClosePortalStmt() != nil:
		return false
	}
	return true
}

func keywordIsWrite(driver profile.Driver, sql string) bool {
	kw := leadingKeyword(sql)
	if kw == "" {
		return false
	}
	if kw == "PRAGMA" && driver == profile.DriverSQLite && strings.Contains(sql, "=") {
		return true
	}
	if kw == "WITH" {
		upper := strings.ToUpper(sql)
		for _, w := range []string{"INSERT ", "UPDATE ", "DELETE ", "MERGE "} {
			if strings.Contains(upper, w) {
				return true
			}
		}
	}
	return !readKeywords[kw]
}

// leadingKeyword returns the first word of sql after comments and opening
// parentheses, upper-cased.
func leadingKeyword(sql string) string {
	s := sql
	for {
		s = strings.TrimLeftFunc(s, func(r rune) bool { return unicode.IsSpace(r) || r == '(' })
		switch {
		case strings.HasPrefix(s, "--"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return ""
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s, "*/")
			if i < 0 {
				return ""
			}
			s = s[i+2:]
		default:
			end := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
			if end < 0 {
				end = len(s)
			}
			return strings.ToUpper(s[:end])
		}
	}
}
