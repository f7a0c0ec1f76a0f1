// Package dialect renders the SQL fragments that differ between the
// archive's SQLite and PostgreSQL backends.
package dialect

import "fmt"

// Driver names as sqlx knows them.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

func IsPostgres(driver string) bool {
	return driver == PGX
}

// JSONExtract reads one top-level field out of a JSON text column.
//
//	SQLite:   json_extract(col, '$.field')
//	Postgres: col::jsonb->>'field'
func JSONExtract(driver, col, field string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb->>'%s'", col, field)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, field)
}

// Like is the case-insensitive pattern operator. SQLite's LIKE already
// ignores ASCII case; Postgres needs ILIKE.
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

// NowMinusHours is the timestamp "hoursExpr hours ago", where
// hoursExpr may be a placeholder or a column.
//
//	SQLite:   datetime('now', '-' || hoursExpr || ' hours')
//	Postgres: NOW() - (hoursExpr || ' hours')::interval
func NowMinusHours(driver, hoursExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' hours')::interval", hoursExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' hours')", hoursExpr)
}
