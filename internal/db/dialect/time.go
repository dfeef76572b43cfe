package dialect

import "fmt"

// DurationMs returns the SQL expression for the difference between two timestamps in milliseconds.
//
//	SQLite:   (julianday(end) - julianday(start)) * 86400000
//	Postgres: EXTRACT(EPOCH FROM (end - start)) * 1000
func DurationMs(driver, end, start string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("EXTRACT(EPOCH FROM (%s - %s)) * 1000", end, start)
	}
	return fmt.Sprintf("(julianday(%s) - julianday(%s)) * 86400000", end, start)
}

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// NowMinusMinutes returns the SQL expression for "current time minus N minutes",
// where minutesExpr is a parameter placeholder (e.g., "?") or an expression.
//
//	SQLite:   datetime('now', '-' || ? || ' minutes')
//	Postgres: NOW() - (? || ' minutes')::interval
func NowMinusMinutes(driver, minutesExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' minutes')::interval", minutesExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' minutes')", minutesExpr)
}
