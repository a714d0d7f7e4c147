// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// AutoIncrementPK returns the column definition for an auto-incrementing
// integer primary key.
//
//	SQLite:   INTEGER PRIMARY KEY AUTOINCREMENT
//	Postgres: BIGSERIAL PRIMARY KEY
func AutoIncrementPK(driver string) string {
	if IsPostgres(driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}
