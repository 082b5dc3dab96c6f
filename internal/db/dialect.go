package db

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Dialect identifiers supported by the database layer.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DialectName returns the active database dialect name.
func DialectName(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return conn.Dialector.Name()
}

// IsSQLite reports whether the connection uses SQLite.
func IsSQLite(conn *gorm.DB) bool {
	return DialectName(conn) == DialectSQLite
}

// CaseInsensitiveLike returns a WHERE fragment and argument matching column against a substring.
func CaseInsensitiveLike(conn *gorm.DB, column, needle string) (string, string) {
	pattern := "%" + needle + "%"
	if IsSQLite(conn) {
		return fmt.Sprintf("LOWER(%s) LIKE ?", column), strings.ToLower(pattern)
	}
	return fmt.Sprintf("%s ILIKE ?", column), pattern
}
