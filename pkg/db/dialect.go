package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Dialect(cfg Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "postgres", "":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.Host,
			cfg.User,
			cfg.Password,
			cfg.Name,
			cfg.Port,
			cfg.SSLMode,
		)), nil
	case "sqlite":
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			name = "bookline"
		}
		return sqlite.Open(fmt.Sprintf("file:%s.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", name)), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.Type)
	}
}

// IsPostgres reports whether the connection speaks the postgres dialect.
func IsPostgres(conn *gorm.DB) bool {
	return conn != nil && conn.Dialector != nil && conn.Dialector.Name() == "postgres"
}

// SkipLocked returns the row-claim suffix for SELECT statements. Embedded
// engines serialize writers already and do not understand the clause.
func SkipLocked(conn *gorm.DB) string {
	if IsPostgres(conn) {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// ForUpdate returns the row-lock suffix for SELECT statements.
func ForUpdate(conn *gorm.DB) string {
	if IsPostgres(conn) {
		return " FOR UPDATE"
	}
	return ""
}
