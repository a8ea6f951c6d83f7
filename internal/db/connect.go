// Package db provides GORM connection and migration helpers.
package db

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options selects the database backend. SQLite is the default and needs
// only Path; MySQL needs Host/Port/Database.
type Options struct {
	Driver   string // "sqlite" (default) or "mysql"
	Path     string // sqlite file path, or ":memory:"
	Host     string
	Port     int
	User     string
	Database string
}

// DSN builds a MySQL DSN from the options.
func DSN(o Options) string {
	user := o.User
	if user == "" {
		user = "root"
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", user, o.Host, o.Port, o.Database)
}

// Connect opens a GORM connection for the configured backend.
func Connect(o Options) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	switch o.Driver {
	case "", "sqlite":
		path := o.Path
		if path == "" {
			path = "nanoclaw.db"
		}
		db, err := gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
		}
		return db, nil
	case "mysql":
		db, err := gorm.Open(mysql.Open(DSN(o)), cfg)
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", o.Host, o.Port, o.Database, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("db: unknown driver %q", o.Driver)
	}
}
