package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zulandar/roundhouse/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN for the message store.
func DSN(user, host string, port int, database string) string {
	if user == "" {
		user = "root"
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", user, host, port, database)
}

// Connect opens a GORM connection using the configured driver.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return ConnectSQLite(cfg.Path)
	case "mysql":
		return ConnectMySQL(cfg.User, cfg.Host, cfg.Port, cfg.Name)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// ConnectSQLite opens (creating if needed) a SQLite database file.
// The special path ":memory:" opens an in-memory database.
func ConnectSQLite(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("db: create dir for %s: %w", path, err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// between the poll loop, the IPC watcher and the scheduler.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db: sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// ConnectMySQL opens a GORM connection to a MySQL-compatible server.
func ConnectMySQL(user, host string, port int, database string) (*gorm.DB, error) {
	dsn := DSN(user, host, port, database)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", host, port, database, err)
	}
	return db, nil
}
