package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema.sql
var schema string

// DBConn is a database/sql handle. The driver must be registered by the
// caller: "postgres" (lib/pq), "pgx" (pgx stdlib) or "sqlite" (modernc).
type DBConn struct {
	conn   *sql.DB
	driver string
}

func NewDatabaseConnection(driver, dsn string) (*DBConn, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" {
		// an in-memory database exists per connection
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &DBConn{conn: db, driver: driver}, nil
}

// Migrate creates the tables read and written by the chat core if they do
// not exist yet.
func (db *DBConn) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}

		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}

func (db *DBConn) Ping() error {
	return db.conn.Ping()
}

func (db *DBConn) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
