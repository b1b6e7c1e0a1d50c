package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// quoteIdent quotes a configured table or column name. Names are validated
// when the namespace catalog is loaded; quoting keeps reserved words safe.
func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func textExpr(column string) string {
	return fmt.Sprintf("COALESCE(CAST(%s AS TEXT), '')", quoteIdent(column))
}
