package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// Postgres database/sql driver names.
const (
	DriverPQ  = "postgres"
	DriverPgx = "pgx"
)

func pgUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.UniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

func postgresDialect() dialect {
	return dialect{name: "postgres", numbered: true, returningID: true, uniqueViolation: pgUniqueViolation}
}

// NewPostgresStore connects with the given driver ("postgres" for lib/pq,
// "pgx" for pgx) and waits for the server to answer. The schema is owned by
// migrations, see ApplyMigrations.
func NewPostgresStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "", DriverPQ:
		driver = DriverPQ
	case DriverPgx:
	default:
		return nil, fmt.Errorf("unknown postgres driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStoreFromDB(db), nil
}

// NewPostgresStoreFromDB wraps an already open handle.
func NewPostgresStoreFromDB(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, d: postgresDialect()}
}
