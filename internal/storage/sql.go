package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" database/sql driver
	_ "modernc.org/sqlite" // pure go sqlite driver, registers "sqlite"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// SQL persists every collection as one row of the state table.
type SQL struct {
	db     *sqlx.DB
	driver string
}

type stateRow struct {
	Payload  []byte `db:"payload"`
	Revision int64  `db:"revision"`
}

// OpenSQL opens (and if needed creates) the state table using driver and dsn.
// For sqlite the dsn is a file path; parent directories are created.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = "tsoam.db"
		}
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("create dirs: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)"
		}
	case DriverPostgres, DriverPgx:
		if dsn == "" {
			return nil, errors.New("postgres dsn is required")
		}
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	payloadType := "BLOB"
	if driver != DriverSQLite {
		payloadType = "BYTEA"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload %s NOT NULL,
		revision BIGINT NOT NULL
	)`, payloadType)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &SQL{db: db, driver: driver}, nil
}

func (s *SQL) Get(ctx context.Context, key string) (Item, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT payload, revision FROM state WHERE bucket = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, nil
	}
	if err != nil {
		return Item{}, fmt.Errorf("select %s: %w", key, err)
	}
	return Item{Value: row.Payload, Revision: row.Revision}, nil
}

func (s *SQL) Put(ctx context.Context, key string, value []byte, expectedRevision int64) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if expectedRevision == 0 {
		res, err = s.db.ExecContext(ctx,
			s.db.Rebind(`INSERT INTO state (bucket, payload, revision) VALUES (?, ?, 1) ON CONFLICT (bucket) DO NOTHING`),
			key, value)
	} else {
		res, err = s.db.ExecContext(ctx,
			s.db.Rebind(`UPDATE state SET payload = ?, revision = revision + 1 WHERE bucket = ? AND revision = ?`),
			value, key, expectedRevision)
	}
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	if n == 0 {
		return 0, ErrRevisionMismatch
	}
	return expectedRevision + 1, nil
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }

// Driver returns the database/sql driver name.
func (s *SQL) Driver() string { return s.driver }
