package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/rl1809/drone-inventory/internal/core/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS products (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	barcode TEXT NOT NULL UNIQUE,
	sku TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	drone_id INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	last_scan_at INTEGER,
	total_items_scanned INTEGER NOT NULL DEFAULT 0 CHECK (total_items_scanned >= 0),
	status TEXT NOT NULL DEFAULT 'running'
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_scan_sessions_running_drone
	ON scan_sessions (drone_id) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS inventory_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id INTEGER NOT NULL REFERENCES products (id) ON DELETE CASCADE,
	location TEXT NOT NULL,
	quantity INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
	last_scanned INTEGER,
	scan_session_id INTEGER REFERENCES scan_sessions (id),
	UNIQUE (product_id, location)
);
`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nullableMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

// SQLiteAdapter serves the ledger ports from an embedded SQLite file.
//
// The pool is capped at one connection so write transactions queue in
// database/sql instead of failing with SQLITE_BUSY.
type SQLiteAdapter struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteAdapter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteAdapter{db: db}, nil
}

func (s *SQLiteAdapter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteAdapter) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PutProduct inserts or updates a catalog entry keyed by barcode.
func (s *SQLiteAdapter) PutProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (barcode, sku, name) VALUES (?, ?, ?)
		ON CONFLICT (barcode) DO UPDATE SET sku = excluded.sku, name = excluded.name
		RETURNING id`,
		p.Barcode, p.SKU, p.Name,
	).Scan(&p.ID)
	if err != nil {
		return domain.Product{}, fmt.Errorf("put product: %w", err)
	}
	return p, nil
}

func (s *SQLiteAdapter) FindProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, barcode, sku, name FROM products WHERE barcode = ?`, barcode,
	).Scan(&p.ID, &p.Barcode, &p.SKU, &p.Name)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (s *SQLiteAdapter) UpsertLocation(ctx context.Context, productID int64, location string, sessionID int64, delta int, at time.Time) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stamp := toMillis(at)

	var total int
	err = tx.QueryRowContext(ctx, `
		UPDATE scan_sessions
		SET total_items_scanned = total_items_scanned + ?, last_scan_at = ?
		WHERE id = ? AND status = 'running'
		RETURNING total_items_scanned`,
		delta, stamp, sessionID,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, domain.ErrSessionNotRunning
	}
	if err != nil {
		return 0, 0, fmt.Errorf("update session: %w", err)
	}

	var quantity int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO inventory_items (product_id, location, quantity, last_scanned, scan_session_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (product_id, location) DO UPDATE
		SET quantity = quantity + excluded.quantity,
			last_scanned = excluded.last_scanned,
			scan_session_id = excluded.scan_session_id
		RETURNING quantity`,
		productID, location, delta, stamp, sessionID,
	).Scan(&quantity)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert inventory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return quantity, total, nil
}

func (s *SQLiteAdapter) GetLocation(ctx context.Context, productID int64, location string) (*domain.InventoryLocation, error) {
	var (
		row       domain.InventoryLocation
		scanned   sql.NullInt64
		sessionID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, location, quantity, last_scanned, scan_session_id
		FROM inventory_items WHERE product_id = ? AND location = ?`,
		productID, location,
	).Scan(&row.ID, &row.ProductID, &row.Location, &row.Quantity, &scanned, &sessionID)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}

	row.LastScanned = nullableMillis(scanned)
	if sessionID.Valid {
		id := sessionID.Int64
		row.ScanSessionID = &id
	}
	return &row, nil
}

const sqliteSessionColumns = `id, drone_id, started_at, finished_at, last_scan_at, total_items_scanned, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*domain.ScanSession, error) {
	var (
		s        domain.ScanSession
		started  int64
		finished sql.NullInt64
		lastScan sql.NullInt64
		status   string
	)
	if err := row.Scan(&s.ID, &s.DroneID, &started, &finished, &lastScan, &s.TotalItemsScanned, &status); err != nil {
		return nil, err
	}
	s.StartedAt = fromMillis(started)
	s.FinishedAt = nullableMillis(finished)
	s.LastScanAt = nullableMillis(lastScan)
	s.Status = domain.SessionStatus(status)
	return &s, nil
}

func (s *SQLiteAdapter) GetRunning(ctx context.Context, droneID int64) (*domain.ScanSession, error) {
	session, err := scanSQLiteSession(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM scan_sessions WHERE drone_id = ? AND status = 'running'`, droneID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query running session: %w", err)
	}
	return session, nil
}

func (s *SQLiteAdapter) Create(ctx context.Context, droneID int64, at time.Time) (*domain.ScanSession, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_sessions (drone_id, started_at, total_items_scanned, status)
		VALUES (?, ?, 0, 'running')`,
		droneID, toMillis(at),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, domain.ErrDuplicateRunningSession
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return &domain.ScanSession{
		ID:        id,
		DroneID:   droneID,
		StartedAt: fromMillis(toMillis(at)),
		Status:    domain.SessionStatusRunning,
	}, nil
}

func (s *SQLiteAdapter) FinishSession(ctx context.Context, sessionID int64, status domain.SessionStatus, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot close session with status %q", status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE scan_sessions SET status = ?, finished_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), toMillis(at), sessionID,
	)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrSessionNotRunning
	}
	return nil
}

func (s *SQLiteAdapter) Get(ctx context.Context, sessionID int64) (*domain.ScanSession, error) {
	session, err := scanSQLiteSession(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM scan_sessions WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return session, nil
}

func (s *SQLiteAdapter) ListRunning(ctx context.Context) ([]domain.ScanSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM scan_sessions WHERE status = 'running' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query running sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.ScanSession
	for rows.Next() {
		session, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
