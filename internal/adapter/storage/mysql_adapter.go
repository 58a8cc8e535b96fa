package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/drone-inventory/internal/core/domain"
)

const mysqlDuplicateEntry = 1062

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		barcode VARCHAR(100) NOT NULL UNIQUE,
		sku VARCHAR(50) NOT NULL UNIQUE,
		name VARCHAR(200) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scan_sessions (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		drone_id BIGINT NOT NULL,
		started_at DATETIME(6) NOT NULL,
		finished_at DATETIME(6) NULL,
		last_scan_at DATETIME(6) NULL,
		total_items_scanned INT NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL DEFAULT 'running',
		running_drone_id BIGINT AS (IF(status = 'running', drone_id, NULL)) STORED,
		UNIQUE KEY uq_scan_sessions_running_drone (running_drone_id),
		KEY idx_scan_sessions_status (status)
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_items (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		product_id BIGINT NOT NULL,
		location VARCHAR(100) NOT NULL,
		quantity INT NOT NULL DEFAULT 0,
		last_scanned DATETIME(6) NULL,
		scan_session_id BIGINT NULL,
		UNIQUE KEY uq_product_location (product_id, location),
		CONSTRAINT fk_inventory_product FOREIGN KEY (product_id) REFERENCES products (id) ON DELETE CASCADE,
		CONSTRAINT fk_inventory_session FOREIGN KEY (scan_session_id) REFERENCES scan_sessions (id)
	)`,
}

// MySQLAdapter serves the ledger ports from MySQL. Inventory rows are
// updated under InnoDB row locks inside one transaction per scan.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the tables when missing.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQLAdapter) PutProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (barcode, sku, name) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE sku = VALUES(sku), name = VALUES(name)`,
		p.Barcode, p.SKU, p.Name,
	)
	if err != nil {
		return domain.Product{}, fmt.Errorf("put product: %w", err)
	}

	stored, err := m.FindProductByBarcode(ctx, p.Barcode)
	if err != nil {
		return domain.Product{}, err
	}
	if stored == nil {
		return domain.Product{}, fmt.Errorf("product %q vanished after insert", p.Barcode)
	}
	return *stored, nil
}

func (m *MySQLAdapter) FindProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	var p domain.Product
	err := m.db.QueryRowContext(ctx, `
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

func (m *MySQLAdapter) UpsertLocation(ctx context.Context, productID int64, location string, sessionID int64, delta int, at time.Time) (int, int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE scan_sessions
		SET total_items_scanned = total_items_scanned + ?, last_scan_at = ?
		WHERE id = ? AND status = 'running'`,
		delta, at.UTC(), sessionID,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("update session: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, 0, domain.ErrSessionNotRunning
	}

	var total int
	if err := tx.QueryRowContext(ctx, `
		SELECT total_items_scanned FROM scan_sessions WHERE id = ?`, sessionID,
	).Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("read session total: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_items (product_id, location, quantity, last_scanned, scan_session_id)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			quantity = quantity + VALUES(quantity),
			last_scanned = VALUES(last_scanned),
			scan_session_id = VALUES(scan_session_id)`,
		productID, location, delta, at.UTC(), sessionID,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert inventory: %w", err)
	}

	var quantity int
	if err := tx.QueryRowContext(ctx, `
		SELECT quantity FROM inventory_items
		WHERE product_id = ? AND location = ? FOR UPDATE`,
		productID, location,
	).Scan(&quantity); err != nil {
		return 0, 0, fmt.Errorf("read quantity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return quantity, total, nil
}

func (m *MySQLAdapter) GetLocation(ctx context.Context, productID int64, location string) (*domain.InventoryLocation, error) {
	var (
		row       domain.InventoryLocation
		scanned   sql.NullTime
		sessionID sql.NullInt64
	)
	err := m.db.QueryRowContext(ctx, `
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

	if scanned.Valid {
		t := scanned.Time
		row.LastScanned = &t
	}
	if sessionID.Valid {
		id := sessionID.Int64
		row.ScanSessionID = &id
	}
	return &row, nil
}

const mysqlSessionColumns = `id, drone_id, started_at, finished_at, last_scan_at, total_items_scanned, status`

func scanMySQLSession(row rowScanner) (*domain.ScanSession, error) {
	var (
		s        domain.ScanSession
		finished sql.NullTime
		lastScan sql.NullTime
		status   string
	)
	if err := row.Scan(&s.ID, &s.DroneID, &s.StartedAt, &finished, &lastScan, &s.TotalItemsScanned, &status); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		s.FinishedAt = &t
	}
	if lastScan.Valid {
		t := lastScan.Time
		s.LastScanAt = &t
	}
	s.Status = domain.SessionStatus(status)
	return &s, nil
}

func (m *MySQLAdapter) GetRunning(ctx context.Context, droneID int64) (*domain.ScanSession, error) {
	session, err := scanMySQLSession(m.db.QueryRowContext(ctx,
		`SELECT `+mysqlSessionColumns+` FROM scan_sessions WHERE drone_id = ? AND status = 'running'`, droneID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query running session: %w", err)
	}
	return session, nil
}

func (m *MySQLAdapter) Create(ctx context.Context, droneID int64, at time.Time) (*domain.ScanSession, error) {
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO scan_sessions (drone_id, started_at, total_items_scanned, status)
		VALUES (?, ?, 0, 'running')`,
		droneID, at.UTC(),
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
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
		StartedAt: at.UTC(),
		Status:    domain.SessionStatusRunning,
	}, nil
}

func (m *MySQLAdapter) FinishSession(ctx context.Context, sessionID int64, status domain.SessionStatus, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot close session with status %q", status)
	}

	result, err := m.db.ExecContext(ctx, `
		UPDATE scan_sessions SET status = ?, finished_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), at.UTC(), sessionID,
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

func (m *MySQLAdapter) Get(ctx context.Context, sessionID int64) (*domain.ScanSession, error) {
	session, err := scanMySQLSession(m.db.QueryRowContext(ctx,
		`SELECT `+mysqlSessionColumns+` FROM scan_sessions WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return session, nil
}

func (m *MySQLAdapter) ListRunning(ctx context.Context) ([]domain.ScanSession, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+mysqlSessionColumns+` FROM scan_sessions WHERE status = 'running' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query running sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.ScanSession
	for rows.Next() {
		session, err := scanMySQLSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}
