package port

import (
	"context"
	"time"

	"github.com/rl1809/drone-inventory/internal/core/domain"
)

type ProductCatalog interface {
	// FindProductByBarcode returns nil, nil when no product carries the barcode
	FindProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
}

type LedgerStore interface {
	// UpsertLocation adds delta to the (product, location) row, creating it at zero first,
	// and bumps the running session's counter, all in one transaction.
	// Returns domain.ErrSessionNotRunning if the session is already closed.
	UpsertLocation(ctx context.Context, productID int64, location string, sessionID int64, delta int, at time.Time) (quantity int, sessionTotal int, err error)

	// GetLocation returns nil, nil when the row does not exist
	GetLocation(ctx context.Context, productID int64, location string) (*domain.InventoryLocation, error)
}

type SessionStore interface {
	// GetRunning returns nil, nil when the drone has no running session
	GetRunning(ctx context.Context, droneID int64) (*domain.ScanSession, error)

	// Create opens a running session, failing with domain.ErrDuplicateRunningSession
	// if one already exists for the drone
	Create(ctx context.Context, droneID int64, at time.Time) (*domain.ScanSession, error)

	// FinishSession moves a running session to a terminal status. Closing a finished
	// session returns domain.ErrSessionNotRunning and changes nothing.
	FinishSession(ctx context.Context, sessionID int64, status domain.SessionStatus, at time.Time) error

	Get(ctx context.Context, sessionID int64) (*domain.ScanSession, error)

	ListRunning(ctx context.Context) ([]domain.ScanSession, error)
}

// Ledger is a durable store serving every ledger port.
type Ledger interface {
	ProductCatalog
	LedgerStore
	SessionStore
	Ping(ctx context.Context) error
}
