package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/drone-inventory/internal/core/domain"
	"github.com/rl1809/drone-inventory/internal/observability/logger"
	"github.com/rl1809/drone-inventory/internal/observability/metrics"
	"github.com/rl1809/drone-inventory/internal/port"
)

const defaultStoreTimeout = 5 * time.Second

// SessionScope hands out the running session a scan is attributed to.
type SessionScope interface {
	WithSession(ctx context.Context, droneID int64, fn func(sessionID int64) error) error
}

// Ledger records barcode scans against the inventory.
type Ledger struct {
	catalog  port.ProductCatalog
	store    port.LedgerStore
	sessions SessionScope
	timeout  time.Duration
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
}

type LedgerConfig struct {
	// StoreTimeout bounds each scan's store work. Zero means five seconds.
	StoreTimeout time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

func NewLedger(catalog port.ProductCatalog, store port.LedgerStore, sessions SessionScope, cfg LedgerConfig) *Ledger {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		catalog:  catalog,
		store:    store,
		sessions: sessions,
		timeout:  cfg.StoreTimeout,
		now:      cfg.Now,
		log:      logger.OrNop(cfg.Logger),
		metrics:  cfg.Metrics,
	}
}

// RecordScan adds one unit of the scanned product to the UNKNOWN location
// under the drone's running session. An unregistered barcode yields an
// OutcomeUnknown and mutates nothing. Store failures wrap
// domain.ErrStoreUnavailable.
//
// The store work is detached from ctx cancellation so a closing connection
// never aborts a write midway; it is still bounded by the store timeout.
func (l *Ledger) RecordScan(ctx context.Context, barcode string, droneID int64) (domain.ScanOutcome, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.ScanOutcome{}, fmt.Errorf("%w: empty barcode", domain.ErrMalformedFrame)
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	begin := time.Now()
	product, err := l.catalog.FindProductByBarcode(storeCtx, barcode)
	l.metrics.ObserveStore("find_product", begin)
	if err != nil {
		return domain.ScanOutcome{}, fmt.Errorf("%w: find product: %w", domain.ErrStoreUnavailable, err)
	}
	if product == nil {
		l.log.Info("scan of unknown barcode",
			zap.String("barcode", barcode),
			zap.Int64("drone_id", droneID))
		return domain.UnknownOutcome(barcode), nil
	}

	outcome := domain.ScanOutcome{
		Kind:    domain.OutcomeScanned,
		Barcode: barcode,
		Product: *product,
	}
	err = l.sessions.WithSession(storeCtx, droneID, func(sessionID int64) error {
		begin := time.Now()
		quantity, total, err := l.store.UpsertLocation(storeCtx, product.ID, domain.UnknownLocation, sessionID, 1, l.now())
		l.metrics.ObserveStore("upsert_location", begin)
		if err != nil {
			return err
		}
		outcome.Quantity = quantity
		outcome.SessionID = sessionID
		outcome.SessionTotal = total
		return nil
	})
	if err != nil {
		return domain.ScanOutcome{}, fmt.Errorf("%w: record scan: %w", domain.ErrStoreUnavailable, err)
	}

	l.log.Debug("scan recorded",
		zap.String("barcode", barcode),
		zap.Int64("drone_id", droneID),
		zap.Int64("session_id", outcome.SessionID),
		zap.Int("quantity", outcome.Quantity),
		zap.Int("total_scanned", outcome.SessionTotal))
	return outcome, nil
}
