package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/drone-inventory/internal/core/domain"
	"github.com/rl1809/drone-inventory/internal/port"
)

// seedableLedger is a ledger that can also register catalog entries.
type seedableLedger interface {
	port.Ledger
	PutProduct(ctx context.Context, p domain.Product) (domain.Product, error)
}

// runLedgerContract exercises the behaviour every ledger adapter shares.
func runLedgerContract(t *testing.T, newLedger func(t *testing.T) seedableLedger) {
	t.Run("find product", func(t *testing.T) {
		ledger := newLedger(t)
		ctx := context.Background()

		stored, err := ledger.PutProduct(ctx, domain.Product{Barcode: "123", SKU: "W-1", Name: "Widget"})
		require.NoError(t, err)
		assert.NotZero(t, stored.ID)

		got, err := ledger.FindProductByBarcode(ctx, "123")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, stored, *got)

		missing, err := ledger.FindProductByBarcode(ctx, "0000000000000")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("session lifecycle", func(t *testing.T) {
		ledger := newLedger(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		none, err := ledger.GetRunning(ctx, 7)
		require.NoError(t, err)
		assert.Nil(t, none)

		session, err := ledger.Create(ctx, 7, now)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusRunning, session.Status)
		assert.Equal(t, 0, session.TotalItemsScanned)

		_, err = ledger.Create(ctx, 7, now)
		assert.ErrorIs(t, err, domain.ErrDuplicateRunningSession)

		running, err := ledger.GetRunning(ctx, 7)
		require.NoError(t, err)
		require.NotNil(t, running)
		assert.Equal(t, session.ID, running.ID)

		require.NoError(t, ledger.FinishSession(ctx, session.ID, domain.SessionStatusCompleted, now.Add(time.Minute)))
		assert.ErrorIs(t, ledger.FinishSession(ctx, session.ID, domain.SessionStatusCancelled, now), domain.ErrSessionNotRunning)
		assert.Error(t, ledger.FinishSession(ctx, session.ID, domain.SessionStatusRunning, now))

		closed, err := ledger.Get(ctx, session.ID)
		require.NoError(t, err)
		require.NotNil(t, closed)
		assert.Equal(t, domain.SessionStatusCompleted, closed.Status)
		require.NotNil(t, closed.FinishedAt)

		next, err := ledger.Create(ctx, 7, now)
		require.NoError(t, err)
		assert.NotEqual(t, session.ID, next.ID)

		list, err := ledger.ListRunning(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, next.ID, list[0].ID)
	})

	t.Run("upsert location", func(t *testing.T) {
		ledger := newLedger(t)
		ctx := context.Background()
		now := time.Now().UTC()

		product, err := ledger.PutProduct(ctx, domain.Product{Barcode: "123", SKU: "W-1", Name: "Widget"})
		require.NoError(t, err)
		session, err := ledger.Create(ctx, 3, now)
		require.NoError(t, err)

		qty, total, err := ledger.UpsertLocation(ctx, product.ID, domain.UnknownLocation, session.ID, 1, now)
		require.NoError(t, err)
		assert.Equal(t, 1, qty)
		assert.Equal(t, 1, total)

		qty, total, err = ledger.UpsertLocation(ctx, product.ID, domain.UnknownLocation, session.ID, 1, now)
		require.NoError(t, err)
		assert.Equal(t, 2, qty)
		assert.Equal(t, 2, total)

		row, err := ledger.GetLocation(ctx, product.ID, domain.UnknownLocation)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, 2, row.Quantity)
		require.NotNil(t, row.ScanSessionID)
		assert.Equal(t, session.ID, *row.ScanSessionID)
		assert.NotNil(t, row.LastScanned)

		stored, err := ledger.Get(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.TotalItemsScanned)
		assert.NotNil(t, stored.LastScanAt)
	})

	t.Run("upsert rejects closed session", func(t *testing.T) {
		ledger := newLedger(t)
		ctx := context.Background()
		now := time.Now().UTC()

		product, err := ledger.PutProduct(ctx, domain.Product{Barcode: "456", SKU: "G-1", Name: "Gadget"})
		require.NoError(t, err)
		session, err := ledger.Create(ctx, 4, now)
		require.NoError(t, err)
		require.NoError(t, ledger.FinishSession(ctx, session.ID, domain.SessionStatusCompleted, now))

		_, _, err = ledger.UpsertLocation(ctx, product.ID, domain.UnknownLocation, session.ID, 1, now)
		assert.ErrorIs(t, err, domain.ErrSessionNotRunning)

		row, err := ledger.GetLocation(ctx, product.ID, domain.UnknownLocation)
		require.NoError(t, err)
		assert.Nil(t, row, "a rejected scan must not create the inventory row")
	})

	t.Run("concurrent upserts lose nothing", func(t *testing.T) {
		ledger := newLedger(t)
		ctx := context.Background()
		now := time.Now().UTC()

		product, err := ledger.PutProduct(ctx, domain.Product{Barcode: "789", SKU: "C-1", Name: "Crate"})
		require.NoError(t, err)

		drones := 5
		scansPerDrone := 20
		sessions := make([]int64, drones)
		for i := range sessions {
			s, err := ledger.Create(ctx, int64(100+i), now)
			require.NoError(t, err)
			sessions[i] = s.ID
		}

		var failures atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < drones; i++ {
			for j := 0; j < scansPerDrone; j++ {
				wg.Add(1)
				go func(sessionID int64) {
					defer wg.Done()
					if _, _, err := ledger.UpsertLocation(ctx, product.ID, domain.UnknownLocation, sessionID, 1, time.Now()); err != nil {
						failures.Add(1)
					}
				}(sessions[i])
			}
		}
		wg.Wait()

		require.Zero(t, failures.Load())
		row, err := ledger.GetLocation(ctx, product.ID, domain.UnknownLocation)
		require.NoError(t, err)
		assert.Equal(t, drones*scansPerDrone, row.Quantity)

		for _, id := range sessions {
			s, err := ledger.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, scansPerDrone, s.TotalItemsScanned)
		}
	})

	t.Run("concurrent creates keep one running session", func(t *testing.T) {
		ledger := newLedger(t)
		ctx := context.Background()

		var created, duplicates atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ledger.Create(ctx, 55, time.Now())
				switch {
				case err == nil:
					created.Add(1)
				case errors.Is(err, domain.ErrDuplicateRunningSession):
					duplicates.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), created.Load())
		assert.Equal(t, int32(9), duplicates.Load())
	})
}
