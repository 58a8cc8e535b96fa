package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rl1809/drone-inventory/internal/adapter/storage"
	"github.com/rl1809/drone-inventory/internal/core/domain"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSessionTracker_OpensSessionOnFirstUse(t *testing.T) {
	store := storage.NewMemoryLedger()
	tracker := NewSessionTracker(store, time.Minute)
	ctx := context.Background()

	if _, ok := tracker.RunningSession(3); ok {
		t.Fatal("expected no session before first use")
	}

	var first int64
	err := tracker.WithSession(ctx, 3, func(id int64) error {
		first = id
		return nil
	})
	if err != nil {
		t.Fatalf("with session: %v", err)
	}

	var second int64
	tracker.WithSession(ctx, 3, func(id int64) error {
		second = id
		return nil
	})
	if first == 0 || first != second {
		t.Errorf("expected one session reused, got %d and %d", first, second)
	}

	session, _ := store.Get(ctx, first)
	if session.Status != domain.SessionStatusRunning || session.TotalItemsScanned != 0 {
		t.Errorf("unexpected session %+v", session)
	}
}

func TestSessionTracker_ConcurrentFirstScansOpenOneSession(t *testing.T) {
	store := storage.NewMemoryLedger()
	tracker := NewSessionTracker(store, time.Minute)

	var (
		mu  sync.Mutex
		ids = make(map[int64]bool)
		wg  sync.WaitGroup
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.WithSession(context.Background(), 9, func(id int64) error {
				mu.Lock()
				ids[id] = true
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Errorf("expected all calls to share one session, got %d ids", len(ids))
	}
	if n := store.CountRunning(9); n != 1 {
		t.Errorf("expected 1 running session, got %d", n)
	}
}

func TestSessionTracker_AdoptsSessionFromStore(t *testing.T) {
	store := storage.NewMemoryLedger()
	ctx := context.Background()
	existing, _ := store.Create(ctx, 4, time.Now())

	tracker := NewSessionTracker(store, time.Minute)
	var got int64
	tracker.WithSession(ctx, 4, func(id int64) error {
		got = id
		return nil
	})
	if got != existing.ID {
		t.Errorf("expected running session %d to be adopted, got %d", existing.ID, got)
	}
}

func TestSessionTracker_RecoversFromSessionClosedElsewhere(t *testing.T) {
	store := storage.NewMemoryLedger()
	tracker := NewSessionTracker(store, time.Minute)
	ctx := context.Background()

	var stale int64
	tracker.WithSession(ctx, 5, func(id int64) error {
		stale = id
		return nil
	})
	store.FinishSession(ctx, stale, domain.SessionStatusCancelled, time.Now())

	calls := 0
	var fresh int64
	err := tracker.WithSession(ctx, 5, func(id int64) error {
		calls++
		if id == stale {
			return domain.ErrSessionNotRunning
		}
		fresh = id
		return nil
	})
	if err != nil {
		t.Fatalf("with session: %v", err)
	}
	if calls != 2 || fresh == 0 || fresh == stale {
		t.Errorf("expected a retry on a new session, calls=%d fresh=%d stale=%d", calls, fresh, stale)
	}
}

func TestSessionTracker_Stop(t *testing.T) {
	store := storage.NewMemoryLedger()
	clock := newManualClock()
	tracker := NewSessionTracker(store, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := tracker.Stop(ctx, 6); !errors.Is(err, domain.ErrSessionNotRunning) {
		t.Fatalf("expected ErrSessionNotRunning, got %v", err)
	}

	tracker.WithSession(ctx, 6, func(id int64) error { return nil })
	clock.Advance(10 * time.Second)

	closed, err := tracker.Stop(ctx, 6)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if closed.Status != domain.SessionStatusCompleted {
		t.Errorf("expected completed, got %s", closed.Status)
	}
	if closed.FinishedAt == nil || !closed.FinishedAt.Equal(clock.Now()) {
		t.Errorf("expected finished_at %v, got %v", clock.Now(), closed.FinishedAt)
	}
	if _, ok := tracker.RunningSession(6); ok {
		t.Error("expected index cleared after stop")
	}
	if _, err := tracker.Stop(ctx, 6); !errors.Is(err, domain.ErrSessionNotRunning) {
		t.Errorf("expected second stop to fail with ErrSessionNotRunning, got %v", err)
	}
}

func TestSessionTracker_SweepClosesIdleSessions(t *testing.T) {
	store := storage.NewMemoryLedger()
	clock := newManualClock()
	tracker := NewSessionTracker(store, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	product, _ := store.PutProduct(ctx, domain.Product{Barcode: "123", SKU: "W-1", Name: "Widget"})
	var idle int64
	tracker.WithSession(ctx, 1, func(id int64) error {
		idle = id
		_, _, err := store.UpsertLocation(ctx, product.ID, domain.UnknownLocation, id, 1, clock.Now())
		return err
	})

	clock.Advance(50 * time.Second)
	var busy int64
	tracker.WithSession(ctx, 2, func(id int64) error {
		busy = id
		return nil
	})

	clock.Advance(20 * time.Second)
	closed, err := tracker.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(closed) != 1 || closed[0].ID != idle {
		t.Fatalf("expected only session %d closed, got %+v", idle, closed)
	}
	if closed[0].Status != domain.SessionStatusCompleted || closed[0].TotalItemsScanned != 1 {
		t.Errorf("unexpected closed session %+v", closed[0])
	}

	still, _ := store.Get(ctx, busy)
	if !still.IsRunning() {
		t.Error("expected the recently active session to keep running")
	}
	if _, ok := tracker.RunningSession(1); ok {
		t.Error("expected swept drone to be back in NoSession")
	}

	again, _ := tracker.Sweep(ctx)
	if len(again) != 0 {
		t.Errorf("expected nothing left to sweep, got %d", len(again))
	}
}

func TestSessionTracker_RunStopsWithContext(t *testing.T) {
	store := storage.NewMemoryLedger()
	tracker := NewSessionTracker(store, time.Nanosecond)
	ctx, cancel := context.WithCancel(context.Background())

	tracker.WithSession(ctx, 8, func(id int64) error { return nil })
	time.Sleep(time.Millisecond)

	closedCh := make(chan domain.ScanSession, 1)
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx, 5*time.Millisecond, func(s domain.ScanSession) {
			select {
			case closedCh <- s:
			default:
			}
		})
		close(done)
	}()

	select {
	case s := <-closedCh:
		if s.DroneID != 8 {
			t.Errorf("expected drone 8 swept, got %d", s.DroneID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep loop never closed the idle session")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
