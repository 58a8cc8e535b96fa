package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/drone-inventory/internal/core/domain"
	"github.com/rl1809/drone-inventory/internal/observability/logger"
	"github.com/rl1809/drone-inventory/internal/observability/metrics"
	"github.com/rl1809/drone-inventory/internal/port"
)

// SessionTracker runs the per-drone NoSession/Running state machine.
//
// Every operation touching one drone's session goes through that drone's
// slot mutex, so "find running session or open one" never races for the
// same drone. The slot's cached session id is only an index over the
// store's rows; the store's one-running-session constraint stays the
// backstop.
type SessionTracker struct {
	store       port.SessionStore
	idleTimeout time.Duration
	now         func() time.Time
	log         *zap.Logger
	metrics     *metrics.Metrics

	mu    sync.Mutex
	slots map[int64]*droneSlot
}

type droneSlot struct {
	mu        sync.Mutex
	sessionID int64 // 0 means NoSession
}

type TrackerOption func(*SessionTracker)

func WithClock(now func() time.Time) TrackerOption {
	return func(t *SessionTracker) { t.now = now }
}

func WithTrackerLogger(log *zap.Logger) TrackerOption {
	return func(t *SessionTracker) { t.log = logger.OrNop(log) }
}

func WithTrackerMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *SessionTracker) { t.metrics = m }
}

func NewSessionTracker(store port.SessionStore, idleTimeout time.Duration, opts ...TrackerOption) *SessionTracker {
	t := &SessionTracker{
		store:       store,
		idleTimeout: idleTimeout,
		now:         time.Now,
		log:         zap.NewNop(),
		slots:       make(map[int64]*droneSlot),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *SessionTracker) slot(droneID int64) *droneSlot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[droneID]
	if !ok {
		s = &droneSlot{}
		t.slots[droneID] = s
	}
	return s
}

// WithSession runs fn with the drone's running session id, opening a
// session first when the drone has none. Calls for the same drone run one
// at a time.
func (t *SessionTracker) WithSession(ctx context.Context, droneID int64, fn func(sessionID int64) error) error {
	slot := t.slot(droneID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	sessionID, err := t.resolve(ctx, droneID, slot)
	if err != nil {
		return err
	}

	err = fn(sessionID)
	if errors.Is(err, domain.ErrSessionNotRunning) {
		// closed behind the index's back, e.g. by another process
		slot.sessionID = 0
		if sessionID, err = t.resolve(ctx, droneID, slot); err != nil {
			return err
		}
		err = fn(sessionID)
	}
	return err
}

func (t *SessionTracker) resolve(ctx context.Context, droneID int64, slot *droneSlot) (int64, error) {
	if slot.sessionID != 0 {
		return slot.sessionID, nil
	}

	running, err := t.store.GetRunning(ctx, droneID)
	if err != nil {
		return 0, fmt.Errorf("get running session: %w", err)
	}
	if running != nil {
		slot.sessionID = running.ID
		return running.ID, nil
	}

	created, err := t.store.Create(ctx, droneID, t.now())
	if errors.Is(err, domain.ErrDuplicateRunningSession) {
		running, err = t.store.GetRunning(ctx, droneID)
		if err != nil {
			return 0, fmt.Errorf("get running session: %w", err)
		}
		if running == nil {
			return 0, domain.ErrDuplicateRunningSession
		}
		slot.sessionID = running.ID
		return running.ID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}

	t.log.Info("scan session opened",
		zap.Int64("drone_id", droneID),
		zap.Int64("session_id", created.ID))
	slot.sessionID = created.ID
	return created.ID, nil
}

// RunningSession reports the indexed session id of a drone.
func (t *SessionTracker) RunningSession(droneID int64) (int64, bool) {
	slot := t.slot(droneID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.sessionID, slot.sessionID != 0
}

// Stop completes the drone's running session. It fails with
// domain.ErrSessionNotRunning when there is nothing to stop.
func (t *SessionTracker) Stop(ctx context.Context, droneID int64) (*domain.ScanSession, error) {
	slot := t.slot(droneID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	sessionID := slot.sessionID
	if sessionID == 0 {
		running, err := t.store.GetRunning(ctx, droneID)
		if err != nil {
			return nil, fmt.Errorf("get running session: %w", err)
		}
		if running == nil {
			return nil, domain.ErrSessionNotRunning
		}
		sessionID = running.ID
	}

	closed, err := t.close(ctx, sessionID, slot)
	if err != nil {
		return nil, err
	}
	t.metrics.SessionClosed(domain.CloseReasonStop)
	t.log.Info("scan session stopped",
		zap.Int64("drone_id", droneID),
		zap.Int64("session_id", sessionID),
		zap.Int("total_scanned", closed.TotalItemsScanned))
	return closed, nil
}

func (t *SessionTracker) close(ctx context.Context, sessionID int64, slot *droneSlot) (*domain.ScanSession, error) {
	err := t.store.FinishSession(ctx, sessionID, domain.SessionStatusCompleted, t.now())
	if err != nil && !errors.Is(err, domain.ErrSessionNotRunning) {
		return nil, fmt.Errorf("close session: %w", err)
	}
	if slot.sessionID == sessionID {
		slot.sessionID = 0
	}
	if err != nil {
		return nil, err
	}

	closed, err := t.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	if closed == nil {
		return nil, fmt.Errorf("session %d vanished after close", sessionID)
	}
	return closed, nil
}

// Sweep completes every running session idle for longer than the idle
// timeout and returns the sessions it closed.
func (t *SessionTracker) Sweep(ctx context.Context) ([]domain.ScanSession, error) {
	running, err := t.store.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}

	var (
		closed []domain.ScanSession
		errs   []error
	)
	for _, candidate := range running {
		if t.now().Sub(candidate.LastActivity()) <= t.idleTimeout {
			continue
		}

		session, err := t.sweepOne(ctx, candidate)
		if err != nil {
			errs = append(errs, err)
			t.log.Error("idle sweep failed",
				zap.Int64("drone_id", candidate.DroneID),
				zap.Int64("session_id", candidate.ID),
				zap.Error(err))
			continue
		}
		if session != nil {
			closed = append(closed, *session)
		}
	}
	return closed, errors.Join(errs...)
}

func (t *SessionTracker) sweepOne(ctx context.Context, candidate domain.ScanSession) (*domain.ScanSession, error) {
	slot := t.slot(candidate.DroneID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	// a scan may have landed between listing and locking
	current, err := t.store.Get(ctx, candidate.ID)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	if current == nil || !current.IsRunning() || t.now().Sub(current.LastActivity()) <= t.idleTimeout {
		return nil, nil
	}

	session, err := t.close(ctx, current.ID, slot)
	if errors.Is(err, domain.ErrSessionNotRunning) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.metrics.SessionClosed(domain.CloseReasonIdle)
	t.log.Info("idle scan session closed",
		zap.Int64("drone_id", session.DroneID),
		zap.Int64("session_id", session.ID),
		zap.Int("total_scanned", session.TotalItemsScanned))
	return session, nil
}

// Run sweeps every interval until ctx is done, handing each closed
// session to onClosed.
func (t *SessionTracker) Run(ctx context.Context, interval time.Duration, onClosed func(domain.ScanSession)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed, err := t.Sweep(ctx)
			if err != nil {
				t.log.Warn("idle sweep incomplete", zap.Error(err))
			}
			if onClosed == nil {
				continue
			}
			for _, s := range closed {
				onClosed(s)
			}
		}
	}
}
