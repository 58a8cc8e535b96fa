package service

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/rl1809/drone-inventory/internal/core/domain"
	"github.com/rl1809/drone-inventory/internal/observability/logger"
	"github.com/rl1809/drone-inventory/internal/observability/metrics"
	"github.com/rl1809/drone-inventory/internal/port"
)

// Handle identifies one registration. It stays valid after the
// connection is gone, so unregistering through it is always safe.
type Handle struct {
	ConnID  string
	Role    domain.Role
	DroneID int64
}

// Registry is the directory of live connections: a set of operator
// connections and at most one connection per drone id.
//
// Broadcasts hold a fan-out lock for the whole delivery, so every operator
// receives broadcasts in the same order. Evictions all go through evict.
type Registry struct {
	dronesMu sync.Mutex
	drones   map[int64]port.Connection

	operatorsMu sync.RWMutex
	operators   map[string]port.Connection

	// connections removed after a failed send, awaiting their owner's Unregister
	evictedMu sync.Mutex
	evicted   map[string]struct{}

	fanoutMu sync.Mutex

	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewRegistry(log *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		drones:    make(map[int64]port.Connection),
		operators: make(map[string]port.Connection),
		evicted:   make(map[string]struct{}),
		log:       logger.OrNop(log),
		metrics:   m,
	}
}

func (r *Registry) RegisterOperator(conn port.Connection) Handle {
	r.operatorsMu.Lock()
	r.operators[conn.ID()] = conn
	r.operatorsMu.Unlock()

	r.metrics.ConnectionOpened(string(domain.RoleOperator))
	return Handle{ConnID: conn.ID(), Role: domain.RoleOperator}
}

// RegisterDrone makes conn the drone's live connection. A previous
// connection for the same drone is closed and evicted.
func (r *Registry) RegisterDrone(conn port.Connection, droneID int64) Handle {
	r.dronesMu.Lock()
	previous := r.drones[droneID]
	r.drones[droneID] = conn
	r.dronesMu.Unlock()

	r.metrics.ConnectionOpened(string(domain.RoleDrone))
	if previous != nil && previous.ID() != conn.ID() {
		r.metrics.ConnectionClosed(string(domain.RoleDrone))
		r.metrics.Evicted(metrics.EvictionSuperseded)
		r.log.Info("drone connection superseded",
			zap.Int64("drone_id", droneID),
			zap.String("conn_id", previous.ID()),
			zap.String("new_conn_id", conn.ID()))
		_ = previous.Close(metrics.EvictionSuperseded)
	}
	return Handle{ConnID: conn.ID(), Role: domain.RoleDrone, DroneID: droneID}
}

// Unregister removes the handle's connection. It reports whether the
// connection was live until now: false for an unknown handle, a repeated
// call, or a drone connection already superseded by a newer one. A
// connection evicted after a failed send still counts as live unless its
// drone has reconnected since.
func (r *Registry) Unregister(h Handle) bool {
	r.evictedMu.Lock()
	_, wasEvicted := r.evicted[h.ConnID]
	delete(r.evicted, h.ConnID)
	r.evictedMu.Unlock()
	if wasEvicted {
		return !r.droneReplaced(h)
	}

	if !r.remove(h) {
		return false
	}
	r.metrics.Evicted(metrics.EvictionDisconnected)
	return true
}

// droneReplaced reports whether a newer connection now holds h's drone id.
func (r *Registry) droneReplaced(h Handle) bool {
	if h.Role != domain.RoleDrone {
		return false
	}
	r.dronesMu.Lock()
	defer r.dronesMu.Unlock()
	current, ok := r.drones[h.DroneID]
	return ok && current.ID() != h.ConnID
}

// remove deletes h's entry if it still holds h's connection.
func (r *Registry) remove(h Handle) bool {
	switch h.Role {
	case domain.RoleDrone:
		r.dronesMu.Lock()
		current, ok := r.drones[h.DroneID]
		if !ok || current.ID() != h.ConnID {
			r.dronesMu.Unlock()
			return false
		}
		delete(r.drones, h.DroneID)
		r.dronesMu.Unlock()
	case domain.RoleOperator:
		r.operatorsMu.Lock()
		if _, ok := r.operators[h.ConnID]; !ok {
			r.operatorsMu.Unlock()
			return false
		}
		delete(r.operators, h.ConnID)
		r.operatorsMu.Unlock()
	default:
		return false
	}

	r.metrics.ConnectionClosed(string(h.Role))
	return true
}

func (r *Registry) evict(h Handle, conn port.Connection, cause error) {
	if !r.remove(h) {
		return
	}

	r.evictedMu.Lock()
	r.evicted[h.ConnID] = struct{}{}
	r.evictedMu.Unlock()

	r.metrics.Evicted(metrics.EvictionSendFailed)
	r.log.Warn("connection evicted after failed send",
		zap.String("conn_id", h.ConnID),
		zap.String("role", string(h.Role)),
		zap.Int64("drone_id", h.DroneID),
		zap.Error(cause))
	_ = conn.Close(metrics.EvictionSendFailed)
}

// SendTo delivers frame to the drone's live connection. It fails with
// domain.ErrNotConnected when the drone has none; a failed send evicts the
// connection and wraps domain.ErrConnectionLost.
func (r *Registry) SendTo(droneID int64, frame any) error {
	r.dronesMu.Lock()
	conn, ok := r.drones[droneID]
	r.dronesMu.Unlock()
	if !ok {
		return domain.ErrNotConnected
	}

	if err := conn.Send(frame); err != nil {
		r.evict(Handle{ConnID: conn.ID(), Role: domain.RoleDrone, DroneID: droneID}, conn, err)
		return fmt.Errorf("%w: %w", domain.ErrConnectionLost, err)
	}
	return nil
}

// BroadcastToOperators delivers frame to every operator connection and
// returns how many accepted it. Connections that fail are evicted; the
// rest still receive the frame.
func (r *Registry) BroadcastToOperators(frame any) int {
	r.fanoutMu.Lock()

	r.operatorsMu.RLock()
	targets := make([]port.Connection, 0, len(r.operators))
	for _, conn := range r.operators {
		targets = append(targets, conn)
	}
	r.operatorsMu.RUnlock()

	type failure struct {
		conn port.Connection
		err  error
	}
	var failed []failure
	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(frame); err != nil {
			failed = append(failed, failure{conn: conn, err: err})
			continue
		}
		delivered++
	}
	r.fanoutMu.Unlock()

	for _, f := range failed {
		r.evict(Handle{ConnID: f.conn.ID(), Role: domain.RoleOperator}, f.conn, f.err)
	}
	return delivered
}

// Exclusive runs fn while no broadcast is in flight. Frames fn sends
// directly are ordered against broadcasts like any broadcast frame.
func (r *Registry) Exclusive(fn func()) {
	r.fanoutMu.Lock()
	defer r.fanoutMu.Unlock()
	fn()
}

func (r *Registry) IsDroneConnected(droneID int64) bool {
	r.dronesMu.Lock()
	defer r.dronesMu.Unlock()
	_, ok := r.drones[droneID]
	return ok
}

// DroneIDs returns the connected drone ids in ascending order.
func (r *Registry) DroneIDs() []int64 {
	r.dronesMu.Lock()
	ids := make([]int64, 0, len(r.drones))
	for id := range r.drones {
		ids = append(ids, id)
	}
	r.dronesMu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) OperatorCount() int {
	r.operatorsMu.RLock()
	defer r.operatorsMu.RUnlock()
	return len(r.operators)
}
