package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/drone-inventory/internal/core/domain"
)

type locationKey struct {
	productID int64
	location  string
}

// MemoryLedger keeps catalog, inventory and sessions in process memory.
// Every mutation runs under one mutex, which makes each call atomic.
type MemoryLedger struct {
	mu            sync.Mutex
	products      map[string]domain.Product
	locations     map[locationKey]*domain.InventoryLocation
	sessions      map[int64]*domain.ScanSession
	nextProductID int64
	nextRowID     int64
	nextSessionID int64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		products:  make(map[string]domain.Product),
		locations: make(map[locationKey]*domain.InventoryLocation),
		sessions:  make(map[int64]*domain.ScanSession),
	}
}

// PutProduct registers a catalog entry, assigning an id when unset.
func (m *MemoryLedger) PutProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.products {
		if existing.SKU == p.SKU && existing.Barcode != p.Barcode {
			return domain.Product{}, fmt.Errorf("sku %q already registered", p.SKU)
		}
	}
	if current, ok := m.products[p.Barcode]; ok {
		p.ID = current.ID
	}
	if p.ID == 0 {
		m.nextProductID++
		p.ID = m.nextProductID
	}
	m.products[p.Barcode] = p
	return p, nil
}

func (m *MemoryLedger) FindProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[barcode]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryLedger) UpsertLocation(ctx context.Context, productID int64, location string, sessionID int64, delta int, at time.Time) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok || !session.IsRunning() {
		return 0, 0, domain.ErrSessionNotRunning
	}

	key := locationKey{productID: productID, location: location}
	row, ok := m.locations[key]
	current := 0
	if ok {
		current = row.Quantity
	}
	if current+delta < 0 {
		return 0, 0, fmt.Errorf("quantity of product %d at %s would drop below zero", productID, location)
	}
	if !ok {
		m.nextRowID++
		row = &domain.InventoryLocation{ID: m.nextRowID, ProductID: productID, Location: location}
		m.locations[key] = row
	}

	stamp := at
	sid := sessionID
	row.Quantity += delta
	row.LastScanned = &stamp
	row.ScanSessionID = &sid

	session.TotalItemsScanned += delta
	session.LastScanAt = &stamp

	return row.Quantity, session.TotalItemsScanned, nil
}

func (m *MemoryLedger) GetLocation(ctx context.Context, productID int64, location string) (*domain.InventoryLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.locations[locationKey{productID: productID, location: location}]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (m *MemoryLedger) GetRunning(ctx context.Context, droneID int64) (*domain.ScanSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.DroneID == droneID && s.IsRunning() {
			copied := *s
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *MemoryLedger) Create(ctx context.Context, droneID int64, at time.Time) (*domain.ScanSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.DroneID == droneID && s.IsRunning() {
			return nil, domain.ErrDuplicateRunningSession
		}
	}

	m.nextSessionID++
	s := &domain.ScanSession{
		ID:        m.nextSessionID,
		DroneID:   droneID,
		StartedAt: at,
		Status:    domain.SessionStatusRunning,
	}
	m.sessions[s.ID] = s

	copied := *s
	return &copied, nil
}

func (m *MemoryLedger) FinishSession(ctx context.Context, sessionID int64, status domain.SessionStatus, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot close session with status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || !s.IsRunning() {
		return domain.ErrSessionNotRunning
	}
	finished := at
	s.Status = status
	s.FinishedAt = &finished
	return nil
}

func (m *MemoryLedger) Get(ctx context.Context, sessionID int64) (*domain.ScanSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (m *MemoryLedger) ListRunning(ctx context.Context) ([]domain.ScanSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var running []domain.ScanSession
	for _, s := range m.sessions {
		if s.IsRunning() {
			running = append(running, *s)
		}
	}
	sort.Slice(running, func(i, j int) bool { return running[i].ID < running[j].ID })
	return running, nil
}

// CountRunning reports how many sessions of a drone are running. It should
// never exceed one.
func (m *MemoryLedger) CountRunning(droneID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sessions {
		if s.DroneID == droneID && s.IsRunning() {
			n++
		}
	}
	return n
}

func (m *MemoryLedger) Ping(ctx context.Context) error {
	return ctx.Err()
}

// MemoryTelemetry stores the latest snapshot per drone.
type MemoryTelemetry struct {
	mu        sync.RWMutex
	snapshots map[int64]domain.TelemetrySnapshot
}

func NewMemoryTelemetry() *MemoryTelemetry {
	return &MemoryTelemetry{snapshots: make(map[int64]domain.TelemetrySnapshot)}
}

func (m *MemoryTelemetry) SaveSnapshot(ctx context.Context, snapshot domain.TelemetrySnapshot) error {
	m.mu.Lock()
	m.snapshots[snapshot.DroneID] = snapshot
	m.mu.Unlock()
	return nil
}

func (m *MemoryTelemetry) GetSnapshot(ctx context.Context, droneID int64) (*domain.TelemetrySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[droneID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}
