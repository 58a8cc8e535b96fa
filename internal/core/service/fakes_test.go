package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rl1809/drone-inventory/internal/core/domain"
)

var errSendFailed = errors.New("send failed")

// fakeConn records every frame it accepts as a decoded JSON object.
type fakeConn struct {
	id string

	mu       sync.Mutex
	frames   []map[string]any
	failSend bool
	closed   []string
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failSend {
		return errSendFailed
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return err
	}
	c.frames = append(c.frames, decoded)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, reason)
	return nil
}

func (c *fakeConn) setFailing(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSend = fail
}

func (c *fakeConn) received() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.frames...)
}

func (c *fakeConn) ofType(frameType string) []map[string]any {
	var matched []map[string]any
	for _, f := range c.received() {
		if f["type"] == frameType {
			matched = append(matched, f)
		}
	}
	return matched
}

func (c *fakeConn) closeReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closed...)
}

// brokenCatalog fails every lookup, like an unreachable database.
type brokenCatalog struct{}

func (brokenCatalog) FindProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	return nil, errors.New("connection refused")
}

// brokenTelemetry fails every call.
type brokenTelemetry struct{}

func (brokenTelemetry) SaveSnapshot(ctx context.Context, snapshot domain.TelemetrySnapshot) error {
	return errors.New("redis down")
}

func (brokenTelemetry) GetSnapshot(ctx context.Context, droneID int64) (*domain.TelemetrySnapshot, error) {
	return nil, errors.New("redis down")
}
