package port

import (
	"context"

	"github.com/rl1809/drone-inventory/internal/core/domain"
)

type TelemetryStore interface {
	// SaveSnapshot replaces the drone's previous snapshot
	SaveSnapshot(ctx context.Context, snapshot domain.TelemetrySnapshot) error

	// GetSnapshot returns nil, nil when nothing was ever reported
	GetSnapshot(ctx context.Context, droneID int64) (*domain.TelemetrySnapshot, error)
}
