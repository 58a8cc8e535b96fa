package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/drone-inventory/internal/core/domain"
)

const telemetryKeyPrefix = "telemetry:"

// RedisTelemetryAdapter keeps one JSON snapshot per drone. SET overwrites
// the previous value, so the key only ever holds the latest report.
type RedisTelemetryAdapter struct {
	client *redis.Client
}

func NewRedisTelemetryAdapter(client *redis.Client) *RedisTelemetryAdapter {
	return &RedisTelemetryAdapter{client: client}
}

func telemetryKey(droneID int64) string {
	return telemetryKeyPrefix + strconv.FormatInt(droneID, 10)
}

func (r *RedisTelemetryAdapter) SaveSnapshot(ctx context.Context, snapshot domain.TelemetrySnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return r.client.Set(ctx, telemetryKey(snapshot.DroneID), payload, 0).Err()
}

func (r *RedisTelemetryAdapter) GetSnapshot(ctx context.Context, droneID int64) (*domain.TelemetrySnapshot, error) {
	payload, err := r.client.Get(ctx, telemetryKey(droneID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snapshot domain.TelemetrySnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// DeleteSnapshot forgets a drone's last known state.
func (r *RedisTelemetryAdapter) DeleteSnapshot(ctx context.Context, droneID int64) error {
	return r.client.Del(ctx, telemetryKey(droneID)).Err()
}
