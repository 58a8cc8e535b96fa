package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/drone-inventory/internal/core/domain"
	"github.com/rl1809/drone-inventory/internal/observability/logger"
	"github.com/rl1809/drone-inventory/internal/observability/metrics"
	"github.com/rl1809/drone-inventory/internal/port"
)

type Scanner interface {
	RecordScan(ctx context.Context, barcode string, droneID int64) (domain.ScanOutcome, error)
}

type SessionStopper interface {
	Stop(ctx context.Context, droneID int64) (*domain.ScanSession, error)
}

// ConnectionDirectory is the part of the Registry the dispatcher routes through.
type ConnectionDirectory interface {
	BroadcastToOperators(frame any) int
	SendTo(droneID int64, frame any) error
	DroneIDs() []int64
	Unregister(h Handle) bool
	Exclusive(fn func())
}

// Dispatcher routes decoded inbound frames. It runs on the goroutine that
// owns the sending connection.
type Dispatcher struct {
	scanner   Scanner
	sessions  SessionStopper
	conns     ConnectionDirectory
	telemetry port.TelemetryStore
	timeout   time.Duration
	now       func() time.Time
	log       *zap.Logger
	metrics   *metrics.Metrics
}

type DispatcherConfig struct {
	StoreTimeout time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

func NewDispatcher(scanner Scanner, sessions SessionStopper, conns ConnectionDirectory, telemetry port.TelemetryStore, cfg DispatcherConfig) *Dispatcher {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		scanner:   scanner,
		sessions:  sessions,
		conns:     conns,
		telemetry: telemetry,
		timeout:   cfg.StoreTimeout,
		now:       cfg.Now,
		log:       logger.OrNop(cfg.Logger),
		metrics:   cfg.Metrics,
	}
}

type telemetryFrame struct {
	PositionX float64  `json:"position_x"`
	PositionY float64  `json:"position_y"`
	PositionZ float64  `json:"position_z"`
	VelocityX float64  `json:"velocity_x"`
	VelocityY float64  `json:"velocity_y"`
	VelocityZ float64  `json:"velocity_z"`
	Battery   *float64 `json:"battery_level"`
	Heading   *float64 `json:"heading"`
	Status    string   `json:"status"`
	Timestamp *string  `json:"timestamp"`
}

type scanFrame struct {
	Barcode string `json:"barcode"`
}

type commandFrame struct {
	DroneID *int64 `json:"drone_id"`
}

// Dispatch handles one inbound frame from conn. Errors wrapping
// domain.ErrMalformedFrame mean the frame was skipped; the connection
// stays usable either way.
func (d *Dispatcher) Dispatch(ctx context.Context, p domain.Principal, from port.Connection, raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMalformedFrame, err)
	}
	if fields == nil {
		return fmt.Errorf("%w: frame is not an object", domain.ErrMalformedFrame)
	}

	var frameType string
	if rawType, ok := fields["type"]; ok {
		if err := json.Unmarshal(rawType, &frameType); err != nil {
			return fmt.Errorf("%w: type is not a string", domain.ErrMalformedFrame)
		}
	}

	switch frameType {
	case domain.EventTelemetry, domain.EventBarcodeScan, domain.EventScanStop:
		if !p.IsDrone() {
			return fmt.Errorf("%w: %s from %s", domain.ErrMalformedFrame, frameType, p)
		}
	}

	switch {
	case frameType == domain.EventTelemetry:
		return d.handleTelemetry(ctx, p.ID, raw)
	case frameType == domain.EventBarcodeScan:
		return d.handleScan(ctx, p.ID, raw)
	case frameType == domain.EventScanStop:
		return d.handleStop(ctx, p.ID)
	case frameType == domain.EventDroneCommand && p.IsOperator():
		return d.handleCommand(from, fields)
	default:
		return d.passthrough(p, fields)
	}
}

func (d *Dispatcher) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
}

func (d *Dispatcher) handleTelemetry(ctx context.Context, droneID int64, raw []byte) error {
	var frame telemetryFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("%w: telemetry: %w", domain.ErrMalformedFrame, err)
	}
	if frame.Status == "" {
		frame.Status = domain.DefaultDroneStatus
	}

	snapshot := domain.TelemetrySnapshot{
		DroneID:   droneID,
		Position:  [3]float64{frame.PositionX, frame.PositionY, frame.PositionZ},
		Velocity:  [3]float64{frame.VelocityX, frame.VelocityY, frame.VelocityZ},
		Battery:   frame.Battery,
		Heading:   frame.Heading,
		Status:    frame.Status,
		Timestamp: frame.Timestamp,
		UpdatedAt: d.now().UTC(),
	}

	storeCtx, cancel := d.storeContext(ctx)
	defer cancel()
	if err := d.telemetry.SaveSnapshot(storeCtx, snapshot); err != nil {
		// operators still get the live frame
		d.log.Error("save telemetry snapshot",
			zap.Int64("drone_id", droneID),
			zap.Error(err))
	}

	d.conns.BroadcastToOperators(domain.NewTelemetryEvent(snapshot))
	return nil
}

func (d *Dispatcher) handleScan(ctx context.Context, droneID int64, raw []byte) error {
	var frame scanFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("%w: barcode_scan: %w", domain.ErrMalformedFrame, err)
	}

	outcome, err := d.scanner.RecordScan(ctx, frame.Barcode, droneID)
	if errors.Is(err, domain.ErrMalformedFrame) {
		return err
	}

	event := domain.ScanResultEvent{
		Type:      domain.EventScanResult,
		Barcode:   strings.TrimSpace(frame.Barcode),
		DroneID:   droneID,
		Timestamp: d.now().UTC().Format(time.RFC3339),
	}
	switch {
	case err != nil:
		d.log.Error("record scan",
			zap.Int64("drone_id", droneID),
			zap.String("barcode", event.Barcode),
			zap.Error(err))
		event.Status = domain.ScanStatusError
		event.Message = domain.ErrStoreUnavailable.Error()
	case outcome.Kind == domain.OutcomeUnknown:
		event.Status = domain.ScanStatusUnknown
	default:
		quantity, total := outcome.Quantity, outcome.SessionTotal
		event.Status = domain.ScanStatusSuccess
		event.ProductName = outcome.Product.Name
		event.SKU = outcome.Product.SKU
		event.Quantity = &quantity
		event.TotalScanned = &total
	}

	d.metrics.ScanProcessed(event.Status)
	d.conns.BroadcastToOperators(event)
	return nil
}

func (d *Dispatcher) handleStop(ctx context.Context, droneID int64) error {
	storeCtx, cancel := d.storeContext(ctx)
	defer cancel()

	session, err := d.sessions.Stop(storeCtx, droneID)
	if errors.Is(err, domain.ErrSessionNotRunning) {
		d.log.Info("scan_stop without running session", zap.Int64("drone_id", droneID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: stop session: %w", domain.ErrStoreUnavailable, err)
	}

	d.AnnounceSessionClosed(*session, domain.CloseReasonStop)
	return nil
}

func (d *Dispatcher) handleCommand(from port.Connection, fields map[string]json.RawMessage) error {
	var frame commandFrame
	if raw, ok := fields["drone_id"]; ok {
		if err := json.Unmarshal(raw, &frame.DroneID); err != nil {
			return fmt.Errorf("%w: drone_command: %w", domain.ErrMalformedFrame, err)
		}
	}
	if frame.DroneID == nil {
		return fmt.Errorf("%w: drone_command without drone_id", domain.ErrMalformedFrame)
	}
	droneID := *frame.DroneID

	relayed, err := relayFrame(fields)
	if err != nil {
		return err
	}

	result := domain.CommandResultEvent{
		Type:    domain.EventCommandResult,
		Status:  domain.CommandStatusSent,
		DroneID: droneID,
	}
	switch err := d.conns.SendTo(droneID, relayed); {
	case errors.Is(err, domain.ErrNotConnected):
		result.Status = domain.CommandStatusNotConnected
	case err != nil:
		result.Status = domain.CommandStatusFailed
	}

	if err := from.Send(result); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectionLost, err)
	}
	return nil
}

// passthrough relays a frame of any other type to the operators, stamped
// with the sending drone's id.
func (d *Dispatcher) passthrough(p domain.Principal, fields map[string]json.RawMessage) error {
	if p.IsDrone() {
		fields["drone_id"] = json.RawMessage(fmt.Sprintf("%d", p.ID))
	}
	relayed, err := relayFrame(fields)
	if err != nil {
		return err
	}
	d.conns.BroadcastToOperators(relayed)
	return nil
}

func relayFrame(fields map[string]json.RawMessage) (json.RawMessage, error) {
	delete(fields, "token")
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedFrame, err)
	}
	return encoded, nil
}

// HandleDisconnect unregisters a closed connection. Operators hear about a
// drone going offline only when its connection was still the live one.
func (d *Dispatcher) HandleDisconnect(p domain.Principal, h Handle) {
	if !d.conns.Unregister(h) {
		return
	}
	if !p.IsDrone() {
		return
	}

	d.log.Info("drone offline",
		zap.Int64("drone_id", p.ID),
		zap.String("conn_id", h.ConnID))
	d.conns.BroadcastToOperators(domain.DroneOfflineEvent{
		Type:    domain.EventDroneOffline,
		DroneID: p.ID,
	})
}

// Resync sends an operator the last known telemetry of every connected
// drone. Broadcasts wait until it is done, so a snapshot never reaches the
// operator after a newer live frame.
func (d *Dispatcher) Resync(ctx context.Context, conn port.Connection) error {
	storeCtx, cancel := d.storeContext(ctx)
	defer cancel()

	var err error
	d.conns.Exclusive(func() {
		err = d.sendSnapshots(storeCtx, conn)
	})
	return err
}

func (d *Dispatcher) sendSnapshots(ctx context.Context, conn port.Connection) error {
	for _, droneID := range d.conns.DroneIDs() {
		snapshot, err := d.telemetry.GetSnapshot(ctx, droneID)
		if err != nil {
			d.log.Warn("load telemetry snapshot",
				zap.Int64("drone_id", droneID),
				zap.Error(err))
			continue
		}
		if snapshot == nil {
			continue
		}
		if err := conn.Send(domain.NewTelemetryEvent(*snapshot)); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrConnectionLost, err)
		}
	}
	return nil
}

func (d *Dispatcher) AnnounceSessionClosed(session domain.ScanSession, reason string) {
	d.conns.BroadcastToOperators(domain.SessionClosedEvent{
		Type:         domain.EventSessionClosed,
		DroneID:      session.DroneID,
		SessionID:    session.ID,
		Status:       session.Status,
		TotalScanned: session.TotalItemsScanned,
		Reason:       reason,
	})
}
