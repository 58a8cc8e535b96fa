package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/rl1809/drone-inventory/internal/core/domain"
	"github.com/rl1809/drone-inventory/internal/core/service"
	"github.com/rl1809/drone-inventory/internal/observability/logger"
	"github.com/rl1809/drone-inventory/internal/port"
)

// Close reasons sent to a client refused during the handshake.
const (
	ReasonNoToken          = "no-token"
	ReasonInvalidToken     = "invalid-token"
	ReasonUnauthorizedRole = "unauthorized-role"
	ReasonShutdown         = "shutdown"
)

const (
	defaultOutboxSize    = 64
	defaultTokenTimeout  = 10 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultMaxFrameBytes = 64 << 10
)

type ConnectionRegistrar interface {
	RegisterDrone(conn port.Connection, droneID int64) service.Handle
	RegisterOperator(conn port.Connection) service.Handle
}

type FrameDispatcher interface {
	Dispatch(ctx context.Context, p domain.Principal, from port.Connection, raw []byte) error
	HandleDisconnect(p domain.Principal, h service.Handle)
	Resync(ctx context.Context, conn port.Connection) error
}

type WSConfig struct {
	OutboxSize    int
	TokenTimeout  time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int
	Logger        *zap.Logger
}

// WSHandler accepts drone and operator websockets on one endpoint. The
// first frame must carry the credential; everything after it is handed to
// the dispatcher one frame at a time.
type WSHandler struct {
	resolver   port.PrincipalResolver
	registry   ConnectionRegistrar
	dispatcher FrameDispatcher
	cfg        WSConfig
	log        *zap.Logger
	server     websocket.Server

	mu       sync.Mutex
	conns    map[*wsConn]struct{}
	closing  bool
	inflight sync.WaitGroup
}

func NewWSHandler(resolver port.PrincipalResolver, registry ConnectionRegistrar, dispatcher FrameDispatcher, cfg WSConfig) *WSHandler {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = defaultTokenTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}

	h := &WSHandler{
		resolver:   resolver,
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        logger.OrNop(cfg.Logger),
		conns:      make(map[*wsConn]struct{}),
	}
	h.server = websocket.Server{
		// drones are not browsers and send no Origin
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   h.serveConn,
	}
	return h
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.inflight.Add(1)
	h.mu.Unlock()
	defer h.inflight.Done()

	h.server.ServeHTTP(w, r)
}

// Shutdown closes every open websocket and waits until their goroutines,
// including any frame still being dispatched, have returned.
func (h *WSHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	open := make([]*wsConn, 0, len(h.conns))
	for conn := range h.conns {
		open = append(open, conn)
	}
	h.mu.Unlock()

	for _, conn := range open {
		conn.Close(ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *WSHandler) track(conn *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *WSHandler) untrack(conn *wsConn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

type tokenFrame struct {
	Token string `json:"token"`
}

func (h *WSHandler) serveConn(ws *websocket.Conn) {
	ws.MaxPayloadBytes = h.cfg.MaxFrameBytes
	conn := newWSConn(ws, h.cfg.OutboxSize, h.cfg.WriteTimeout, h.log)
	defer conn.wait()
	if !h.track(conn) {
		conn.Close(ReasonShutdown)
		return
	}
	defer h.untrack(conn)

	ctx := context.Background()
	if req := ws.Request(); req != nil {
		ctx = req.Context()
	}

	principal, reason := h.authenticate(ws)
	if reason != "" {
		h.log.Info("websocket refused",
			zap.String("conn_id", conn.ID()),
			zap.String("reason", reason))
		conn.Close(reason)
		return
	}

	// connected is queued before registration so it is always the first frame
	if err := conn.Send(connectedEvent(principal)); err != nil {
		h.log.Warn("send connected frame",
			zap.String("conn_id", conn.ID()),
			zap.Error(err))
		conn.Close("")
		return
	}

	var handle service.Handle
	switch principal.Role {
	case domain.RoleDrone:
		handle = h.registry.RegisterDrone(conn, principal.ID)
		h.log.Info("drone connected",
			zap.String("conn_id", conn.ID()),
			zap.Int64("drone_id", principal.ID))
	default:
		handle = h.registry.RegisterOperator(conn)
		h.log.Info("operator connected",
			zap.String("conn_id", conn.ID()),
			zap.Int64("operator_id", principal.ID))
		if err := h.dispatcher.Resync(ctx, conn); err != nil {
			h.log.Warn("operator resync failed",
				zap.String("conn_id", conn.ID()),
				zap.Error(err))
		}
	}

	defer func() {
		h.dispatcher.HandleDisconnect(principal, handle)
		conn.Close("")
		h.log.Info("websocket disconnected",
			zap.String("conn_id", conn.ID()),
			zap.String("principal", principal.String()))
	}()

	for {
		var raw []byte
		err := websocket.Message.Receive(ws, &raw)
		if errors.Is(err, websocket.ErrFrameTooLarge) {
			h.log.Warn("frame skipped",
				zap.String("conn_id", conn.ID()),
				zap.String("principal", principal.String()),
				zap.Error(domain.ErrMalformedFrame),
				zap.Int("max_bytes", h.cfg.MaxFrameBytes))
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.log.Debug("websocket read ended",
					zap.String("conn_id", conn.ID()),
					zap.Error(err))
			}
			return
		}

		if err := h.dispatcher.Dispatch(ctx, principal, conn, raw); err != nil {
			if errors.Is(err, domain.ErrMalformedFrame) {
				h.log.Warn("frame skipped",
					zap.String("conn_id", conn.ID()),
					zap.String("principal", principal.String()),
					zap.Error(err))
				continue
			}
			h.log.Error("dispatch failed",
				zap.String("conn_id", conn.ID()),
				zap.String("principal", principal.String()),
				zap.Error(err))
		}
	}
}

func connectedEvent(p domain.Principal) domain.ConnectedEvent {
	if p.IsDrone() {
		droneID := p.ID
		return domain.ConnectedEvent{Type: domain.EventConnected, Role: domain.RoleDrone, DroneID: &droneID}
	}
	return domain.ConnectedEvent{Type: domain.EventConnected, Role: domain.RoleOperator}
}

// authenticate reads the token frame and returns the resolved principal,
// or the close reason when the client is refused.
func (h *WSHandler) authenticate(ws *websocket.Conn) (domain.Principal, string) {
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.TokenTimeout)); err != nil {
		return domain.Principal{}, ReasonNoToken
	}
	defer ws.SetReadDeadline(time.Time{})

	var raw []byte
	if err := websocket.Message.Receive(ws, &raw); err != nil {
		return domain.Principal{}, ReasonNoToken
	}

	var frame tokenFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return domain.Principal{}, ReasonNoToken
	}
	token := strings.TrimSpace(frame.Token)
	if token == "" {
		return domain.Principal{}, ReasonNoToken
	}

	principal, err := h.resolver.Resolve(token)
	switch {
	case errors.Is(err, domain.ErrUnauthorizedRole):
		return domain.Principal{}, ReasonUnauthorizedRole
	case err != nil:
		return domain.Principal{}, ReasonInvalidToken
	}
	return principal, ""
}
