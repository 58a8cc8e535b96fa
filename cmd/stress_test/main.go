package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/rl1809/drone-inventory/internal/adapter/auth"
	"github.com/rl1809/drone-inventory/internal/adapter/handler"
	"github.com/rl1809/drone-inventory/internal/adapter/storage"
	"github.com/rl1809/drone-inventory/internal/core/domain"
	"github.com/rl1809/drone-inventory/internal/core/service"
	"github.com/rl1809/drone-inventory/internal/observability/metrics"
)

const (
	tokenSecret   = "stress-test-secret"
	barcode       = "4006381333931"
	droneCount    = 20
	scansPerDrone = 50
	resultTimeout = 30 * time.Second
)

func main() {
	ctx := context.Background()

	// Initialize in-process stack on the memory ledger
	store := storage.NewMemoryLedger()
	product, err := store.PutProduct(ctx, domain.Product{Barcode: barcode, SKU: "STRESS-1", Name: "Stress Crate"})
	if err != nil {
		log.Fatalf("failed to seed product: %v", err)
	}

	m := metrics.New(prometheus.NewRegistry())
	resolver := auth.NewJWTResolver(tokenSecret, "")
	tracker := service.NewSessionTracker(store, time.Hour, service.WithTrackerMetrics(m))
	registry := service.NewRegistry(zap.NewNop(), m)
	ledger := service.NewLedger(store, store, tracker, service.LedgerConfig{Metrics: m})
	dispatcher := service.NewDispatcher(ledger, tracker, registry, storage.NewMemoryTelemetry(), service.DispatcherConfig{Metrics: m})
	ws := handler.NewWSHandler(resolver, registry, dispatcher, handler.WSConfig{OutboxSize: droneCount * scansPerDrone})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	srv := &http.Server{Handler: handler.NewMux(ws, handler.NewHTTPHandler(store, nil), prometheus.NewRegistry())}
	go srv.Serve(lis)
	defer srv.Close()

	origin := "http://" + lis.Addr().String()
	wsURL := "ws://" + lis.Addr().String() + "/ws"

	// Connect one operator to collect results
	operator, err := dial(wsURL, origin, resolver, auth.OperatorSubject(1))
	if err != nil {
		log.Fatalf("operator connect failed: %v", err)
	}
	defer operator.Close()

	var successCount, errorCount atomic.Int32
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for successCount.Load()+errorCount.Load() < droneCount*scansPerDrone {
			var frame domain.ScanResultEvent
			if err := websocket.JSON.Receive(operator, &frame); err != nil {
				log.Printf("operator read ended: %v", err)
				return
			}
			if frame.Type != domain.EventScanResult {
				continue
			}
			if frame.Status == domain.ScanStatusSuccess {
				successCount.Add(1)
			} else {
				errorCount.Add(1)
			}
		}
	}()

	// Spawn concurrent drones
	var wg sync.WaitGroup
	var dialFailures atomic.Int32
	finished := make(chan struct{})
	start := time.Now()

	for i := 1; i <= droneCount; i++ {
		wg.Add(1)
		go func(droneID int64) {
			defer wg.Done()

			conn, err := dial(wsURL, origin, resolver, auth.DroneSubject(droneID))
			if err != nil {
				log.Printf("drone %d connect failed: %v", droneID, err)
				dialFailures.Add(1)
				return
			}
			defer conn.Close()

			for j := 0; j < scansPerDrone; j++ {
				if err := websocket.JSON.Send(conn, map[string]string{"type": domain.EventBarcodeScan, "barcode": barcode}); err != nil {
					log.Printf("drone %d send failed: %v", droneID, err)
					return
				}
			}
			// keep the socket open until the operator has seen every result
			<-finished
		}(int64(i))
	}

	select {
	case <-collected:
	case <-time.After(resultTimeout):
		log.Printf("timed out waiting for results")
	}
	elapsed := time.Since(start)
	close(finished)
	wg.Wait()

	// Results
	expected := droneCount * scansPerDrone
	row, _ := store.GetLocation(ctx, product.ID, domain.UnknownLocation)
	quantity := 0
	if row != nil {
		quantity = row.Quantity
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Drones:           %d\n", droneCount)
	fmt.Printf("Scans per drone:  %d\n", scansPerDrone)
	fmt.Printf("Connect failures: %d\n", dialFailures.Load())
	fmt.Printf("Successful:       %d\n", successCount.Load())
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if quantity == expected {
		fmt.Printf("PASS: UNKNOWN quantity is %d\n", quantity)
	} else {
		fmt.Printf("FAIL: Expected quantity %d, got %d\n", expected, quantity)
	}

	badSessions := 0
	for i := 1; i <= droneCount; i++ {
		running, err := store.GetRunning(ctx, int64(i))
		if err != nil || running == nil || running.TotalItemsScanned != scansPerDrone || store.CountRunning(int64(i)) != 1 {
			badSessions++
		}
	}
	if badSessions == 0 {
		fmt.Printf("PASS: Every drone has one running session with %d scans\n", scansPerDrone)
	} else {
		fmt.Printf("FAIL: %d drones have a wrong session state\n", badSessions)
	}
}

func dial(wsURL, origin string, resolver *auth.JWTResolver, subject string) (*websocket.Conn, error) {
	token, err := resolver.Issue(subject, time.Hour)
	if err != nil {
		return nil, err
	}
	conn, err := websocket.Dial(wsURL, "", origin)
	if err != nil {
		return nil, err
	}
	if err := websocket.JSON.Send(conn, map[string]string{"token": token}); err != nil {
		conn.Close()
		return nil, err
	}

	var connected domain.ConnectedEvent
	if err := websocket.JSON.Receive(conn, &connected); err != nil {
		conn.Close()
		return nil, err
	}
	if connected.Type != domain.EventConnected {
		conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", connected.Type)
	}
	return conn, nil
}
