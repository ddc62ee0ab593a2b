package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"arx/pkg/history"
	"arx/pkg/kv"
	"arx/pkg/kv/kvmem"
	"arx/pkg/metrics"
	"arx/pkg/ratelimit"
	"arx/pkg/rpc/frontend"
	"arx/pkg/rpc/registry"
	"arx/pkg/telemetry"
	"arx/pkg/transport"
)

type nodeInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type nodeListenFunc func(server *http.Server) error
type nodeTickLoopFunc func(fe *frontend.Frontend, reg *registry.Registry, m *metrics.Registry, interval time.Duration)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryN = telemetry.Init
	listenFnN      = func(server *http.Server) error { return server.ListenAndServe() }
	tickLoopFnN    = func(fe *frontend.Frontend, reg *registry.Registry, m *metrics.Registry, interval time.Duration) {
		go runTickLoop(fe, reg, m, interval)
	}
)

func main() {
	if err := runNode(initTelemetryN, listenFnN, tickLoopFnN); err != nil {
		logFatalf("arx-node: %v", err)
	}
}

func runNode(initTelemetry nodeInitTelemetryFunc, listen nodeListenFunc, startTickLoop nodeTickLoopFunc) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "arx-node")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	store := kvmem.NewStore()
	nodeID := kv.NodeID(envInt("ARX_NODE_ID", 0))
	consensus := kvmem.NewSoloConsensus(store, nodeID)
	store.SetConsensus(consensus)
	ledger := history.NewChained()
	store.SetHistory(ledger)

	reg := registry.NewRegistry(kv.TableUserCerts, kv.TableUserDigests)
	installNodeEndpoints(reg, store, nodeID)

	fe := frontend.New(store, reg, kv.TableUserSignatures)
	sigTxInterval := uint64(envInt("ARX_SIG_TX_INTERVAL", 5000))
	sigMsInterval := time.Millisecond * time.Duration(envInt("ARX_SIG_MS_INTERVAL", 1000))
	fe.SetSigIntervals(sigTxInterval, sigMsInterval)
	if env("ARX_DISABLE_REQUEST_STORING", "false") == "true" {
		fe.DisableRequestStoring()
	}
	// A standalone node has no peers to wait for: open immediately.
	fe.Open(nil)

	metricsReg := metrics.NewRegistry()
	srv := transport.NewServer(fe, metricsReg)
	srv.PendingTimeout = time.Second * time.Duration(envInt("ARX_PENDING_TIMEOUT_SEC", 10))
	srv.MaxRequestBodyBytes = int64(envInt("ARX_MAX_REQUEST_BODY_BYTES", 1<<20))

	srv.RateLimitEnabled = env("ARX_RATE_LIMIT_ENABLED", "true") == "true"
	srv.RateLimitPerWindow = envInt("ARX_RATE_LIMIT_PER_WINDOW", 240)
	window := time.Second * time.Duration(envInt("ARX_RATE_LIMIT_WINDOW_SEC", 60))
	if addr := env("ARX_REDIS_ADDR", ""); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("arx-node: redis unavailable, using in-memory rate limits: %v", err)
			_ = client.Close()
			srv.Limiter = ratelimit.NewInMemory(window)
		} else {
			defer client.Close()
			srv.Limiter = ratelimit.NewRedis(client, window)
		}
	} else {
		srv.Limiter = ratelimit.NewInMemory(window)
	}

	startTickLoop(fe, reg, metricsReg, time.Second*time.Duration(envInt("ARX_TICK_INTERVAL_SEC", 1)))

	addr := env("ARX_LISTEN_ADDR", ":8080")
	log.Printf("arx-node: node %d listening on %s", nodeID, addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return listen(server)
}

// runTickLoop drives the frontend tick and overlays registry counters
// into the node metrics.
func runTickLoop(fe *frontend.Frontend, reg *registry.Registry, m *metrics.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for now := range ticker.C {
		fe.Tick(now.Sub(last))
		last = now
		reg.VisitMetrics(func(method, verb string, em *registry.Metrics) {
			m.SetEndpointCounters(verb+" "+method, em.Calls(), em.Errors(), em.Failures())
		})
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
