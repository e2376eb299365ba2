// Command hub runs the sharder hub: the HTTP/WebSocket bridge, the shard
// registry, the health monitor, and the store/reconstruct/destroy
// dispatcher. It is the Go counterpart of original_source/server/hub.py +
// server.py combined into one process, structurally adapted from the
// teacher's cmd/coordinator/main.go (server struct, http.ServeMux,
// signal-driven graceful shutdown).
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hikariatama/sharder/internal/bridge"
	"github.com/hikariatama/sharder/internal/catalog"
	"github.com/hikariatama/sharder/internal/dispatcher"
	"github.com/hikariatama/sharder/internal/health"
	"github.com/hikariatama/sharder/internal/registry"
)

// logFatal is a var, not a direct log.Fatalf call, so tests can override
// it the way the teacher's cmd/node does.
var logFatal = log.Fatalf

type config struct {
	listen              string
	healthCheckInterval time.Duration
	chunksPerFile       int
	replicas            int
	hmacKey             []byte
	connectionSecret    string
	dbURL               string
}

// ConfigError reports a malformed or missing environment variable at
// startup, distinct from a runtime error.
type ConfigError struct {
	Var string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Var, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func loadConfig() config {
	interval, err := time.ParseDuration(getenv("HEALTH_CHECK_INTERVAL", "3s"))
	if err != nil {
		logFatal("%v", &ConfigError{Var: "HEALTH_CHECK_INTERVAL", Err: err})
	}
	chunks, err := strconv.Atoi(getenv("CHUNKS_PER_FILE", "3"))
	if err != nil {
		logFatal("%v", &ConfigError{Var: "CHUNKS_PER_FILE", Err: err})
	}
	replicas, err := strconv.Atoi(getenv("REPLICAS", "2"))
	if err != nil {
		logFatal("%v", &ConfigError{Var: "REPLICAS", Err: err})
	}

	// HMAC_SECRET is a hex string; its decoded bytes are the HMAC key,
	// matching original_source/server/hub.py's bytes.fromhex(HMAC_SECRET).
	hmacKey, err := hex.DecodeString(mustGetenv("HMAC_SECRET"))
	if err != nil {
		logFatal("%v", &ConfigError{Var: "HMAC_SECRET", Err: err})
	}

	return config{
		listen:              getenv("HUB_LISTEN", ":8080"),
		healthCheckInterval: interval,
		chunksPerFile:       chunks,
		replicas:            replicas,
		hmacKey:             hmacKey,
		connectionSecret:    mustGetenv("CONNECTION_SECRET"),
		dbURL:               getenv("DB_URL", ""),
	}
}

func main() {
	cfg := loadConfig()
	if cfg.dbURL != "" {
		log.Printf("hub: DB_URL configured (%s) but internal/catalog is in-memory only; persistence is out of scope", cfg.dbURL)
	}

	reg := registry.New()
	disp := dispatcher.New(reg, dispatcher.Config{
		HMACKey:    cfg.hmacKey,
		ChunkCount: cfg.chunksPerFile,
		Replicas:   cfg.replicas,
	}, log.Printf)

	monitor := health.New(reg, log.Default())
	monitor.SetOnEvicted(func(address registry.ShardAddress) {
		log.Printf("hub: shard %s evicted after prolonged unreachability", address.String())
	})

	ctx, cancelMonitor := context.WithCancel(context.Background())
	go monitor.Start(ctx)

	br := &bridge.Bridge{
		Dispatcher:    disp,
		Registry:      reg,
		Catalog:       catalog.New(),
		ConnectSecret: cfg.connectionSecret,
		Logger:        log.Default(),
	}

	mux := http.NewServeMux()
	br.Routes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              cfg.listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("hub listening on %s", cfg.listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("hub: stopping health monitor...")
	cancelMonitor()
	monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("hub: HTTP server shutdown error: %v", err)
	}
	log.Println("hub stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
