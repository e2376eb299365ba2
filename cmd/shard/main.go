// Command shard runs one shard node: a TCP listener speaking the sharder
// wire protocol backed by a content-addressed on-disk store, registering
// itself with a hub on startup. It is the Go counterpart of
// original_source/shard/shard.py, structurally adapted from the teacher's
// cmd/node/main.go (getenv/mustGetenv config, logFatal var, retrying
// self-registration, graceful shutdown).
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hikariatama/sharder/internal/hubclient"
	"github.com/hikariatama/sharder/internal/shardsrv"
	"github.com/hikariatama/sharder/internal/shardstore"
)

var logFatal = log.Fatalf

type config struct {
	base          string
	listen        string
	advertiseAddr string
	hubBase       string
	connectSecret string
}

func loadConfig() config {
	return config{
		base:          getenv("SHARDER_BASE", ".data"),
		listen:        getenv("SHARDER_SHARD_LISTEN", "0.0.0.0:12345"),
		advertiseAddr: getenv("SHARDER_ADVERTISE_ADDR", ""),
		hubBase:       mustGetenv("HUB_ADDR"),
		connectSecret: mustGetenv("CONNECTION_SECRET"),
	}
}

func main() {
	cfg := loadConfig()

	store, err := shardstore.Open(cfg.base)
	if err != nil {
		logFatal("open shard store at %s: %v", cfg.base, err)
	}

	ln, err := net.Listen("tcp", cfg.listen)
	if err != nil {
		logFatal("listen on %s: %v", cfg.listen, err)
	}

	srv := shardsrv.New(store, ln, log.Default())

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()

	advertise := cfg.advertiseAddr
	if advertise == "" {
		advertise = ln.Addr().String()
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := hubclient.Connect(connectCtx, cfg.hubBase, cfg.connectSecret, advertise); err != nil {
		connectCancel()
		logFatal("register with hub: %v", err)
	}
	connectCancel()
	log.Printf("shard: registered with hub at %s as %s", cfg.hubBase, advertise)

	log.Printf("shard listening on %s", ln.Addr())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
	case err := <-serveErr:
		if err != nil {
			log.Printf("shard: serve error: %v", err)
		}
	}

	cancel()
	if err := srv.Close(); err != nil {
		log.Printf("shard: close error: %v", err)
	}
	log.Println("shard stopped")
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
