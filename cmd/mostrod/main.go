// Package main provides mostrod, the trade coordinator daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mostro-exchange/mostrod/internal/config"
	"github.com/mostro-exchange/mostrod/internal/coordinator"
	"github.com/mostro-exchange/mostrod/internal/envelope"
	"github.com/mostro-exchange/mostrod/internal/escrow"
	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/logging"
	"github.com/mostro-exchange/mostrod/internal/relay"
	"github.com/mostro-exchange/mostrod/internal/store"
)

// Exit codes per spec.md §6.
const (
	exitOK        = 0
	exitConfig    = 1
	exitStorage   = 2
	exitRelay     = 3
	exitLightning = 4
)

var version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("mostrod", flag.ContinueOnError)
	configPath := fs.String("config", "mostrod.yaml", "Path to the YAML config file")
	logLevel := fs.String("log-level", "", "Log level override (debug, info, warn, error)")
	showVersion := fs.Bool("version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	if *showVersion {
		fmt.Printf("mostrod %s\n", version)
		return exitOK
	}

	sub := fs.Arg(0)
	if sub == "" {
		sub = "run"
	}
	if sub != "run" {
		fmt.Fprintf(os.Stderr, "usage: mostrod [-config PATH] [-log-level LEVEL] run\n")
		return exitConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mostrod: config: %v\n", err)
		return exitConfig
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	log := logging.New(&logging.Config{Level: level})
	logging.SetDefault(log)
	log.Info("config loaded", "path", *configPath)

	nodeKey, err := identity.ParsePrivateKeyHex(cfg.NodeSecret)
	if err != nil {
		log.Error("invalid node secret", "error", err)
		return exitConfig
	}

	var adminKey identity.PublicKey
	hasAdmin := cfg.AdminPubkey != ""
	if hasAdmin {
		adminKey, err = identity.ParsePublicKeyHex(cfg.AdminPubkey)
		if err != nil {
			log.Error("invalid admin pubkey", "error", err)
			return exitConfig
		}
	}

	st, err := openStore(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open store", "error", err)
		return exitStorage
	}
	defer st.Close()
	log.Info("store opened", "database_url", cfg.DatabaseURL)

	// The real Lightning node driver is an out-of-scope collaborator
	// (spec.md §1); escrow.Fake stands in for it the way the escrow
	// package doc describes, for the CLI demo path.
	esc := escrow.NewFake()

	loop := relay.NewLoopback()
	sub2, err := loop.Subscribe(context.Background())
	if err != nil {
		log.Error("failed to subscribe to relay", "error", err)
		return exitRelay
	}

	coord := coordinator.New(cfg, st, esc, loop, nodeKey, adminKey, hasAdmin, log)
	coord.Start()
	defer coord.Stop()
	log.Info("coordinator started", "pubkey", nodeKey.PublicKey().Hex())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	decoder := envelope.NewDecoder(nodeKey, cfg.POWBits, log)
	go serveRelay(ctx, coord, decoder, sub2)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	return exitOK
}

// serveRelay drives the coordinator's inbound event loop until ctx is
// canceled, handing every event off to Coordinator.HandleEnvelope (C1-C3).
func serveRelay(ctx context.Context, coord *coordinator.Coordinator, decoder *envelope.Decoder, sub relay.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case outer, ok := <-sub.Events():
			if !ok {
				return
			}
			coord.HandleEnvelope(ctx, decoder, time.Now().UTC(), outer)
		}
	}
}

func openStore(databaseURL string) (store.Store, error) {
	if databaseURL == "" || databaseURL == ":memory:" {
		return store.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(databaseURL), 0o755); err != nil && filepath.Dir(databaseURL) != "." {
		return nil, err
	}
	return store.OpenSQLite(databaseURL)
}
