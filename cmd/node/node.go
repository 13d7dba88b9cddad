package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"PolarVest/internal/api"
	"PolarVest/internal/auth"
	"PolarVest/internal/events"
	"PolarVest/internal/logger"
	"PolarVest/internal/storage"
	"PolarVest/internal/token"
	"PolarVest/internal/vesting"
)

// Node wires the ledger engine to its store, token ledger and API.
type Node struct {
	cfg     *Config
	db      *storage.Storage
	pgStore *vesting.PGStore
	server  *api.Server
}

// NewNode creates and wires a node from the configuration.
func NewNode(cfg *Config) (*Node, error) {
	caps, err := auth.LoadTable(cfg.RolesPath)
	if err != nil {
		return nil, fmt.Errorf("load roles:\n%w", err)
	}

	db, err := storage.New(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open storage:\n%w", err)
	}

	node := &Node{cfg: cfg, db: db}

	var store vesting.Store
	if cfg.PostgresDSN != "" {
		node.pgStore, err = vesting.NewPGStore(context.Background(), cfg.PostgresDSN)
		if err != nil {
			db.Close()
			return nil, err
		}
		store = node.pgStore

		logger.Info("using postgres store")
	} else {
		store = vesting.NewPebbleStore(db)

		logger.Info("using pebble store", "path", cfg.DataPath)
	}

	// The embedded token ledger stands in for the external asset
	// ledger. Deposits beyond the initial mint arrive through it.
	tokens := token.NewMemLedger(cfg.Account)
	if cfg.InitialMint.Sign() > 0 {
		tokens.Mint(cfg.Account, cfg.InitialMint)
		logger.Info("minted initial balance", "account", cfg.Account, "amount", cfg.InitialMint)
	}

	eventLog, err := events.NewStoreSink(db)
	if err != nil {
		node.closeStores()
		return nil, fmt.Errorf("open event log:\n%w", err)
	}

	engine := vesting.NewEngine(vesting.Config{
		Store:    store,
		Tokens:   tokens,
		Caps:     caps,
		Events:   events.MultiSink{events.LogSink{}, eventLog},
		Account:  cfg.Account,
		Treasury: cfg.Treasury,
	})

	node.server = api.New(cfg.HTTPAddress, engine, store, caps, eventLog)

	return node, nil
}

// Run starts the API server and blocks until SIGINT or SIGTERM.
func (n *Node) Run() error {
	n.server.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")

	if err := n.server.Stop(); err != nil {
		logger.Error("stop http server", "error", err)
	}

	n.closeStores()

	return nil
}

// closeStores closes the storage backends.
func (n *Node) closeStores() {
	if n.pgStore != nil {
		n.pgStore.Close()
	}
	if err := n.db.Close(); err != nil {
		logger.Error("close storage", "error", err)
	}
}
