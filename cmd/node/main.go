package main

import (
	"fmt"
	"os"

	"PolarVest/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	logger.Init(cfg.Debug)

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	logger.Info("node starting",
		"http", cfg.HTTPAddress,
		"account", cfg.Account,
		"treasury", cfg.Treasury)

	return node.Run()
}
