package main

import (
	"flag"
	"fmt"
	"math/big"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// RolesPath is the path to the JSON capability roles file.
	RolesPath string

	// PostgresDSN selects the PostgreSQL store backend when set;
	// otherwise the node uses its embedded Pebble store.
	PostgresDSN string

	// Account is the ledger's own token holding account.
	Account string

	// Treasury receives unvested remainders on revocation.
	Treasury string

	// InitialMint funds the holding account of the embedded token
	// ledger at startup (decimal string, "0" to disable).
	InitialMint *big.Int

	// Debug enables DEBUG log output.
	Debug bool
}

// parseFlags parses command-line flags into Config.
func parseFlags() (*Config, error) {
	cfg := &Config{}
	var initialMint string

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.RolesPath, "roles", "./roles.json", "Capability roles file path")
	flag.StringVar(&cfg.PostgresDSN, "postgres", "", "PostgreSQL DSN (empty: embedded Pebble store)")
	flag.StringVar(&cfg.Account, "account", "ledger", "Token holding account identity")
	flag.StringVar(&cfg.Treasury, "treasury", "treasury", "Treasury account identity")
	flag.StringVar(&initialMint, "initial-mint", "0", "Initial token amount minted to the holding account")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	mint, ok := new(big.Int).SetString(initialMint, 10)
	if !ok || mint.Sign() < 0 {
		return nil, fmt.Errorf("invalid -initial-mint %q", initialMint)
	}
	cfg.InitialMint = mint

	return cfg, nil
}
