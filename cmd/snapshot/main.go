// Command snapshot prints an account's positions, cash and net liquidation
// value as JSON. Useful for checking connectivity and account state without
// planning a rebalance.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "config/settings.yaml", "path to settings file")
		accountID  = flag.String("account", "", "account id (defaults to broker.account_id)")
	)
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	id := *accountID
	if id == "" {
		id = cfg.Broker.AccountID
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "no account id; pass -account or set broker.account_id")
		return 1
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	session := broker.NewAlpacaSession(cfg.Broker, logger)

	ctx := context.Background()
	var snap broker.Snapshot
	err = broker.WithSession(ctx, session, cfg.Broker, logger, func(s broker.Session) error {
		snapCtx, cancel := context.WithTimeout(ctx, cfg.Broker.SnapshotTimeout())
		defer cancel()
		var err error
		snap, err = s.Snapshot(snapCtx, id)
		return err
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}
