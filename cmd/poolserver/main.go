// Command poolserver serves the fixture pool API: it leases pool users to
// harness runs and stores their diagnostic bundles.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/streamharness/internal/config"
	"github.com/seantiz/streamharness/internal/poolapi"
	"github.com/seantiz/streamharness/internal/store"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:          "poolserver",
		Short:        "Fixture pool service",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPoolServer(config.LoadOptions{ConfigPath: configPath})
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			run(cfg)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (yaml or toml)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.PoolServer) {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	logger.Info("poolserver: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"lease_ttl", cfg.LeaseTTL.String(),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if cfg.SeedPath != "" {
		seed, err := store.LoadSeed(cfg.SeedPath)
		if err != nil {
			log.Fatalf("load seed: %v", err)
		}
		added, err := store.Seed(context.Background(), db, seed, time.Now().UTC())
		if err != nil {
			log.Fatalf("seed pools: %v", err)
		}
		logger.Info("pools seeded", "seed_path", cfg.SeedPath, "users_added", added)
	}

	srv := poolapi.NewServer(cfg.ListenAddr, db, cfg.LeaseTTL, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
