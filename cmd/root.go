// Package cmd wires the carpid command line: the daemon itself plus
// small admin subcommands that operate on the store directly.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DigZan/CarPi/internal/config"
	"github.com/DigZan/CarPi/internal/store"
)

var configFlag string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "carpid",
		Short: "Onboard vehicle computer daemon",
		Long:  "carpid aggregates Bluetooth connectivity, sensors and a dashboard API\nbehind an in-process event bus.",
	}
	cmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file path")
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(devicesCmd())
	cmd.AddCommand(trustCmd())
	cmd.AddCommand(contactsCmd())
	cmd.AddCommand(pairCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if p := os.Getenv("CARPI_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath
}

// openStore loads config and opens the sqlite store for the admin
// subcommands. Exits on failure; these are one-shot commands.
func openStore() *store.Store {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
		os.Exit(1)
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %s\n", err)
		os.Exit(1)
	}
	return db
}
