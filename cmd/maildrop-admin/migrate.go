package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/migadu/maildrop/logger"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "up", "down":
		handleMigrate(ctx, os.Args[2])
	case "version":
		handleMigrateVersion(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", os.Args[2])
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Run this while the server is stopped.

Usage:
  maildrop-admin migrate <subcommand> [--config config.toml]

Subcommands:
  up        Apply all pending migrations
  down      Revert all migrations
  version   Show the current migration version and dirty state
`)
}

func handleMigrate(ctx context.Context, direction string) {
	fs := flag.NewFlagSet("migrate "+direction, flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	logger.Infof("Applying %s migrations...", direction)
	if err := database.Migrate(ctx, direction); err != nil {
		logger.Fatalf("Failed to apply %s migrations: %v", direction, err)
	}
	logger.Info("Migrations applied successfully.")
	showVersion(ctx, database)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	showVersion(ctx, database)
}

type versionReader interface {
	MigrationVersion(ctx context.Context) (version uint, dirty bool, ok bool, err error)
}

func showVersion(ctx context.Context, database versionReader) {
	version, dirty, ok, err := database.MigrationVersion(ctx)
	if err != nil {
		logger.Fatalf("Failed to read migration version: %v", err)
	}
	if !ok {
		fmt.Println("No migrations applied.")
		return
	}
	fmt.Printf("Current migration version: %d (dirty: %t)\n", version, dirty)
}
