package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/db"
	"github.com/migadu/maildrop/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch os.Args[1] {
	case "migrate":
		handleMigrateCommand(ctx)
	case "accounts":
		handleAccountsCommand(ctx)
	case "import":
		handleImport(ctx)
	case "messages":
		handleListMessages(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`maildrop administration tool

Usage:
  maildrop-admin <command> [options]

Commands:
  migrate     Manage the database schema (up, down, version)
  accounts    Manage accounts (add, passwd, list)
  import      Deliver message files into a maildrop
  messages    List the messages of a maildrop (-verify checks bodies in storage)

Use 'maildrop-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the configuration shared with the server. Logging goes
// to stderr so command output stays clean.
func loadConfig(path string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Output = "stderr"
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Warning initializing logger: %v\n", err)
	}
	return cfg
}

// openDatabase connects without applying migrations; schema changes are
// left to the migrate command.
func openDatabase(ctx context.Context, cfg config.Config) *db.Database {
	dbCfg := cfg.Database
	dbCfg.AutoMigrate = false
	database, err := db.NewDatabaseFromConfig(ctx, &dbCfg)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	return database
}
