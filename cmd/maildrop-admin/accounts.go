package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/logger"
)

func handleAccountsCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printAccountsUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "add":
		handleAddAccount(ctx)
	case "passwd":
		handleSetPassword(ctx)
	case "list":
		handleListAccounts(ctx)
	case "help", "--help", "-h":
		printAccountsUsage()
	default:
		fmt.Printf("Unknown accounts subcommand: %s\n\n", os.Args[2])
		printAccountsUsage()
		os.Exit(1)
	}
}

func printAccountsUsage() {
	fmt.Printf(`Account Management

Usage:
  maildrop-admin accounts <subcommand> [options]

Subcommands:
  add       Create an account
  passwd    Change the password of an account
  list      List all accounts

Examples:
  maildrop-admin accounts add --user alice --password secret
  maildrop-admin accounts passwd --user alice --password n3w
  maildrop-admin accounts list
`)
}

func handleAddAccount(ctx context.Context) {
	fs := flag.NewFlagSet("accounts add", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("user", "", "Username (required)")
	password := fs.String("password", "", "Password (required)")
	fs.Parse(os.Args[3:])

	if *username == "" || *password == "" {
		fmt.Println("Both --user and --password are required.")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	id, err := database.CreateAccount(ctx, *username, *password)
	if errors.Is(err, consts.ErrDBUniqueViolation) {
		logger.Fatalf("Account %s already exists", *username)
	}
	if err != nil {
		logger.Fatalf("Failed to create account: %v", err)
	}
	fmt.Printf("Created account %s (id %d)\n", *username, id)
}

func handleSetPassword(ctx context.Context) {
	fs := flag.NewFlagSet("accounts passwd", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("user", "", "Username (required)")
	password := fs.String("password", "", "New password (required)")
	fs.Parse(os.Args[3:])

	if *username == "" || *password == "" {
		fmt.Println("Both --user and --password are required.")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	if err := database.SetPassword(ctx, *username, *password); err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			logger.Fatalf("Account %s does not exist", *username)
		}
		logger.Fatalf("Failed to update password: %v", err)
	}
	fmt.Printf("Password updated for %s\n", *username)
}

func handleListAccounts(ctx context.Context) {
	fs := flag.NewFlagSet("accounts list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	accounts, err := database.ListAccounts(ctx)
	if err != nil {
		logger.Fatalf("Failed to list accounts: %v", err)
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tCREATED")
	for _, a := range accounts {
		fmt.Fprintf(w, "%d\t%s\t%s\n", a.ID, a.Username, a.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}
