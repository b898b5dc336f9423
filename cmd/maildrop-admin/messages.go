package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/mailstore"
	"github.com/migadu/maildrop/storage"
)

func handleImport(ctx context.Context) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("user", "", "Maildrop to deliver into (required)")
	fs.Usage = func() {
		fmt.Println("Usage: maildrop-admin import --user alice [--config config.toml] message.eml...")
		fmt.Println("Delivers each file as one message.")
	}
	fs.Parse(os.Args[2:])

	if *username == "" || fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	blobs, err := storage.NewFromConfig(cfg)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	store := mailstore.New(database, blobs, nil)

	imported, failed := 0, 0
	for _, path := range fs.Args() {
		raw, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Skipping %s: %v\n", path, err)
			failed++
			continue
		}
		id, err := store.Append(ctx, *username, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to import %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("Imported %s as message %d (%s)\n", path, id, humanize.Bytes(uint64(len(raw))))
		imported++
	}

	fmt.Printf("%d imported, %d failed\n", imported, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func handleListMessages(ctx context.Context) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("user", "", "Maildrop to list (required)")
	verify := fs.Bool("verify", false, "Check that every message body is present in storage")
	fs.Parse(os.Args[2:])

	if *username == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	account, err := database.GetAccount(ctx, *username)
	if err != nil {
		logger.Fatalf("Failed to look up %s: %v", *username, err)
	}
	messages, err := database.ListMessages(ctx, account.ID)
	if err != nil {
		logger.Fatalf("Failed to list messages: %v", err)
	}

	var blobs storage.Backend
	if *verify {
		if blobs, err = storage.NewFromConfig(cfg); err != nil {
			logger.Fatalf("%v", err)
		}
	}

	var total int64
	missing := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if *verify {
		fmt.Fprintln(w, "#\tID\tSIZE\tRECEIVED\tBODY\tSUBJECT")
	} else {
		fmt.Fprintln(w, "#\tID\tSIZE\tRECEIVED\tSUBJECT")
	}
	for i, m := range messages {
		total += m.Size
		received := m.ReceivedAt.Format("2006-01-02 15:04:05")
		if !*verify {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", i+1, m.ID, humanize.Bytes(uint64(m.Size)), received, m.Subject)
			continue
		}
		state := "ok"
		if ok, err := blobs.Exists(ctx, m.ContentHash); err != nil {
			state = "error: " + err.Error()
			missing++
		} else if !ok {
			state = "MISSING"
			missing++
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n", i+1, m.ID, humanize.Bytes(uint64(m.Size)), received, state, m.Subject)
	}
	w.Flush()
	fmt.Printf("%d messages, %s\n", len(messages), humanize.Bytes(uint64(total)))
	if missing > 0 {
		fmt.Printf("%d message bodies missing from storage\n", missing)
		os.Exit(1)
	}
}
