// Package main implements briectl, a small command-line client for the
// expense tracker API. It drives the same controller stack the mobile app
// uses: cached reads, optimistic mutations, and an offline replay queue
// persisted under the user's state directory.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/brie-expense-tracker/client-go/client"
	"github.com/brie-expense-tracker/client-go/datasync"
	"github.com/brie-expense-tracker/client-go/internal/config"
)

type bill struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Amount  float64 `json:"amount"`
	DueDate string  `json:"dueDate,omitempty"`
}

func (b bill) GetID() string { return b.ID }

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: briectl [flags] <command> [args]

Commands:
  list                     List bills
  add <name> <amount>      Create a bill
  update <id> <amount>     Change a bill's amount
  delete <id>              Delete a bill
  queue                    Show pending offline mutations

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Config file")
	baseURL := flag.String("base-url", "", "API base URL")
	token := flag.String("token", "", "Access token")
	userID := flag.String("user", "", "User id sent as X-User-ID")
	queueFile := flag.String("queue-file", "", "Offline queue file")
	timeout := flag.Duration("timeout", 0, "Overall command timeout")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Precedence: flags, then environment, then the config file.
	if v := os.Getenv("BRIE_API_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("BRIE_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("BRIE_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *userID != "" {
		cfg.UserID = *userID
	}
	if *queueFile != "" {
		cfg.QueueFile = *queueFile
	}
	if *timeout != 0 {
		cfg.Timeout = *timeout
	}

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	if *verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	api, err := client.New(client.Config{
		BaseURL: cfg.BaseURL,
		Tokens:  &client.StaticTokenSource{AccessToken: cfg.Token, Subject: cfg.UserID},
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("create client: %v", err)
	}
	defer api.Close()

	bills, err := datasync.NewController[bill](api, datasync.Config{
		Path:   "/api/bills",
		Store:  datasync.NewFileQueueStore(cfg.QueueFile),
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("create controller: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := run(ctx, bills, flag.Args()); err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func run(ctx context.Context, bills *datasync.Controller[bill], args []string) error {
	switch cmd := args[0]; cmd {
	case "list":
		if err := bills.Refetch(ctx, true); err != nil {
			return err
		}
		snap := bills.Snapshot()
		if snap.LastAuthErr != nil {
			fmt.Fprintln(os.Stderr, "warning: not authenticated, showing empty list")
		}
		return printJSON(snap.Items)

	case "add":
		if len(args) != 3 {
			return fmt.Errorf("usage: add <name> <amount>")
		}
		amount, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("bad amount %q: %w", args[2], err)
		}
		created, err := bills.AddItem(ctx, bill{Name: args[1], Amount: amount})
		if err != nil {
			return err
		}
		if qn := len(bills.QueuedOps()); qn > 0 {
			fmt.Fprintf(os.Stderr, "offline: create queued (%d pending)\n", qn)
		}
		return printJSON(created)

	case "update":
		if len(args) != 3 {
			return fmt.Errorf("usage: update <id> <amount>")
		}
		amount, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("bad amount %q: %w", args[2], err)
		}
		if err := bills.Refetch(ctx, true); err != nil {
			return err
		}
		updated, err := bills.UpdateItem(ctx, args[1], map[string]any{"amount": amount})
		if err != nil {
			return err
		}
		return printJSON(updated)

	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: delete <id>")
		}
		if err := bills.Refetch(ctx, true); err != nil {
			return err
		}
		if err := bills.DeleteItem(ctx, args[1]); err != nil {
			return err
		}
		fmt.Println("deleted", args[1])
		return nil

	case "queue":
		return printJSON(bills.QueuedOps())

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
