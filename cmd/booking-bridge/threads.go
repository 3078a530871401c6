// ABOUTME: threads command listing recent chat-thread to assistant-session mappings
// ABOUTME: Reads the SQLite thread map directly; the bridge does not need to be running

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/booking-bridge/internal/config"
	"github.com/2389/booking-bridge/internal/store"
)

const defaultThreadLimit = 20

func runThreads(ctx context.Context, args []string, out io.Writer) error {
	limit, rest, err := threadLimit(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath(rest))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BOOKING_BRIDGE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	return printThreads(ctx, s, limit, out)
}

// threadLimit pulls "--limit N" out of args.
func threadLimit(args []string) (int, []string, error) {
	limit := defaultThreadLimit
	var rest []string
	for i := 0; i < len(args); i++ {
		if args[i] != "--limit" && args[i] != "-n" {
			rest = append(rest, args[i])
			continue
		}
		if i+1 >= len(args) {
			return 0, nil, fmt.Errorf("%s needs a value", args[i])
		}
		n, err := strconv.Atoi(args[i+1])
		if err != nil || n <= 0 {
			return 0, nil, fmt.Errorf("invalid limit %q", args[i+1])
		}
		limit = n
		i++
	}
	return limit, rest, nil
}

func printThreads(ctx context.Context, s store.Store, limit int, out io.Writer) error {
	threads, err := s.ListThreads(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing threads: %w", err)
	}

	if len(threads) == 0 {
		color.New(color.FgHiBlack).Fprintln(out, "No threads mapped yet.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  FRONTEND\tTHREAD\tSESSION\tCREATED")
	fmt.Fprintln(w, "  --------\t------\t-------\t-------")
	for _, t := range threads {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
			t.Frontend,
			truncate(t.ExternalID, 32),
			t.SessionID,
			t.CreatedAt.Local().Format("Jan 02 15:04"),
		)
	}
	return w.Flush()
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
