package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/position"
	"okx-carry-bot/internal/position/sqlite"
)

const defaultStatePath = "data/okx-carry-bot.db"

// positions is the operator CLI: list what the bot holds, or dump the full
// transition ledger for one position.
func main() {
	configPath := flag.String("config", "", "optional config path for the state db location")
	statePath := flag.String("db", "", "sqlite state path (overrides config)")
	history := flag.String("history", "", "position id: print its transition ledger and exit")
	flag.Parse()

	path := defaultStatePath
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		if cfg.State.SQLitePath != "" {
			path = cfg.State.SQLitePath
		}
	}
	if *statePath != "" {
		path = *statePath
	}
	if _, err := os.Stat(path); err != nil {
		fatal(fmt.Errorf("state db %s: %w", path, err))
	}

	store, err := sqlite.New(path)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	if *history != "" {
		printHistory(ctx, store, *history)
		return
	}
	printOpen(ctx, store)
}

func printOpen(ctx context.Context, store *sqlite.Store) {
	open, err := store.ListOpen(ctx)
	if err != nil {
		fatal(err)
	}
	if len(open) == 0 {
		fmt.Println("no open positions")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSPOT\tFUTURES\tDRIFT\tBORROW\tFUNDING\tVERSION\tUPDATED")
	for _, pos := range open {
		fmt.Fprintf(w, "%s\t%s\t%.6f\t%.6f\t%.4f\t%.2f\t%.4f\t%d\t%s\n",
			pos.ID, pos.Status, pos.SpotQty, pos.FuturesQty, pos.HedgeDrift(),
			pos.BorrowAmount, pos.FundingAccrued, pos.Version,
			pos.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	if err := w.Flush(); err != nil {
		fatal(err)
	}
}

func printHistory(ctx context.Context, store *sqlite.Store, id string) {
	pos, err := store.Load(ctx, id)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("position %s (%s/%s) status=%s version=%d\n",
		pos.ID, pos.SpotInst, pos.SwapInst, pos.Status, pos.Version)
	records, err := store.Transitions(ctx, id)
	if err != nil {
		fatal(err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tTIME\tFROM\tTO\tCAUSE\tORDERS")
	for _, rec := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.Version, rec.Time.Format("2006-01-02 15:04:05"),
			rec.From, rec.To, rec.Cause, orderList(rec),
		)
	}
	if err := w.Flush(); err != nil {
		fatal(err)
	}
}

func orderList(rec position.TransitionRecord) string {
	if len(rec.OrderIDs) == 0 {
		return "-"
	}
	out := rec.OrderIDs[0]
	for _, id := range rec.OrderIDs[1:] {
		out += "," + id
	}
	return out
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
