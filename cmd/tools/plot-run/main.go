// Command plot-run renders a recorded run from the history database as a PNG.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/motion.relay/internal/db"
	"github.com/banshee-data/motion.relay/internal/monitor"
	"github.com/banshee-data/motion.relay/internal/security"
)

func main() {
	dbPath := flag.String("db", "motion_relay.db", "history database path")
	runID := flag.String("run", "", "run ID (defaults to the latest master run)")
	output := flag.String("o", "", "output path (defaults to run-<id>.png)")
	flag.Parse()

	if err := plotRun(context.Background(), *dbPath, *runID, *output); err != nil {
		log.Fatalf("plot-run: %v", err)
	}
}

func plotRun(ctx context.Context, dbPath, runID, output string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return err
	}
	store, err := db.OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var run db.Run
	if runID != "" {
		run, err = store.Run(ctx, runID)
	} else {
		run, err = store.LatestRun(ctx, "master")
	}
	if err != nil {
		return err
	}

	cycles, err := store.Cycles(ctx, run.ID)
	if err != nil {
		return err
	}
	if output == "" {
		output = fmt.Sprintf("run-%s.png", security.SanitizeFilename(run.ID))
	}
	if err := security.ValidateOutputPath(output); err != nil {
		return err
	}

	title := fmt.Sprintf("Run %s (%s, window %d)", run.ID, run.Status, run.WindowSize)
	if err := monitor.SavePNG(output, title, cycles); err != nil {
		return err
	}
	log.Printf("wrote %d cycles to %s", len(cycles), output)
	return nil
}
