package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/impact7/attend/internal/loadtest"
	"github.com/impact7/attend/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Exercise the store and outbox under concurrent writers",
	Long: `Create a scratch database, then simulate several UI sessions writing at
once. Each client enqueues payloads while drain passes run alongside; the
outbox is then drained and every payload must arrive exactly once. A second
phase rewrites every record while readers query the schedule index.

Nothing is sent to the configured endpoint, and the real database is not
touched.

Examples:
  attend loadtest
  attend loadtest --clients 20 --sends 50 --records 2000
  attend loadtest --json`,
	Run: runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("records", 500, "Number of records in the scratch database")
	loadtestCmd.Flags().Int("clients", 10, "Number of concurrent clients")
	loadtestCmd.Flags().Int("sends", 20, "Payloads enqueued per client")
	loadtestCmd.Flags().Duration("race", 2*time.Second, "Duration of the read/write race phase (0 skips it)")
	loadtestCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	records, _ := cmd.Flags().GetInt("records")
	clients, _ := cmd.Flags().GetInt("clients")
	sends, _ := cmd.Flags().GetInt("sends")
	race, _ := cmd.Flags().GetDuration("race")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if records <= 0 || clients <= 0 || sends <= 0 {
		exitf("--records, --clients and --sends must be positive")
	}

	dir, err := os.MkdirTemp("", "attend-loadtest-")
	if err != nil {
		exitf("failed to create scratch directory: %v", err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	td, err := loadtest.CreateTestDatabase(ctx, filepath.Join(dir, "load.db"), records, newLogger("[store] "))
	if err != nil {
		exitf("%v", err)
	}
	defer td.Close()

	deliverer := loadtest.NewCountingDeliverer()
	stats, err := td.RunConcurrentSends(ctx, clients, sends, deliverer)
	if err != nil {
		exitf("%v", err)
	}
	dups := deliverer.Duplicates()
	want := clients * sends
	lost := want - deliverer.Distinct()

	var raceErr error
	if race > 0 {
		raceErr = td.VerifyNoRaceConditions(clients, race)
	}

	if jsonOutput {
		out := map[string]any{
			"records":    records,
			"clients":    clients,
			"enqueued":   stats.Enqueue.Operations,
			"errors":     stats.Enqueue.Errors,
			"delivered":  deliverer.Total(),
			"duplicates": dups,
			"lost":       lost,
			"passes":     stats.Passes,
			"elapsed_ms": stats.Elapsed.Milliseconds(),
			"p50_us":     stats.Enqueue.P50.Microseconds(),
			"p95_us":     stats.Enqueue.P95.Microseconds(),
			"p99_us":     stats.Enqueue.P99.Microseconds(),
		}
		if raceErr != nil {
			out["race_error"] = raceErr.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	} else {
		fmt.Printf("%s Load test: %d clients x %d sends over %d records\n\n", ui.RenderAccent("⚡"), clients, sends, records)
		stats.Enqueue.PrintStats()
		fmt.Printf("\nDrain passes: %d\n", stats.Passes)
		fmt.Printf("Elapsed: %v\n\n", stats.Elapsed.Round(time.Millisecond))
	}

	failed := false
	if len(dups) > 0 || lost > 0 {
		fmt.Fprintf(os.Stderr, "%s %d duplicated, %d lost payloads\n", ui.RenderFail("✗"), len(dups), lost)
		failed = true
	}
	if raceErr != nil {
		fmt.Fprintf(os.Stderr, "%s Race check failed: %v\n", ui.RenderFail("✗"), raceErr)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
	if !jsonOutput {
		fmt.Printf("%s Every payload delivered exactly once\n", ui.RenderPass("✓"))
	}
}
