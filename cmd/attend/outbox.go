package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/impact7/attend/internal/db"
	"github.com/impact7/attend/internal/ui"
)

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "outbox",
	Short:   "Inspect and repair the delivery outbox",
	Long: `Inspect and repair the delivery outbox.

Every change is queued here before it is sent. Jobs that keep failing are
retried with backoff until the retry ceiling; after that they stay failed
until they are requeued or purged.`,
}

var outboxDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print every queued job",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		jobs, err := store.DumpJobs(ctx)
		if err != nil {
			exitf("%v", err)
		}

		switch format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(jobs); err != nil {
				exitf("%v", err)
			}
		case "yaml":
			if err := yaml.NewEncoder(os.Stdout).Encode(jobs); err != nil {
				exitf("%v", err)
			}
		case "table":
			if len(jobs) == 0 {
				fmt.Printf("%s Outbox is empty\n", ui.RenderMuted("-"))
				return
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				rows = append(rows, []string{
					strconv.FormatInt(j.ID, 10),
					j.RecordID,
					ui.RenderJobStatus(j.Status),
					strconv.Itoa(j.Retries),
					j.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					j.LastError,
				})
			}
			fmt.Println(ui.Table([]string{"ID", "Record", "Status", "Retries", "Created", "Last error"}, rows))
		default:
			exitf("unknown format %q (use table, json or yaml)", format)
		}
	},
}

var outboxPurgeCmd = &cobra.Command{
	Use:   "purge [job-id...]",
	Short: "Delete failed jobs",
	Long: `Delete jobs that have reached the retry ceiling. Pending jobs are never
purged.

--before accepts a date or a phrase such as "3 days ago" or "last monday".

Examples:
  attend outbox purge --before "1 week ago"
  attend outbox purge 12 15 --yes`,
	Args: cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		beforeExpr, _ := cmd.Flags().GetString("before")
		yes, _ := cmd.Flags().GetBool("yes")

		ids, err := parseJobIDs(args)
		if err != nil {
			exitf("%v", err)
		}
		filter := db.PurgeFilter{IDs: ids}
		if beforeExpr != "" {
			filter.Before, err = parseBefore(beforeExpr, time.Now())
			if err != nil {
				exitf("%v", err)
			}
		}

		if !yes {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				exitf("refusing to purge without --yes when stdin is not a terminal")
			}
			confirmed := false
			err := huh.NewConfirm().
				Title("Delete failed outbox jobs?").
				Description(describePurge(filter)).
				Affirmative("Purge").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				exitf("%v", err)
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		n, err := store.Purge(ctx, filter)
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s Purged %d failed jobs\n", ui.RenderPass("✓"), n)
	},
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue [job-id...]",
	Short: "Reset failed jobs so they are retried",
	Long: `Reset failed jobs to pending with their retry count cleared. Without job
ids every failed job is requeued.`,
	Args: cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ids, err := parseJobIDs(args)
		if err != nil {
			exitf("%v", err)
		}

		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		n, err := store.Requeue(ctx, ids...)
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s Requeued %d jobs\n", ui.RenderPass("✓"), n)
	},
}

func parseJobIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid job id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"}

// parseBefore reads an absolute date or a natural language expression
// relative to now.
func parseBefore(expr string, now time.Time) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, expr, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	res, err := w.Parse(expr, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --before %q: %w", expr, err)
	}
	if res == nil {
		return time.Time{}, errors.New("could not understand --before " + strconv.Quote(expr))
	}
	return res.Time, nil
}

func describePurge(f db.PurgeFilter) string {
	desc := "All failed jobs"
	if len(f.IDs) > 0 {
		desc = fmt.Sprintf("Failed jobs among %v", f.IDs)
	}
	if !f.Before.IsZero() {
		desc += " created before " + f.Before.Format("2006-01-02 15:04")
	}
	return desc
}

func init() {
	outboxDumpCmd.Flags().String("format", "table", "Output format: table, json or yaml")
	outboxPurgeCmd.Flags().String("before", "", "Only purge jobs created before this time")
	outboxPurgeCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	outboxCmd.AddCommand(outboxDumpCmd)
	outboxCmd.AddCommand(outboxPurgeCmd)
	outboxCmd.AddCommand(outboxRequeueCmd)
	rootCmd.AddCommand(outboxCmd)
}
