package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/impact7/attend/internal/db"
	"github.com/impact7/attend/internal/migrate"
	"github.com/impact7/attend/internal/record"
	"github.com/impact7/attend/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "data",
	Short:   "Import the legacy browser storage export",
	Long: `Import records, import history, filters and the pinned flag from a legacy
storage export into the database.

The export is a directory with one file per storage key (impact7_sessions,
impact7_history, impact7_filters, impact7_pinned). Imported keys are removed
from the directory. A key that cannot be parsed is reported and left in
place. The migration runs once; later runs do nothing.`,
	Run: func(cmd *cobra.Command, args []string) {
		dir, _ := cmd.Flags().GetString("legacy-dir")
		if dir == "" {
			dir = cfg.LegacyDir
		}
		if dir == "" {
			exitf("no legacy directory given (use --legacy-dir or legacy_dir in attend.yaml)")
		}

		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		res, err := runMigration(ctx, store, dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: migration failed: %v\n", err)
			fmt.Fprintf(os.Stderr, "The migration can be re-run safely.\n")
			os.Exit(1)
		}

		if !res.Migrated {
			fmt.Printf("%s Already migrated, nothing to do\n", ui.RenderMuted("-"))
			return
		}
		fmt.Printf("%s Migrated %d records from %s\n", ui.RenderPass("✓"), res.RecordCount, dir)
		for _, key := range res.Skipped {
			fmt.Printf("%s Skipped %s (could not be parsed, left in place)\n", ui.RenderWarn("⚠"), key)
		}
	},
}

// runMigration imports the legacy export in dir into store. It is a no-op
// once the migration flag is set.
func runMigration(ctx context.Context, store *db.DB, dir string) (migrate.Result, error) {
	runner := migrate.NewRunner(migrate.DirStorage{Dir: dir}, store, newLogger("[migration] "))
	return runner.MigrateLegacy(ctx)
}

var weekdays = []string{"일", "월", "화", "수", "목", "금", "토"}

var todayCmd = &cobra.Command{
	Use:     "today [day]",
	GroupID: "data",
	Short:   "List records scheduled on a weekday",
	Long: `List the records scheduled on a weekday, given as a Korean day label
(월, 화, 수, 목, 금, 토, 일). Defaults to today.

Regular, special and extra days all count, and a token such as 월요일
matches 월. With --regular only exact regular attendance days count, read
straight from the day index.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		day := weekdays[time.Now().Weekday()]
		if len(args) == 1 {
			day = strings.TrimSpace(args[0])
		}

		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		regular, _ := cmd.Flags().GetBool("regular")
		var records []record.Record
		if regular {
			rs, err := store.GetScheduledOn(ctx, day)
			if err != nil {
				exitf("%v", err)
			}
			records = rs
		} else {
			all, err := store.GetAll(ctx)
			if err != nil {
				exitf("%v", err)
			}
			for _, r := range all {
				if record.IsScheduledOn(r, day) {
					records = append(records, r)
				}
			}
		}
		if len(records) == 0 {
			fmt.Printf("%s No records scheduled on %s\n", ui.RenderMuted("-"), day)
			return
		}

		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, []string{
				r.Name,
				strings.Join(r.Classes, ", "),
				record.NormalizedGrade(r),
				scheduleTime(r, day),
				ui.RenderStatus(r.Status),
			})
		}
		fmt.Printf("%s %d scheduled on %s\n", ui.RenderAccent("📅"), len(records), day)
		fmt.Println(ui.Table([]string{"Name", "Classes", "Grade", "Time", "Status"}, rows))
	},
}

// scheduleTime picks the special time when day is a special day.
func scheduleTime(r record.Record, day string) string {
	for _, d := range r.SpecialDays {
		if strings.Contains(d, day) && r.SpecialTime != "" {
			return r.SpecialTime
		}
	}
	return r.AttendanceTime
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "data",
	Short:   "Show database and outbox status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		count, err := store.Count(ctx)
		if err != nil {
			exitf("%v", err)
		}
		jobs, err := store.DumpJobs(ctx)
		if err != nil {
			exitf("%v", err)
		}
		pending, failed := 0, 0
		for _, j := range jobs {
			switch j.Status {
			case db.JobPending:
				pending++
			case db.JobFailed:
				failed++
			}
		}

		fmt.Printf("\n%s Attend Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Database: %s\n", store.Path())
		fmt.Printf("Endpoint: %s\n", orNone(cfg.Endpoint))
		fmt.Printf("Records: %d\n", count)
		fmt.Printf("Pending: %d\n", pending)
		if failed > 0 {
			fmt.Printf("Failed: %s (see 'attend outbox dump')\n", ui.RenderFail(fmt.Sprint(failed)))
		} else {
			fmt.Printf("Failed: 0\n")
		}
		fmt.Println()
	},
}

func orNone(s string) string {
	if s == "" {
		return ui.RenderMuted("(none)")
	}
	return s
}

func init() {
	migrateCmd.Flags().String("legacy-dir", "", "Directory holding the legacy storage export")
	todayCmd.Flags().Bool("regular", false, "Only exact regular attendance days (index lookup)")
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(todayCmd)
	rootCmd.AddCommand(statusCmd)
}
