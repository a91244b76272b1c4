package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/impact7/attend/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Replace local records with the remote collection",
	Long: `Pull every record from the GAS endpoint and replace the local collection
with it in one transaction.

Pulled records are normalized and deduplicated first. If the pull fails or
the response is not a list of records, the local database is left as it was.
Queued outbox jobs are not affected.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s, store := openSession(ctx)
		defer store.Close()
		defer s.Close(ctx)

		fmt.Printf("%s Pulling from %s...\n", ui.RenderAccent("🔄"), cfg.Endpoint)
		start := time.Now()
		res := s.Sync(ctx)
		if !res.Success {
			exitf("sync failed: %s", res.Error)
		}
		fmt.Printf("%s Synced %d records in %v\n", ui.RenderPass("✓"), res.Count, time.Since(start).Round(time.Millisecond))
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull [batch]",
	GroupID: "sync",
	Short:   "Stage a remote batch as a new import",
	Long: `Pull one named batch from the remote and add it to the import history as
an uncommitted import. Records that already exist locally keep their id and
have their days and classes merged.

Without a batch name the first batch listed by the remote is pulled.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}

		ctx := context.Background()
		s, store := openSession(ctx)
		defer store.Close()
		defer s.Close(ctx)

		imp, err := s.ImportRemoteBatch(ctx, name)
		if err != nil {
			exitf("pull failed: %v", err)
		}
		fmt.Printf("%s Staged %d records as %q (%s)\n", ui.RenderPass("✓"), len(imp.Students), imp.Name, imp.ID)
	},
}

var batchesCmd = &cobra.Command{
	Use:     "batches",
	GroupID: "sync",
	Short:   "List the batches available on the remote",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		names, err := newGateway().ListRemoteBatches(ctx)
		if err != nil {
			exitf("%v", err)
		}
		if len(names) == 0 {
			fmt.Printf("%s No remote batches\n", ui.RenderMuted("-"))
			return
		}
		for _, n := range names {
			fmt.Println(n)
		}
	},
}

var flushCmd = &cobra.Command{
	Use:     "flush",
	GroupID: "outbox",
	Short:   "Deliver queued outbox jobs now",
	Long: `Run one drain pass: every deliverable job is sent in queue order, waiting
out each job's backoff first. Jobs that fail again stay queued.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		res, err := newCoordinator(store, newGateway()).DrainNow(ctx)
		if err != nil {
			exitf("%v", err)
		}
		mark := ui.RenderPass("✓")
		if res.Failed > 0 {
			mark = ui.RenderWarn("⚠")
		}
		fmt.Printf("%s %d delivered, %d failed, %d pending\n", mark, res.Delivered, res.Failed, res.Pending)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(batchesCmd)
	rootCmd.AddCommand(flushCmd)
}
