package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/impact7/attend/internal/config"
	"github.com/impact7/attend/internal/dashboard"
	"github.com/impact7/attend/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run the drain loop and the UI bridge",
	Long: `Run the background delivery loop and the WebSocket bridge for the
attendance UI.

The drain loop delivers queued jobs every drain.interval, after a failed
send, and whenever a UI client reports that its window regained focus.

WebSocket messages:
- pending_count: outbox badge count
- drain_complete: result of a drain pass
- sync_complete: result of a pull

Connect with a WebSocket client:
  ws://127.0.0.1:7717/ws

Changes to the drain timings in the config file apply without a restart.

When a legacy directory is given (--legacy-dir or legacy_dir) the legacy
storage export is migrated before the session loads. The migration runs
once; later starts skip it.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Dashboard.Addr
		}
		syncFirst, _ := cmd.Flags().GetBool("sync")
		legacyDir, _ := cmd.Flags().GetString("legacy-dir")
		if legacyDir == "" {
			legacyDir = cfg.LegacyDir
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store := openStore(ctx)
		defer store.Close()

		if legacyDir != "" {
			res, err := runMigration(ctx, store, legacyDir)
			switch {
			case err != nil:
				fmt.Fprintf(os.Stderr, "%s Legacy migration failed, will retry on next start: %v\n", ui.RenderWarn("⚠"), err)
			case res.Migrated:
				fmt.Printf("%s Migrated %d legacy records from %s\n", ui.RenderPass("✓"), res.RecordCount, legacyDir)
				for _, key := range res.Skipped {
					fmt.Printf("%s Skipped %s (could not be parsed, left in place)\n", ui.RenderWarn("⚠"), key)
				}
			}
		}

		s := openSessionOn(ctx, store)

		server := dashboard.NewServer(&dashboard.Config{
			Addr:   addr,
			Logger: newLogger("[dashboard] "),
		})
		handler := dashboard.NewHandler(server, newLogger("[dashboard] "))
		handler.Attach(s)

		if err := server.Start(); err != nil {
			_ = s.Close(context.Background())
			exitf("failed to start dashboard: %v", err)
		}

		coord := s.Drain()
		if vcfg.ConfigFileUsed() != "" {
			config.Watch(vcfg, newLogger("[config] "), func(next *config.Config, e fsnotify.Event) {
				coord.Retune(next.Drain.FailureDelay, next.Drain.BackoffBase, next.Drain.MaxBackoff)
			})
		}

		if syncFirst {
			res := handler.Sync(ctx, s)
			if !res.Success {
				fmt.Fprintf(os.Stderr, "%s Initial sync failed: %s\n", ui.RenderWarn("⚠"), res.Error)
			}
		}

		fmt.Printf("%s attend serving\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Database: %s\n", store.Path())
		fmt.Printf("   Endpoint: %s\n", cfg.Endpoint)
		fmt.Printf("   WebSocket: ws://%s/ws\n", server.GetAddr())
		fmt.Printf("   Health: http://%s/health\n", server.GetAddr())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := coord.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Drain loop stopped with error: %v\n", err)
		}

		fmt.Println("\nShutting down...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
		}
		if err := s.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing session: %v\n", err)
		}
		fmt.Println("Stopped")
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Dashboard listen address (default from dashboard.addr)")
	serveCmd.Flags().Bool("sync", false, "Pull the remote collection before serving")
	serveCmd.Flags().String("legacy-dir", "", "Migrate this legacy storage export before serving (default from legacy_dir)")
	rootCmd.AddCommand(serveCmd)
}
