// Command attend is the operator CLI for the local-first attendance store.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/impact7/attend/internal/config"
	"github.com/impact7/attend/internal/db"
	"github.com/impact7/attend/internal/drain"
	"github.com/impact7/attend/internal/gateway"
	"github.com/impact7/attend/internal/session"
)

var (
	configFile string
	vcfg       *viper.Viper
	cfg        *config.Config
	logOut     io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:   "attend",
	Short: "Local-first attendance records with write-behind sync",
	Long: `attend keeps attendance records in a local SQLite database and delivers
every change to the Google Apps Script endpoint through a durable outbox.

Changes are written locally first. Delivery is retried with backoff until it
succeeds or the retry ceiling is reached; failed jobs can be inspected,
requeued or purged with the outbox commands.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		vcfg = config.New(configFile)
		for flag, key := range map[string]string{"db": "db", "endpoint": "endpoint", "log-file": "log.file"} {
			if err := vcfg.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(flag)); err != nil {
				return fmt.Errorf("failed to bind --%s: %w", flag, err)
			}
		}
		loaded, err := config.Load(vcfg)
		if err != nil {
			return err
		}
		cfg = loaded
		if cfg.Log.File != "" {
			logOut = &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAgeDays,
				Compress:   true,
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if c, ok := logOut.(io.Closer); ok {
			_ = c.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "outbox", Title: "Outbox:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./attend.yaml or ~/.config/attend/attend.yaml)")
	rootCmd.PersistentFlags().String("db", "", "Database file")
	rootCmd.PersistentFlags().String("endpoint", "", "GAS web app URL")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to a rotating file instead of stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(prefix string) *log.Logger {
	return log.New(logOut, prefix, log.LstdFlags)
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func openStore(ctx context.Context) *db.DB {
	store, err := db.Open(ctx, cfg.DBPath, db.Options{
		Logger: newLogger("[store] "),
		Outbox: cfg.OutboxOptions(),
	})
	if err != nil {
		exitf("opening database %s: %v", cfg.DBPath, err)
	}
	return store
}

func newGateway() *gateway.Client {
	if cfg.Endpoint == "" {
		exitf("no endpoint configured (set endpoint in attend.yaml, ATTEND_ENDPOINT or --endpoint)")
	}
	gw, err := gateway.New(cfg.Endpoint, gateway.Options{
		Timeout: cfg.Gateway.Timeout,
		Logger:  newLogger("[gateway] "),
	})
	if err != nil {
		exitf("%v", err)
	}
	return gw
}

func newCoordinator(store *db.DB, gw *gateway.Client) *drain.Coordinator {
	c, err := drain.New(store, gw, cfg.DrainConfig(newLogger("[drain] ")))
	if err != nil {
		exitf("%v", err)
	}
	return c
}

// openSession wires a store, gateway and coordinator into a session. The
// caller closes the session and then the store.
func openSession(ctx context.Context) (*session.Session, *db.DB) {
	store := openStore(ctx)
	return openSessionOn(ctx, store), store
}

// openSessionOn opens a session over an already open store.
func openSessionOn(ctx context.Context, store *db.DB) *session.Session {
	gw := newGateway()
	s, err := session.Open(ctx, session.Deps{
		Store:        store,
		Remote:       gw,
		Drain:        newCoordinator(store, gw),
		Logger:       newLogger("[session] "),
		PersistDelay: cfg.Session.PersistDelay,
		HistoryDelay: cfg.Session.HistoryDelay,
	})
	if err != nil {
		_ = store.Close()
		exitf("opening session: %v", err)
	}
	return s
}
