package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/outreach/internal/config"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/metrics"
	"github.com/example/outreach/internal/store"
	"github.com/example/outreach/internal/strategy"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "outreach",
	Short: "Outreach automation: live-tab action queue and scheduled session replay",
	Long: `outreach drives connection requests and messages on LinkedIn.

The agent runs next to the user's Chrome as a native-messaging host and drains a
rate-limited queue against the active tab. The server accepts actions and
session cookies over HTTP and replays pending actions in a headless browser on
a schedule.`,
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to config file")
	rootCmd.AddCommand(migrateCmd, serveCmd, replayCmd, agentCmd, captureCmd, enqueueCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runtime is what every subcommand needs: config, logger and an open, migrated store.
type runtime struct {
	cfg     *config.Config
	log     *logging.Logger
	st      *store.Store
	metrics *metrics.Collector
}

func (r *runtime) Close() { r.st.Close() }

func (r *runtime) strategy() *strategy.LinkedIn {
	return strategy.NewLinkedIn(r.cfg.LinkedIn.BaseURL, r.cfg.LinkedIn.TargetDomain)
}

func setup(ctx context.Context, logSink io.Writer) (*runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logging.NewWithWriter(logSink, cfg.Logging.Level)
	log.Info("config loaded", "db_path", cfg.Database.Path, "log_level", cfg.Logging.Level)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	m, err := metrics.New()
	if err != nil {
		st.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, log: log, st: st, metrics: m}, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd.Context(), os.Stdout)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.log.Info("database ready", "path", rt.cfg.Database.Path)
	return nil
}
