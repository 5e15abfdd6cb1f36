package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/outreach/internal/browser"
	"github.com/example/outreach/internal/executor"
	"github.com/example/outreach/internal/messaging"
	"github.com/example/outreach/internal/replay"
	"github.com/example/outreach/internal/report"
	"github.com/example/outreach/internal/server"
)

var noScheduler bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduled session replay",
	Long: `Serves the token exchange, storeProfile, storeMessages, session upload and
action endpoints, and runs the replay on replay.schedule (default every 5
minutes). Requires OUTREACH_JWT_SECRET.`,
	RunE: runServe,
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run one session replay pass over every user and exit",
	RunE:  runReplay,
}

func init() {
	serveCmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without running the replay")
}

func newScheduler(rt *runtime) (*replay.Scheduler, error) {
	loc, err := rt.cfg.Location()
	if err != nil {
		return nil, err
	}
	strat := rt.strategy()
	exec := executor.New(strat, executor.Options{
		Mode:         executor.Headless,
		SettleDelay:  rt.cfg.Queue.SettleDelay,
		InputTimeout: rt.cfg.Replay.InputTimeout,
		SendTimeout:  rt.cfg.Replay.SendTimeout,
	}, rt.log)
	launch := func(ctx context.Context) (replay.Browser, error) {
		return browser.Launch(ctx, rt.cfg, rt.cfg.Replay.Headless, rt.log)
	}
	return replay.New(rt.st, launch, strat, exec,
		report.New(rt.st, "replay", rt.metrics, rt.log), rt.metrics,
		replay.Options{
			Schedule:       rt.cfg.Replay.Schedule,
			BatchSize:      rt.cfg.Replay.BatchSize,
			MinActionDelay: rt.cfg.Replay.MinActionDelay,
			MaxActionDelay: rt.cfg.Replay.MaxActionDelay,
			AuthTimeout:    rt.cfg.Replay.InputTimeout,
			Location:       loc,
			Personalizer:   messaging.New(rt.st, rt.log),
		}, rt.log), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd.Context(), os.Stdout)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.cfg.Server.JWTSecret == "" {
		return errors.New("OUTREACH_JWT_SECRET is required to serve")
	}

	srv, err := server.New(rt.st, rt.metrics, server.Options{
		JWTSecret: rt.cfg.Server.JWTSecret,
		APIKey:    rt.cfg.Server.APIKey,
		TokenTTL:  rt.cfg.Server.TokenTTL,
		RateLimit: rt.cfg.Server.RateLimit,
		RateBurst: rt.cfg.Server.RateBurst,
	}, rt.log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error { return srv.ListenAndServe(ctx, rt.cfg.Server.Addr) })
	if !noScheduler {
		sched, err := newScheduler(rt)
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Start(ctx) })
	}
	return g.Wait()
}

func runReplay(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd.Context(), os.Stdout)
	if err != nil {
		return err
	}
	defer rt.Close()
	sched, err := newScheduler(rt)
	if err != nil {
		return err
	}
	sum, err := sched.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	rt.log.Info("replay complete", "summary", sum.String())
	return nil
}
