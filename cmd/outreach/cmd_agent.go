package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/outreach/internal/backend"
	"github.com/example/outreach/internal/browser"
	"github.com/example/outreach/internal/executor"
	"github.com/example/outreach/internal/extension"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/queue"
	"github.com/example/outreach/internal/report"
	"github.com/example/outreach/internal/scrape"
	"github.com/example/outreach/internal/stealth"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run as the extension's native-messaging host",
	Long: `Reads framed requests from the extension on stdin and answers on stdout.
Queued actions are executed one at a time against the active tab of the
user's Chrome, reached through agent.control_url (start Chrome with
--remote-debugging-port). Logs go to stderr.`,
	RunE: runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd.Context(), os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	uid := cfg.Agent.UserID
	if uid == "" {
		uid = "local"
	}

	br, err := browser.Connect(cmd.Context(), cfg, cfg.Agent.ControlURL, rt.log)
	if err != nil {
		return err
	}
	defer br.Close()

	strat := rt.strategy()
	exec := executor.New(strat, executor.Options{
		Mode:           executor.Live,
		SettleDelay:    cfg.Queue.SettleDelay,
		ControlTimeout: cfg.Queue.ControlTimeout,
	}, rt.log)

	var activeHours func(time.Time) bool
	if cfg.Queue.EnforceActiveHours {
		activeHours = func(t time.Time) bool {
			return stealth.InActiveWindow(t.In(loc), cfg.Stealth.ActiveStart, cfg.Stealth.ActiveEnd)
		}
	}

	mgr := queue.New(
		queue.NewDailyQuota(rt.st, "agent:"+uid, cfg.Queue.DailyLimit, loc, nil),
		exec, br, strat,
		report.New(rt.st, "queue", rt.metrics, rt.log),
		queue.Options{
			UserID:      uid,
			Platform:    models.PlatformLinkedInLive,
			MinDelay:    cfg.Queue.MinDelay,
			MaxDelay:    cfg.Queue.MaxDelay,
			MaxAttempts: cfg.Queue.MaxAttempts,
			ActiveHours: activeHours,
			Journal:     rt.st,
			Metrics:     rt.metrics,
		}, rt.log)

	client := backend.New(backend.Options{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout,
		Retries: cfg.Backend.Retries,
		APIKey:  cfg.Backend.APIKey,
	}, rt.log)

	d := extension.NewDispatcher(rt.log)
	extension.NewAgent(mgr, client, scrape.New(br, 0, rt.log), cfg.Agent.UserID, rt.log).Register(d)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Chrome closes stdin when the extension disconnects; stop the worker with it.
		defer cancel()
		return d.Serve(ctx, os.Stdin, os.Stdout)
	})
	g.Go(func() error {
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	err = g.Wait()
	if n := mgr.Len(); n > 0 {
		rt.log.Warn("agent stopped with queued actions", "dropped", n)
	}
	return err
}
