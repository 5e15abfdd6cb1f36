// Package replay drains stored pending actions for every user inside a headless
// browser seeded with that user's saved cookies.
package replay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/outreach/internal/browser"
	"github.com/example/outreach/internal/executor"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/metrics"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/report"
	"github.com/example/outreach/internal/stealth"
	"github.com/example/outreach/internal/strategy"
)

const RunType = "replay"

var (
	ErrNoSession      = errors.New("no usable session cookies")
	ErrSessionInvalid = errors.New("session not authenticated")
	ErrMissingTarget  = errors.New("action has no target url")
)

// Browser is one headless Chrome owned by a run.
type Browser interface {
	NewSession(ctx context.Context) (browser.SessionPage, error)
	Close() error
}

type LaunchFunc func(ctx context.Context) (Browser, error)

type Store interface {
	ListUsers(ctx context.Context) ([]string, error)
	GetSession(ctx context.Context, userID string) (*models.SessionArtifact, error)
	QueryPendingActions(ctx context.Context, userID, platform string, limit int) ([]models.Action, error)
	RecordRun(ctx context.Context, r models.RunLog) error
}

type Personalizer interface {
	Personalize(ctx context.Context, a models.Action) (models.Action, error)
}

type Executor interface {
	Execute(ctx context.Context, a models.Action, page browser.Page) executor.Result
}

type Options struct {
	Schedule       string
	BatchSize      int
	MinActionDelay time.Duration
	MaxActionDelay time.Duration
	AuthTimeout    time.Duration
	Seed           int64
	Location       *time.Location
	Sleep          func(context.Context, time.Duration) error

	// Personalizer, when set, renders template tokens before each action runs.
	Personalizer Personalizer
}

// Summary counts what one run did.
type Summary struct {
	Users     int
	Skipped   int
	Completed int
	Failed    int
}

func (s Summary) String() string {
	return fmt.Sprintf("users=%d skipped=%d completed=%d failed=%d", s.Users, s.Skipped, s.Completed, s.Failed)
}

type Scheduler struct {
	st       Store
	launch   LaunchFunc
	strat    strategy.PageInteractionStrategy
	exec     Executor
	reporter *report.Reporter
	metrics  *metrics.Collector
	opts     Options
	jitter   *stealth.Jitter
	now      func() time.Time
	log      *logging.Logger
}

func New(st Store, launch LaunchFunc, strat strategy.PageInteractionStrategy, exec Executor, reporter *report.Reporter, m *metrics.Collector, opts Options, log *logging.Logger) *Scheduler {
	if opts.Schedule == "" {
		opts.Schedule = "@every 5m"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Sleep == nil {
		opts.Sleep = stealth.Sleep
	}
	return &Scheduler{
		st:       st,
		launch:   launch,
		strat:    strat,
		exec:     exec,
		reporter: reporter,
		metrics:  m,
		opts:     opts,
		jitter:   stealth.NewJitter(opts.MinActionDelay, opts.MaxActionDelay, opts.Seed),
		now:      time.Now,
		log:      log.With("module", "replay"),
	}
}

// Start runs RunOnce on the configured cron schedule until ctx is cancelled.
// A tick that fires while the previous run is still going is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(s.opts.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(s.opts.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Error("replay run ended early", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", s.opts.Schedule, err)
	}
	s.log.Info("replay scheduler started", "schedule", s.opts.Schedule, "batch_size", s.opts.BatchSize)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("replay scheduler stopped")
	return nil
}

// RunOnce performs one full pass over every user. Per-user and per-action
// failures are absorbed; only errors that stop the whole pass are returned.
// The browser is closed exactly once however the pass ends.
func (s *Scheduler) RunOnce(ctx context.Context) (sum Summary, err error) {
	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("replay panic: %v", r)
			s.log.Error("replay run panicked", "panic", r, "stack", string(debug.Stack()))
		}
		s.finish(ctx, started, sum, err)
	}()

	users, err := s.st.ListUsers(ctx)
	if err != nil {
		return sum, fmt.Errorf("list users: %w", err)
	}
	if len(users) == 0 {
		s.log.Debug("no users to replay")
		return sum, nil
	}

	b, err := s.launch(ctx)
	if err != nil {
		return sum, fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			s.log.Warn("close browser", "err", cerr)
		}
	}()

	for _, uid := range users {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Users++
		done, failed, uerr := s.replayUser(ctx, b, uid)
		sum.Completed += done
		sum.Failed += failed
		if uerr != nil {
			sum.Skipped++
			s.log.Info("user skipped", "user_id", uid, "reason", uerr)
		}
	}
	return sum, nil
}

func (s *Scheduler) finish(ctx context.Context, started time.Time, sum Summary, err error) {
	ended := s.now()
	result := "ok"
	summary := sum.String()
	if err != nil {
		result = "error"
		summary += " err=" + err.Error()
	}
	s.metrics.ReplayRun(result, ended.Sub(started))
	if rerr := s.st.RecordRun(context.WithoutCancel(ctx), models.RunLog{RunType: RunType, StartedAt: started.UTC(), EndedAt: ended.UTC(), Summary: summary}); rerr != nil {
		s.log.Warn("record replay run", "err", rerr)
	}
	s.log.Info("replay run finished", "result", result, "users", sum.Users, "skipped", sum.Skipped,
		"completed", sum.Completed, "failed", sum.Failed, "duration", ended.Sub(started))
}

// replayUser returns a non-nil error only when the user was skipped before any
// action was attempted.
func (s *Scheduler) replayUser(ctx context.Context, b Browser, uid string) (completed, failed int, err error) {
	artifact, err := s.st.GetSession(ctx, uid)
	if err != nil {
		s.metrics.UserSkipped("session_error")
		return 0, 0, fmt.Errorf("load session: %w", err)
	}
	cookies := artifact.UsableCookies()
	if len(cookies) == 0 {
		s.metrics.UserSkipped("no_session")
		return 0, 0, ErrNoSession
	}

	page, err := b.NewSession(ctx)
	if err != nil {
		s.metrics.UserSkipped("context_error")
		return 0, 0, fmt.Errorf("open browser context: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			s.log.Debug("close user context", "user_id", uid, "err", cerr)
		}
	}()

	if err := page.SetCookies(ctx, cookies); err != nil {
		s.metrics.UserSkipped("cookie_error")
		return 0, 0, fmt.Errorf("apply cookies: %w", err)
	}
	if err := s.validate(ctx, page); err != nil {
		s.metrics.UserSkipped("invalid_session")
		return 0, 0, err
	}

	batch, err := s.st.QueryPendingActions(ctx, uid, s.strat.Platform(), s.opts.BatchSize)
	if err != nil {
		s.metrics.UserSkipped("query_error")
		return 0, 0, fmt.Errorf("query pending actions: %w", err)
	}
	s.log.Info("replaying user", "user_id", uid, "pending", len(batch), "cookies", len(cookies))

	for i := range batch {
		if ctx.Err() != nil {
			return completed, failed, nil
		}
		if i > 0 {
			if err := s.opts.Sleep(ctx, s.jitter.Next()); err != nil {
				return completed, failed, nil
			}
		}
		if s.runAction(ctx, page, &batch[i]) {
			completed++
		} else {
			failed++
		}
	}
	return completed, failed, nil
}

func (s *Scheduler) validate(ctx context.Context, page browser.Page) error {
	if err := page.Navigate(ctx, s.strat.HomeURL()); err != nil {
		return fmt.Errorf("%w: open home: %v", ErrSessionInvalid, err)
	}
	for _, sel := range s.strat.AuthMarker() {
		if _, err := page.Find(ctx, sel, s.opts.AuthTimeout); err == nil {
			return nil
		}
	}
	return ErrSessionInvalid
}

// runAction takes one action to a terminal state. A panic fails only this
// action; the batch goes on.
func (s *Scheduler) runAction(ctx context.Context, page browser.Page, a *models.Action) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("action panicked", "action_id", a.ID, "panic", r, "stack", string(debug.Stack()))
			_ = s.reporter.Failed(ctx, a, fmt.Sprintf("panic: %v", r))
			ok = false
		}
	}()
	_ = s.reporter.Started(ctx, a)
	if a.Payload.TargetURL == "" {
		_ = s.reporter.Failed(ctx, a, ErrMissingTarget.Error())
		return false
	}
	act := *a
	if s.opts.Personalizer != nil {
		rendered, err := s.opts.Personalizer.Personalize(ctx, act)
		if err != nil {
			_ = s.reporter.Failed(ctx, a, fmt.Sprintf("personalize: %v", err))
			return false
		}
		act = rendered
	}
	if err := page.Navigate(ctx, a.Payload.TargetURL); err != nil {
		_ = s.reporter.Failed(ctx, a, fmt.Sprintf("navigate to target: %v", err))
		return false
	}
	res := s.exec.Execute(ctx, act, page)
	if !res.OK {
		_ = s.reporter.Failed(ctx, a, res.Detail)
		return false
	}
	_ = s.reporter.Completed(ctx, a, res.Detail)
	return true
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct{ log *logging.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
