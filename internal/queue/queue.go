// Package queue drains outreach actions one at a time against the user's live tab.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/outreach/internal/browser"
	"github.com/example/outreach/internal/executor"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/metrics"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/report"
	"github.com/example/outreach/internal/stealth"
)

var (
	ErrQuotaExceeded = errors.New("daily action quota reached")
	ErrWrongDomain   = errors.New("active tab is not on the target site")
)

// Outcome describes what one DrainNext call did.
type Outcome int

const (
	Idle Outcome = iota
	Succeeded
	Requeued
	DeadLettered
	Held
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Requeued:
		return "requeued"
	case DeadLettered:
		return "dead_lettered"
	case Held:
		return "held"
	default:
		return "idle"
	}
}

// Clock drives the delay between drains; tests substitute a manual clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Executor interface {
	Execute(ctx context.Context, a models.Action, page browser.Page) executor.Result
}

type TabSource interface {
	ActiveTab(ctx context.Context) (browser.Page, error)
}

type Targeter interface {
	IsTarget(rawURL string) bool
}

// Journal records accepted actions so terminal states have a row to land on.
type Journal interface {
	InsertAction(ctx context.Context, a *models.Action) error
}

type Options struct {
	UserID      string
	Platform    string
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Seed        int64
	// ActiveHours, when set, holds draining while it returns false.
	ActiveHours func(time.Time) bool
	Clock       Clock
	Journal     Journal
	Metrics     *metrics.Collector
}

type Manager struct {
	quota    Quota
	exec     Executor
	tabs     TabSource
	target   Targeter
	reporter *report.Reporter
	opts     Options
	jitter   *stealth.Jitter
	clock    Clock
	log      *logging.Logger

	drainMu sync.Mutex // serialises DrainNext
	mu      sync.Mutex
	items   []*models.Action
	wake    chan struct{}
}

func New(quota Quota, exec Executor, tabs TabSource, target Targeter, reporter *report.Reporter, opts Options, log *logging.Logger) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Platform == "" {
		opts.Platform = models.PlatformLinkedIn
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Manager{
		quota:    quota,
		exec:     exec,
		tabs:     tabs,
		target:   target,
		reporter: reporter,
		opts:     opts,
		jitter:   stealth.NewJitter(opts.MinDelay, opts.MaxDelay, opts.Seed),
		clock:    clock,
		log:      log.With("module", "queue"),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends a pending action unless today's quota is spent.
func (m *Manager) Enqueue(ctx context.Context, kind models.ActionKind, payload models.Payload) (*models.Action, error) {
	used, ok, err := m.quota.Reserve(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	if !ok {
		m.opts.Metrics.QuotaRejected()
		m.log.Warn("enqueue refused, daily quota reached", "kind", kind, "used", used)
		return nil, ErrQuotaExceeded
	}

	a := &models.Action{
		ID:        uuid.NewString(),
		UserID:    m.opts.UserID,
		Platform:  m.opts.Platform,
		Kind:      kind,
		Payload:   payload,
		Status:    models.StatusPending,
		CreatedAt: m.clock.Now().UTC(),
	}
	if m.opts.Journal != nil {
		if err := m.opts.Journal.InsertAction(ctx, a); err != nil {
			if rerr := m.quota.Release(context.WithoutCancel(ctx)); rerr != nil {
				m.log.Warn("release quota slot", "err", rerr)
			}
			return nil, fmt.Errorf("journal action: %w", err)
		}
	}

	m.mu.Lock()
	m.items = append(m.items, a)
	depth := len(m.items)
	m.mu.Unlock()
	m.opts.Metrics.QueueDepth(depth)
	m.log.Info("action enqueued", "action_id", a.ID, "kind", kind, "depth", depth, "used_today", used)

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return a, nil
}

// Len is the number of actions waiting, excluding one being executed.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Pending returns a snapshot of the waiting actions in drain order.
func (m *Manager) Pending() []models.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Action, 0, len(m.items))
	for _, a := range m.items {
		out = append(out, *a)
	}
	return out
}

func (m *Manager) pop() *models.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil
	}
	a := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return a
}

func (m *Manager) pushFront(a *models.Action) {
	m.mu.Lock()
	m.items = append([]*models.Action{a}, m.items...)
	depth := len(m.items)
	m.mu.Unlock()
	m.opts.Metrics.QueueDepth(depth)
}

// DrainNext attempts the head action once. A failed or unplaceable action goes
// back to the front; execution failures count toward MaxAttempts, after which
// the action is marked failed and dropped.
func (m *Manager) DrainNext(ctx context.Context) Outcome {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	if m.Len() == 0 {
		return Idle
	}
	if m.opts.ActiveHours != nil && !m.opts.ActiveHours(m.clock.Now()) {
		m.log.Debug("outside active hours, holding queue", "depth", m.Len())
		return Held
	}
	a := m.pop()
	if a == nil {
		return Idle
	}
	m.opts.Metrics.QueueDepth(m.Len())

	tab, err := m.tabs.ActiveTab(ctx)
	if err == nil {
		var u string
		u, err = tab.URL(ctx)
		if err == nil && !m.target.IsTarget(u) {
			err = fmt.Errorf("%w: %s", ErrWrongDomain, u)
		}
	}
	if err != nil {
		// Environment not ready; the action itself has not been tried.
		m.log.Info("no usable tab, requeueing", "action_id", a.ID, "err", err)
		m.pushFront(a)
		return Requeued
	}

	_ = m.reporter.Started(ctx, a)
	res := m.exec.Execute(ctx, *a, tab)
	if res.OK {
		_ = m.reporter.Completed(ctx, a, res.Detail)
		m.log.Info("action drained", "action_id", a.ID, "remaining", m.Len())
		return Succeeded
	}
	if a.Attempts >= m.opts.MaxAttempts {
		_ = m.reporter.Failed(ctx, a, fmt.Sprintf("gave up after %d attempts: %s", a.Attempts, res.Detail))
		return DeadLettered
	}
	_ = m.reporter.Requeued(ctx, a, res.Detail)
	m.pushFront(a)
	return Requeued
}

// Run is the single worker: it sleeps until an enqueue wakes it, then drains
// with a randomized pause after every attempt until the queue is empty.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("queue worker started", "min_delay", m.opts.MinDelay, "max_delay", m.opts.MaxDelay)
	defer m.log.Info("queue worker stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
		}
		for {
			select {
			case <-m.wake:
			default:
			}
			outcome := m.DrainNext(ctx)
			if outcome == Idle {
				break
			}
			delay := m.jitter.Next()
			m.log.Debug("next drain scheduled", "outcome", outcome.String(), "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.clock.After(delay):
			}
		}
	}
}
