// Package report records terminal action states. Persistence failures are logged
// and returned but never panic, so a batch can keep going.
package report

import (
	"context"
	"errors"
	"time"

	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/metrics"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/store"
)

// Updater is the persistence side of a status transition.
type Updater interface {
	UpdateAction(ctx context.Context, id string, u store.ActionUpdate) error
}

type Reporter struct {
	st      Updater
	source  string
	metrics *metrics.Collector
	now     func() time.Time
	log     *logging.Logger
}

// New builds a reporter. st may be nil for queues whose actions are not persisted;
// transitions are then only logged and counted.
func New(st Updater, source string, m *metrics.Collector, log *logging.Logger) *Reporter {
	return &Reporter{st: st, source: source, metrics: m, now: time.Now, log: log.With("module", "report", "source", source)}
}

// WithClock overrides the timestamp source.
func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	return r
}

func (r *Reporter) Started(ctx context.Context, a *models.Action) error {
	a.Status = models.StatusInProgress
	a.Attempts++
	return r.persist(ctx, a, store.ActionUpdate{Status: models.StatusInProgress, At: r.now().UTC()})
}

// Requeued returns an attempted action to pending, keeping the last cause for inspection.
func (r *Reporter) Requeued(ctx context.Context, a *models.Action, cause string) error {
	a.Status = models.StatusPending
	a.ErrorDetail = cause
	r.log.Info("action requeued", "action_id", a.ID, "attempts", a.Attempts, "err", cause)
	return r.persist(ctx, a, store.ActionUpdate{Status: models.StatusPending, At: r.now().UTC()})
}

func (r *Reporter) Completed(ctx context.Context, a *models.Action, detail string) error {
	at := r.now().UTC()
	a.Status = models.StatusCompleted
	a.CompletedAt = &at
	a.ErrorDetail = ""
	r.metrics.Action(r.source, string(models.StatusCompleted))
	r.log.Info("action completed", "action_id", a.ID, "user_id", a.UserID, "kind", a.Kind, "detail", detail)
	return r.persist(ctx, a, store.ActionUpdate{Status: models.StatusCompleted, At: at})
}

func (r *Reporter) Failed(ctx context.Context, a *models.Action, cause string) error {
	if cause == "" {
		cause = "unknown error"
	}
	at := r.now().UTC()
	a.Status = models.StatusFailed
	a.FailedAt = &at
	a.ErrorDetail = cause
	r.metrics.Action(r.source, string(models.StatusFailed))
	r.log.Warn("action failed", "action_id", a.ID, "user_id", a.UserID, "kind", a.Kind, "err", cause)
	return r.persist(ctx, a, store.ActionUpdate{Status: models.StatusFailed, At: at, Error: cause})
}

func (r *Reporter) persist(ctx context.Context, a *models.Action, u store.ActionUpdate) error {
	if r.st == nil || a.ID == "" {
		return nil
	}
	// A transition started must land even when the caller is shutting down.
	err := r.st.UpdateAction(context.WithoutCancel(ctx), a.ID, u)
	if errors.Is(err, store.ErrNotTransitioned) {
		// Another runner finished this action first.
		r.log.Warn("action already terminal", "action_id", a.ID, "status", u.Status)
		return nil
	}
	if err != nil {
		r.log.Error("persist action status failed", "action_id", a.ID, "status", u.Status, "err", err)
	}
	return err
}
