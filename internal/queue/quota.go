package queue

import (
	"context"
	"time"
)

// Quota gates enqueues. Reserve consumes one slot when available; Release
// returns a slot whose action was never queued.
type Quota interface {
	Reserve(ctx context.Context) (used int, ok bool, err error)
	Release(ctx context.Context) error
}

type Reserver interface {
	ReserveDaily(ctx context.Context, scope, day string, limit int) (int, bool, error)
	ReleaseDaily(ctx context.Context, scope, day string) error
	CountDaily(ctx context.Context, scope, day string) (int, error)
}

// DailyQuota is a durable per-scope counter that rolls over at midnight in loc.
type DailyQuota struct {
	st    Reserver
	scope string
	limit int
	loc   *time.Location
	now   func() time.Time
}

func NewDailyQuota(st Reserver, scope string, limit int, loc *time.Location, now func() time.Time) *DailyQuota {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &DailyQuota{st: st, scope: scope, limit: limit, loc: loc, now: now}
}

func (q *DailyQuota) day() string { return q.now().In(q.loc).Format("2006-01-02") }

func (q *DailyQuota) Reserve(ctx context.Context) (int, bool, error) {
	return q.st.ReserveDaily(ctx, q.scope, q.day(), q.limit)
}

func (q *DailyQuota) Release(ctx context.Context) error {
	return q.st.ReleaseDaily(ctx, q.scope, q.day())
}

// Used reports how many slots today's counter has consumed.
func (q *DailyQuota) Used(ctx context.Context) (int, error) {
	return q.st.CountDaily(ctx, q.scope, q.day())
}

func (q *DailyQuota) Limit() int { return q.limit }
