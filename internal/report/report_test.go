package report

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/store"
)

type failingUpdater struct{ err error }

func (f failingUpdater) UpdateAction(ctx context.Context, id string, u store.ActionUpdate) error {
	return f.err
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestReporterPersistsTransitions(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	fixed := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	ok := &models.Action{ID: "ok", UserID: "u1", Platform: models.PlatformLinkedIn, Kind: models.KindConnect}
	bad := &models.Action{ID: "bad", UserID: "u1", Platform: models.PlatformLinkedIn, Kind: models.KindSendMessage}
	require.NoError(t, st.InsertAction(ctx, ok))
	require.NoError(t, st.InsertAction(ctx, bad))

	r := New(st, "replay", nil, logging.Discard()).WithClock(func() time.Time { return fixed })
	require.NoError(t, r.Started(ctx, ok))
	require.NoError(t, r.Completed(ctx, ok, "clicked Connect"))
	require.NoError(t, r.Failed(ctx, bad, ""))

	assert.Equal(t, models.StatusCompleted, ok.Status)
	assert.Equal(t, fixed, *ok.CompletedAt)
	assert.Equal(t, 1, ok.Attempts)

	got, err := st.GetAction(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "unknown error", got.ErrorDetail)
	require.NotNil(t, got.FailedAt)
	assert.True(t, fixed.Equal(*got.FailedAt))

	// a second terminal report is swallowed, the first outcome stands
	require.NoError(t, r.Completed(ctx, bad, "late"))
	got, err = st.GetAction(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestReporterWithoutStore(t *testing.T) {
	r := New(nil, "queue", nil, logging.Discard())
	a := &models.Action{ID: "x"}
	require.NoError(t, r.Failed(context.Background(), a, "send control disabled"))
	assert.Equal(t, models.StatusFailed, a.Status)
	assert.Equal(t, "send control disabled", a.ErrorDetail)
	assert.NotNil(t, a.FailedAt)
}

func TestReporterSurfacesStoreErrors(t *testing.T) {
	boom := errors.New("disk full")
	r := New(failingUpdater{err: boom}, "replay", nil, logging.Discard())
	a := &models.Action{ID: "x"}
	err := r.Completed(context.Background(), a, "")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, models.StatusCompleted, a.Status)
}

func TestReporterPersistsAfterCancel(t *testing.T) {
	st := openStore(t)
	a := &models.Action{ID: "a1", UserID: "u1", Platform: models.PlatformLinkedIn, Kind: models.KindConnect}
	require.NoError(t, st.InsertAction(context.Background(), a))

	ctx, cancel := context.WithCancel(context.Background())
	r := New(st, "replay", nil, logging.Discard())
	require.NoError(t, r.Started(ctx, a))
	cancel()
	require.NoError(t, r.Failed(ctx, a, "context canceled"))

	got, err := st.GetAction(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "context canceled", got.ErrorDetail)
}
