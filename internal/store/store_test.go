package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/outreach/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newAction(id, user string, created time.Time) *models.Action {
	return &models.Action{
		ID:        id,
		UserID:    user,
		Platform:  models.PlatformLinkedIn,
		Kind:      models.KindSendMessage,
		Payload:   models.Payload{TargetURL: "https://www.linkedin.com/in/" + id, Message: "hello"},
		CreatedAt: created,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	got, err := st.GetSession(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)

	sa := &models.SessionArtifact{UserID: "u1", Cookies: []models.Cookie{
		{Name: "li_at", Value: "tok", Domain: ".linkedin.com", Path: "/", Secure: true},
	}}
	require.NoError(t, st.SaveSession(ctx, sa))

	got, err = st.GetSession(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sa.Cookies, got.Cookies)

	users, err := st.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)
}

func TestQueryPendingActionsOrderAndLimit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.InsertAction(ctx, newAction("c", "u1", base.Add(2*time.Minute))))
	require.NoError(t, st.InsertAction(ctx, newAction("a", "u1", base)))
	require.NoError(t, st.InsertAction(ctx, newAction("b", "u1", base.Add(time.Minute))))
	require.NoError(t, st.InsertAction(ctx, newAction("other", "u2", base)))
	done := newAction("done", "u1", base)
	done.Status = models.StatusCompleted
	require.NoError(t, st.InsertAction(ctx, done))

	got, err := st.QueryPendingActions(ctx, "u1", models.PlatformLinkedIn, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "hello", got[0].Payload.Message)

	none, err := st.QueryPendingActions(ctx, "u1", "twitter", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateActionTransitions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.InsertAction(ctx, newAction("a1", "u1", time.Now())))
	require.NoError(t, st.InsertAction(ctx, newAction("a2", "u1", time.Now())))

	require.NoError(t, st.UpdateAction(ctx, "a1", ActionUpdate{Status: models.StatusInProgress}))
	require.NoError(t, st.UpdateAction(ctx, "a1", ActionUpdate{Status: models.StatusCompleted}))
	a1, err := st.GetAction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, a1.Status)
	assert.Equal(t, 1, a1.Attempts)
	require.NotNil(t, a1.CompletedAt)
	assert.Nil(t, a1.FailedAt)

	require.NoError(t, st.UpdateAction(ctx, "a2", ActionUpdate{Status: models.StatusFailed, Error: "send control disabled"}))
	a2, err := st.GetAction(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, a2.Status)
	assert.Equal(t, "send control disabled", a2.ErrorDetail)
	require.NotNil(t, a2.FailedAt)

	// terminal actions are never transitioned again
	err = st.UpdateAction(ctx, "a2", ActionUpdate{Status: models.StatusCompleted})
	assert.ErrorIs(t, err, ErrNotTransitioned)
	err = st.UpdateAction(ctx, "missing", ActionUpdate{Status: models.StatusFailed})
	assert.ErrorIs(t, err, ErrNotTransitioned)
	err = st.UpdateAction(ctx, "a1", ActionUpdate{Status: "bogus"})
	assert.Error(t, err)

	_, err = st.GetAction(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReserveDaily(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, ok, err := st.ReserveDaily(ctx, "u1", "2026-01-02", 3)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}
	n, ok, err := st.ReserveDaily(ctx, "u1", "2026-01-02", 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, n)

	// a new calendar day starts from zero
	n, ok, err = st.ReserveDaily(ctx, "u1", "2026-01-03", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, n)

	_, ok, err = st.ReserveDaily(ctx, "u2", "2026-01-02", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	c, err := st.CountDaily(ctx, "u2", "2026-01-02")
	require.NoError(t, err)
	assert.Equal(t, 0, c)
}

func TestProfilesAndMessages(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := &models.Profile{LinkedInURL: "https://www.linkedin.com/in/jane", Name: "Jane"}
	require.NoError(t, st.UpsertProfile(ctx, "u1", p))
	p.Company = "Acme"
	require.NoError(t, st.UpsertProfile(ctx, "u1", p))
	got, err := st.GetProfile(ctx, "u1", p.LinkedInURL)
	require.NoError(t, err)
	assert.Equal(t, "Jane", got.Name)
	assert.Equal(t, "Acme", got.Company)

	id, err := st.InsertMessageLog(ctx, "u1", json.RawMessage(`[{"from":"jane","text":"hi"}]`))
	require.NoError(t, err)
	assert.Positive(t, id)
	c, err := st.CountMessageLogs(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, c)
}

func TestRunLogs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	_, err := st.LastRun(ctx, "replay")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC()
	require.NoError(t, st.RecordRun(ctx, models.RunLog{RunType: "replay", StartedAt: now, EndedAt: now.Add(time.Second), Summary: "users=1"}))
	r, err := st.LastRun(ctx, "replay")
	require.NoError(t, err)
	assert.Equal(t, "users=1", r.Summary)
}
