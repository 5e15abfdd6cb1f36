package extension

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/example/outreach/internal/backend"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeQueue struct {
	mu   sync.Mutex
	got  []models.Payload
	full bool
}

func (q *fakeQueue) Enqueue(ctx context.Context, kind models.ActionKind, p models.Payload) (*models.Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return nil, queue.ErrQuotaExceeded
	}
	q.got = append(q.got, p)
	return &models.Action{ID: "act-1", Kind: kind, Payload: p, Status: models.StatusPending}, nil
}

type fakeBackend struct {
	mu        sync.Mutex
	exchanges int
	ttl       time.Duration
	profiles  []*models.Profile
	messages  []json.RawMessage
	tokens    []string
}

func (b *fakeBackend) ExchangeToken(ctx context.Context, uid string) (backend.Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges++
	if uid == "banned" {
		return backend.Token{}, backend.ErrRejected
	}
	return backend.Token{Token: "tok-" + uid, ExpiresAt: time.Now().Add(b.ttl)}, nil
}

func (b *fakeBackend) StoreProfile(ctx context.Context, token, uid string, p *models.Profile) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = append(b.tokens, token)
	b.profiles = append(b.profiles, p)
	return nil
}

func (b *fakeBackend) StoreMessages(ctx context.Context, token, uid string, data json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = append(b.tokens, token)
	b.messages = append(b.messages, data)
	return nil
}

type fakeScraper struct {
	p   *models.Profile
	err error
}

func (s fakeScraper) ScrapeProfile(ctx context.Context) (*models.Profile, error) { return s.p, s.err }

func newDispatcher(q Enqueuer, b Backend, s ProfileScraper, uid string) *Dispatcher {
	d := NewDispatcher(logging.Discard())
	NewAgent(q, b, s, uid, logging.Discard()).Register(d)
	return d
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"action":"storeProfile"}`)))
	assert.Equal(t, []byte{25, 0, 0, 0}, buf.Bytes()[:4])

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, `{"action":"storeProfile"}`, string(got))

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameLimits(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, maxOutbound+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	hdr := []byte{0xff, 0xff, 0xff, 0xff}
	_, err = ReadFrame(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = ReadFrame(bytes.NewReader([]byte{10, 0, 0, 0, '{'}))
	assert.Error(t, err)
}

func TestQueueLinkedInAction(t *testing.T) {
	q := &fakeQueue{}
	d := newDispatcher(q, &fakeBackend{}, nil, "")
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{ID: "1", Action: ActionQueueLinkedIn, Type: models.KindSendMessage,
		Payload: models.Payload{TargetURL: "https://www.linkedin.com/in/jane", Message: "hello \"Jane\""}})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, "act-1", resp.Data.(map[string]any)["actionId"])
	assert.Equal(t, "hello \"Jane\"", q.got[0].Message)

	resp = d.Dispatch(ctx, Request{Action: ActionQueueLinkedIn, Type: models.KindSendMessage})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "payload.message")

	resp = d.Dispatch(ctx, Request{Action: ActionQueueLinkedIn, Type: "endorse"})
	assert.False(t, resp.Success)

	q.full = true
	resp = d.Dispatch(ctx, Request{Action: ActionQueueLinkedIn, Type: models.KindConnect})
	assert.False(t, resp.Success)
	assert.Equal(t, queue.ErrQuotaExceeded.Error(), resp.Error)
}

func TestStoreRequiresAuthentication(t *testing.T) {
	d := newDispatcher(&fakeQueue{}, &fakeBackend{ttl: time.Hour}, nil, "")
	resp := d.Dispatch(context.Background(), Request{Action: ActionStoreMessages, Data: json.RawMessage(`[1]`)})
	assert.False(t, resp.Success)
	assert.Equal(t, ErrNotAuthenticated.Error(), resp.Error)
}

func TestAuthenticateThenStore(t *testing.T) {
	b := &fakeBackend{ttl: time.Hour}
	d := newDispatcher(&fakeQueue{}, b, nil, "")
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{Action: ActionAuthenticate, UID: "u1"})
	require.True(t, resp.Success, resp.Error)

	resp = d.Dispatch(ctx, Request{Action: ActionStoreMessages, Data: json.RawMessage(`[{"text":"hi"}]`)})
	require.True(t, resp.Success, resp.Error)
	resp = d.Dispatch(ctx, Request{Action: ActionStoreProfile, Data: json.RawMessage(`{"linkedinUrl":"https://www.linkedin.com/in/jane","name":"Jane"}`)})
	require.True(t, resp.Success, resp.Error)

	assert.Equal(t, 1, b.exchanges)
	assert.Equal(t, []string{"tok-u1", "tok-u1"}, b.tokens)
	assert.Equal(t, "Jane", b.profiles[0].Name)

	resp = d.Dispatch(ctx, Request{Action: ActionAuthenticate, UID: "banned"})
	assert.False(t, resp.Success)
	resp = d.Dispatch(ctx, Request{Action: ActionAuthenticate})
	assert.False(t, resp.Success)
}

func TestExpiredTokenIsRefreshed(t *testing.T) {
	b := &fakeBackend{ttl: -time.Minute}
	d := newDispatcher(&fakeQueue{}, b, nil, "u1")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		resp := d.Dispatch(ctx, Request{Action: ActionStoreMessages, Data: json.RawMessage(`[]`)})
		require.True(t, resp.Success, resp.Error)
	}
	assert.Equal(t, 2, b.exchanges)
}

func TestStoreProfileScrapesWhenNoData(t *testing.T) {
	b := &fakeBackend{ttl: time.Hour}
	scraped := &models.Profile{LinkedInURL: "https://www.linkedin.com/in/jane", Headline: "Engineer"}
	d := newDispatcher(&fakeQueue{}, b, fakeScraper{p: scraped}, "u1")

	resp := d.Dispatch(context.Background(), Request{Action: ActionStoreProfile})
	require.True(t, resp.Success, resp.Error)
	assert.Same(t, scraped, b.profiles[0])

	d = newDispatcher(&fakeQueue{}, b, fakeScraper{err: errors.New("not a profile page")}, "u1")
	resp = d.Dispatch(context.Background(), Request{Action: ActionStoreProfile})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "not a profile page")

	d = newDispatcher(&fakeQueue{}, b, fakeScraper{p: &models.Profile{}}, "u1")
	resp = d.Dispatch(context.Background(), Request{Action: ActionStoreProfile})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "linkedinUrl")
}

func TestUnknownActionAndPanic(t *testing.T) {
	d := NewDispatcher(logging.Discard())
	d.Handle("boom", func(ctx context.Context, req Request) (any, error) { panic("nil page") })

	resp := d.Dispatch(context.Background(), Request{ID: "x", Action: "nope"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown action")

	resp = d.Dispatch(context.Background(), Request{ID: "y", Action: "boom"})
	assert.False(t, resp.Success)
	assert.Equal(t, "y", resp.ID)
	assert.Contains(t, resp.Error, "nil page")
}

func TestReplyDeliversOnce(t *testing.T) {
	var got []Response
	r := newReply(func(resp Response) { got = append(got, resp) })
	assert.True(t, r.send(Response{ID: "1", Success: true}))
	assert.False(t, r.send(Response{ID: "1", Error: "late"}))
	require.Len(t, got, 1)
	assert.True(t, got[0].Success)
}

func TestServeAnswersEveryRequestOnce(t *testing.T) {
	d := newDispatcher(&fakeQueue{}, &fakeBackend{ttl: time.Hour}, nil, "u1")

	var in bytes.Buffer
	for _, req := range []string{
		`{"id":"a","action":"queueLinkedInAction","type":"connect","payload":{}}`,
		`{"id":"b","action":"storeMessages","data":[{"text":"hi"}]}`,
		`not json`,
		`{"id":"c","action":"whatever"}`,
	} {
		require.NoError(t, WriteFrame(&in, []byte(req)))
	}

	var out bytes.Buffer
	require.NoError(t, d.Serve(context.Background(), &in, &out))

	byID := map[string]Response{}
	for {
		frame, err := ReadFrame(&out)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal(frame, &resp))
		_, dup := byID[resp.ID]
		require.False(t, dup, "duplicate response for %q", resp.ID)
		byID[resp.ID] = resp
	}
	require.Len(t, byID, 4)
	assert.True(t, byID["a"].Success)
	assert.True(t, byID["b"].Success)
	assert.False(t, byID["c"].Success)
	assert.Contains(t, byID[""].Error, "malformed request")
}

func TestServeOversizedResponseStillAnswers(t *testing.T) {
	d := NewDispatcher(logging.Discard())
	d.Handle("big", func(ctx context.Context, req Request) (any, error) {
		return strings.Repeat("x", maxOutbound), nil
	})

	var in bytes.Buffer
	require.NoError(t, WriteFrame(&in, []byte(`{"id":"p1","action":"big"}`)))
	var out bytes.Buffer
	require.NoError(t, d.Serve(context.Background(), &in, &out))

	frame, err := ReadFrame(&out)
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(frame, &resp))
	assert.Equal(t, "p1", resp.ID)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "limit")

	_, err = ReadFrame(&out)
	assert.ErrorIs(t, err, io.EOF, "exactly one response")
}
