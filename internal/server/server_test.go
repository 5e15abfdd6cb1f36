package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/outreach/internal/backend"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/metrics"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/store"
)

const secret = "test-secret"

type harness struct {
	st  *store.Store
	srv *httptest.Server
}

func newHarness(t *testing.T, apiKey string) *harness {
	t.Helper()
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(context.Background()))

	m, err := metrics.New()
	require.NoError(t, err)
	s, err := New(st, m, Options{JWTSecret: secret, APIKey: apiKey, TokenTTL: time.Hour}, logging.Discard())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{st: st, srv: srv}
}

func (h *harness) do(t *testing.T, method, path, token string, body any, headers ...string) (int, backend.Envelope) {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env backend.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (h *harness) token(t *testing.T, uid string) string {
	t.Helper()
	code, env := h.do(t, http.MethodPost, "/auth/token", "", map[string]string{"uid": uid})
	require.Equal(t, http.StatusOK, code, env.Error)
	var tok backend.Token
	require.NoError(t, json.Unmarshal(env.Data, &tok))
	require.NotEmpty(t, tok.Token)
	return tok.Token
}

func TestTokenExchange(t *testing.T) {
	h := newHarness(t, "")
	tok := h.token(t, "u1")
	uid, err := ValidateToken(tok, secret, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	users, err := h.st.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)

	code, env := h.do(t, http.MethodPost, "/auth/token", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "uid")
}

func TestTokenExchangeRequiresAPIKey(t *testing.T) {
	h := newHarness(t, "k1")
	code, _ := h.do(t, http.MethodPost, "/auth/token", "", map[string]string{"uid": "u1"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := h.do(t, http.MethodPost, "/auth/token", "", map[string]string{"uid": "u1"}, backend.APIKeyHeader, "k1")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
}

func TestTokenValidation(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tok, exp, err := IssueToken("u1", secret, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), exp)

	_, err = ValidateToken(tok, secret, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = ValidateToken(tok, "other", now)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = ValidateToken("garbage", secret, now)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStoreProfile(t *testing.T) {
	h := newHarness(t, "")
	tok := h.token(t, "u1")
	body := map[string]any{"uid": "u1", "data": map[string]any{"linkedinUrl": "https://www.linkedin.com/in/jane/", "name": "Jane", "company": "Acme"}}

	code, _ := h.do(t, http.MethodPost, "/storeProfile", "", body)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := h.do(t, http.MethodPost, "/storeProfile", tok, body)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.True(t, env.Success)

	p, err := h.st.GetProfile(context.Background(), "u1", "https://www.linkedin.com/in/jane/")
	require.NoError(t, err)
	assert.Equal(t, "Jane", p.Name)
	assert.Equal(t, "Acme", p.Company)

	code, _ = h.do(t, http.MethodPost, "/storeProfile", tok, map[string]any{"uid": "u2", "data": body["data"]})
	assert.Equal(t, http.StatusForbidden, code)

	code, env = h.do(t, http.MethodPost, "/storeProfile", tok, map[string]any{"uid": "u1", "data": map[string]any{"name": "x"}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error, "linkedinUrl")

	code, _ = h.do(t, http.MethodPost, "/storeProfile", tok, map[string]any{"uid": "u1"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStoreMessages(t *testing.T) {
	h := newHarness(t, "")
	tok := h.token(t, "u1")

	code, env := h.do(t, http.MethodPost, "/storeMessages", tok, `{"uid":"u1","data":[{"from":"jane","text":"hi"}]}`)
	require.Equal(t, http.StatusOK, code, env.Error)
	n, err := h.st.CountMessageLogs(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	code, _ = h.do(t, http.MethodPost, "/storeMessages", tok, `{"uid":"u1","data":null}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPost, "/storeMessages", tok, `{"uid":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPost, "/storeMessages", tok, `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPutSession(t *testing.T) {
	h := newHarness(t, "")
	tok := h.token(t, "u1")

	code, _ := h.do(t, http.MethodPut, "/sessions", tok, map[string]any{"cookies": []models.Cookie{{Name: "li_at", Value: ""}}})
	assert.Equal(t, http.StatusBadRequest, code)

	cookies := []models.Cookie{{Name: "li_at", Value: "abc", Domain: ".linkedin.com", Path: "/"}, {Name: "x"}}
	code, env := h.do(t, http.MethodPut, "/sessions", tok, map[string]any{"cookies": cookies})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.JSONEq(t, `{"usable":1}`, string(env.Data))

	sa, err := h.st.GetSession(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, sa.UsableCookies(), 1)
}

func TestCreateAndGetAction(t *testing.T) {
	h := newHarness(t, "")
	tok := h.token(t, "u1")
	other := h.token(t, "u2")

	code, env := h.do(t, http.MethodPost, "/actions", tok, map[string]any{
		"type": "sendMessage", "payload": map[string]string{"targetUrl": "https://www.linkedin.com/messaging/thread/1/", "message": "hi"},
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	var a models.Action
	require.NoError(t, json.Unmarshal(env.Data, &a))
	assert.Equal(t, models.StatusPending, a.Status)
	assert.Equal(t, "u1", a.UserID)

	pending, err := h.st.QueryPendingActions(context.Background(), "u1", models.PlatformLinkedIn, 5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	code, env = h.do(t, http.MethodGet, "/actions/"+a.ID, tok, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	code, _ = h.do(t, http.MethodGet, "/actions/"+a.ID, other, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(t, http.MethodGet, "/actions/missing", tok, nil)
	assert.Equal(t, http.StatusNotFound, code)

	for _, bad := range []map[string]any{
		{"type": "endorse", "payload": map[string]string{"targetUrl": "https://www.linkedin.com/in/x"}},
		{"type": "sendMessage", "payload": map[string]string{"targetUrl": "https://www.linkedin.com/in/x"}},
		{"type": "connect", "payload": map[string]string{}},
		{"type": "connect", "payload": map[string]string{"targetUrl": "https://www.linkedin.com/in/x", "note": strings.Repeat("n", 301)}},
	} {
		code, env = h.do(t, http.MethodPost, "/actions", tok, bad)
		assert.Equal(t, http.StatusBadRequest, code, "%v", bad)
		assert.False(t, env.Success)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, "")
	code, env := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)

	resp, err := h.srv.Client().Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(nil, nil, Options{}, logging.Discard())
	assert.Error(t, err)
}
