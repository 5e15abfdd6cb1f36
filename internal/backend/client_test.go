package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
)

const base = "http://backend.test"

func newClient(t *testing.T, retries int) *Client {
	t.Helper()
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)
	return New(Options{
		BaseURL:    base + "/",
		Retries:    retries,
		APIKey:     "k1",
		HTTPClient: hc,
		Backoff:    func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}, logging.Discard())
}

func TestExchangeToken(t *testing.T) {
	c := newClient(t, 0)
	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	httpmock.RegisterResponder(http.MethodPost, base+"/auth/token", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "k1", req.Header.Get(APIKeyHeader))
		assert.Empty(t, req.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "u1", body["uid"])
		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"token": "tok", "expiresAt": exp},
		})
	})

	tok, err := c.ExchangeToken(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "tok", tok.Token)
	assert.True(t, exp.Equal(tok.ExpiresAt))
}

func TestStoreProfileSendsBearerAndEnvelope(t *testing.T) {
	c := newClient(t, 0)
	httpmock.RegisterResponder(http.MethodPost, base+"/storeProfile", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
		raw, _ := io.ReadAll(req.Body)
		assert.JSONEq(t, `{"uid":"u1","data":{"linkedinUrl":"https://www.linkedin.com/in/jane","name":"Jane","updatedAt":"0001-01-01T00:00:00Z"}}`, string(raw))
		return httpmock.NewStringResponse(http.StatusOK, `{"success":true}`), nil
	})

	err := c.StoreProfile(context.Background(), "tok", "u1", &models.Profile{LinkedInURL: "https://www.linkedin.com/in/jane", Name: "Jane"})
	require.NoError(t, err)
}

func TestStoreMessagesRetriesServerErrors(t *testing.T) {
	c := newClient(t, 3)
	calls := 0
	httpmock.RegisterResponder(http.MethodPost, base+"/storeMessages", func(req *http.Request) (*http.Response, error) {
		calls++
		if calls < 3 {
			return httpmock.NewStringResponse(http.StatusBadGateway, "upstream down"), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"success":true}`), nil
	})

	err := c.StoreMessages(context.Background(), "tok", "u1", json.RawMessage(`[{"from":"a","text":"hi"}]`))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	c := newClient(t, 5)
	httpmock.RegisterResponder(http.MethodPost, base+"/storeMessages",
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"success":false,"error":"invalid token"}`))

	err := c.StoreMessages(context.Background(), "bad", "u1", json.RawMessage(`[]`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "invalid token")
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestRetriesExhausted(t *testing.T) {
	c := newClient(t, 2)
	httpmock.RegisterResponder(http.MethodPost, base+"/storeProfile",
		httpmock.NewStringResponder(http.StatusInternalServerError, ""))

	err := c.StoreProfile(context.Background(), "tok", "u1", &models.Profile{LinkedInURL: "x"})
	require.Error(t, err)
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}
