// Package server is the outreach HTTP API: token exchange, the extension's
// store endpoints, session upload and action intake for the replay.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"

	"github.com/example/outreach/internal/backend"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/metrics"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/store"
)

const maxBody = 1 << 20

type Store interface {
	UpsertUser(ctx context.Context, id string) error
	SaveSession(ctx context.Context, sa *models.SessionArtifact) error
	InsertAction(ctx context.Context, a *models.Action) error
	GetAction(ctx context.Context, id string) (*models.Action, error)
	UpsertProfile(ctx context.Context, userID string, p *models.Profile) error
	InsertMessageLog(ctx context.Context, userID string, data json.RawMessage) (int64, error)
}

type Options struct {
	JWTSecret string
	APIKey    string
	TokenTTL  time.Duration
	RateLimit float64
	RateBurst int
}

type Server struct {
	st      Store
	metrics *metrics.Collector
	secret  string
	apiKey  string
	ttl     time.Duration
	opts    Options
	now     func() time.Time
	log     *logging.Logger
}

func New(st Store, m *metrics.Collector, opts Options, log *logging.Logger) (*Server, error) {
	if opts.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	return &Server{
		st:      st,
		metrics: m,
		secret:  opts.JWTSecret,
		apiKey:  opts.APIKey,
		ttl:     opts.TokenTTL,
		opts:    opts,
		now:     time.Now,
		log:     log.With("module", "server"),
	}, nil
}

// Handler returns the routed, rate-limited API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("POST /auth/token", s.handleToken)
	mux.HandleFunc("POST /storeProfile", s.requireToken(s.handleStoreProfile))
	mux.HandleFunc("POST /storeMessages", s.requireToken(s.handleStoreMessages))
	mux.HandleFunc("PUT /sessions", s.requireToken(s.handlePutSession))
	mux.HandleFunc("POST /actions", s.requireToken(s.handleCreateAction))
	mux.HandleFunc("GET /actions/{id}", s.requireToken(s.handleGetAction))

	var h http.Handler = mux
	if s.opts.RateLimit > 0 {
		lmt := tollbooth.NewLimiter(s.opts.RateLimit, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
		if s.opts.RateBurst > 0 {
			lmt.SetBurst(s.opts.RateBurst)
		}
		lmt.SetMessageContentType("application/json; charset=utf-8")
		lmt.SetMessage(`{"success":false,"error":"rate limit exceeded"}`)
		h = tollbooth.LimitHandler(lmt, h)
	}
	return s.logRequests(h)
}

// ListenAndServe serves until ctx is cancelled, then drains for up to 10s.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func validate(w http.ResponseWriter, v validation.Validatable) bool {
	if err := v.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

type tokenRequest struct {
	UID string `json:"uid"`
}

func (t tokenRequest) Validate() error {
	return validation.ValidateStruct(&t, validation.Field(&t.UID, validation.Required, validation.Length(1, 128)))
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" && !secureCompare(r.Header.Get(backend.APIKeyHeader), s.apiKey) {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}
	var req tokenRequest
	if !decode(w, r, &req) || !validate(w, req) {
		return
	}
	if err := s.st.UpsertUser(r.Context(), req.UID); err != nil {
		s.log.Error("register user", "uid", req.UID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not register user")
		return
	}
	tok, exp, err := IssueToken(req.UID, s.secret, s.ttl, s.now())
	if err != nil {
		s.log.Error("issue token", "uid", req.UID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	s.log.Info("token issued", "uid", req.UID, "expires_at", exp)
	writeJSON(w, http.StatusOK, backend.Token{Token: tok, ExpiresAt: exp})
}

// ownerMismatch rejects requests whose uid does not belong to the token.
func ownerMismatch(w http.ResponseWriter, r *http.Request, uid string) bool {
	if uid != userIDFromContext(r.Context()) {
		writeError(w, http.StatusForbidden, "uid does not match token")
		return true
	}
	return false
}

type storeProfileRequest struct {
	UID  string          `json:"uid"`
	Data *models.Profile `json:"data"`
}

func (p storeProfileRequest) Validate() error {
	if err := validation.ValidateStruct(&p,
		validation.Field(&p.UID, validation.Required),
		validation.Field(&p.Data, validation.Required),
	); err != nil {
		return err
	}
	return validation.ValidateStruct(p.Data,
		validation.Field(&p.Data.LinkedInURL, validation.Required, is.URL),
	)
}

func (s *Server) handleStoreProfile(w http.ResponseWriter, r *http.Request) {
	var req storeProfileRequest
	if !decode(w, r, &req) || !validate(w, req) || ownerMismatch(w, r, req.UID) {
		return
	}
	if err := s.st.UpsertProfile(r.Context(), req.UID, req.Data); err != nil {
		s.log.Error("store profile", "uid", req.UID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not store profile")
		return
	}
	s.log.Info("profile stored", "uid", req.UID, "url", req.Data.LinkedInURL)
	writeJSON(w, http.StatusOK, req.Data)
}

type storeMessagesRequest struct {
	UID  string          `json:"uid"`
	Data json.RawMessage `json:"data"`
}

func (m storeMessagesRequest) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.UID, validation.Required),
		validation.Field(&m.Data, validation.Required, validation.By(func(any) error {
			if strings.TrimSpace(string(m.Data)) == "null" {
				return errors.New("cannot be null")
			}
			return nil
		})),
	)
}

func (s *Server) handleStoreMessages(w http.ResponseWriter, r *http.Request) {
	var req storeMessagesRequest
	if !decode(w, r, &req) || !validate(w, req) || ownerMismatch(w, r, req.UID) {
		return
	}
	id, err := s.st.InsertMessageLog(r.Context(), req.UID, req.Data)
	if err != nil {
		s.log.Error("store messages", "uid", req.UID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not store messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

type sessionRequest struct {
	Cookies []models.Cookie `json:"cookies"`
}

func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) {
		return
	}
	uid := userIDFromContext(r.Context())
	sa := &models.SessionArtifact{UserID: uid, Cookies: req.Cookies}
	usable := len(sa.UsableCookies())
	if usable == 0 {
		writeError(w, http.StatusBadRequest, "cookies: no usable cookies")
		return
	}
	if err := s.st.SaveSession(r.Context(), sa); err != nil {
		s.log.Error("save session", "uid", uid, "err", err)
		writeError(w, http.StatusInternalServerError, "could not save session")
		return
	}
	s.log.Info("session stored", "uid", uid, "cookies", len(req.Cookies), "usable", usable)
	writeJSON(w, http.StatusOK, map[string]int{"usable": usable})
}

type actionRequest struct {
	Type    models.ActionKind `json:"type"`
	Payload models.Payload    `json:"payload"`
}

func (a actionRequest) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Type, validation.Required, validation.In(models.KindConnect, models.KindSendMessage)),
		validation.Field(&a.Payload, validation.By(func(any) error {
			return validation.ValidateStruct(&a.Payload,
				validation.Field(&a.Payload.TargetURL, validation.Required, is.URL),
				validation.Field(&a.Payload.Message, validation.When(a.Type == models.KindSendMessage, validation.Required)),
				validation.Field(&a.Payload.Note, validation.Length(0, 300)),
			)
		})),
	)
}

// ValidateAction applies the POST /actions rules to an action built elsewhere.
func ValidateAction(kind models.ActionKind, p models.Payload) error {
	return actionRequest{Type: kind, Payload: p}.Validate()
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decode(w, r, &req) || !validate(w, req) {
		return
	}
	a := &models.Action{
		ID:        uuid.NewString(),
		UserID:    userIDFromContext(r.Context()),
		Platform:  models.PlatformLinkedIn,
		Kind:      req.Type,
		Payload:   req.Payload,
		Status:    models.StatusPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.st.InsertAction(r.Context(), a); err != nil {
		s.log.Error("create action", "uid", a.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not create action")
		return
	}
	s.log.Info("action accepted", "uid", a.UserID, "action_id", a.ID, "kind", a.Kind)
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.st.GetAction(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && a.UserID != userIDFromContext(r.Context())) {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	if err != nil {
		s.log.Error("get action", "err", err)
		writeError(w, http.StatusInternalServerError, "could not load action")
		return
	}
	writeJSON(w, http.StatusOK, a)
}
