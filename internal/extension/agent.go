package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/outreach/internal/backend"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
)

var (
	ErrNotAuthenticated = errors.New("extension not authenticated")
	ErrMissingField     = errors.New("missing field")
)

type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.ActionKind, payload models.Payload) (*models.Action, error)
}

type Backend interface {
	ExchangeToken(ctx context.Context, uid string) (backend.Token, error)
	StoreProfile(ctx context.Context, token, uid string, p *models.Profile) error
	StoreMessages(ctx context.Context, token, uid string, data json.RawMessage) error
}

// ProfileScraper reads the profile shown in the user's active tab.
type ProfileScraper interface {
	ScrapeProfile(ctx context.Context) (*models.Profile, error)
}

// Agent implements the four extension actions on top of the local queue and
// the backend API.
type Agent struct {
	queue   Enqueuer
	backend Backend
	scraper ProfileScraper
	log     *logging.Logger
	now     func() time.Time

	mu    sync.Mutex
	uid   string
	token backend.Token
}

// NewAgent wires the handlers. defaultUID, when set, lets store requests
// authenticate lazily without an explicit authenticateExtension.
func NewAgent(q Enqueuer, b Backend, s ProfileScraper, defaultUID string, log *logging.Logger) *Agent {
	return &Agent{queue: q, backend: b, scraper: s, uid: defaultUID, now: time.Now, log: log.With("module", "agent")}
}

func (a *Agent) Register(d *Dispatcher) {
	d.Handle(ActionQueueLinkedIn, a.queueAction)
	d.Handle(ActionStoreProfile, a.storeProfile)
	d.Handle(ActionStoreMessages, a.storeMessages)
	d.Handle(ActionAuthenticate, a.authenticate)
}

func (a *Agent) queueAction(ctx context.Context, req Request) (any, error) {
	switch req.Type {
	case models.KindConnect:
	case models.KindSendMessage:
		if strings.TrimSpace(req.Payload.Message) == "" {
			return nil, fmt.Errorf("%w: payload.message", ErrMissingField)
		}
	case "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	default:
		return nil, fmt.Errorf("unsupported action type %q", req.Type)
	}
	act, err := a.queue.Enqueue(ctx, req.Type, req.Payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{"actionId": act.ID, "status": act.Status}, nil
}

func (a *Agent) authenticate(ctx context.Context, req Request) (any, error) {
	uid := strings.TrimSpace(req.UID)
	if uid == "" {
		return nil, fmt.Errorf("%w: uid", ErrMissingField)
	}
	tok, err := a.backend.ExchangeToken(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("exchange token: %w", err)
	}
	a.mu.Lock()
	a.uid, a.token = uid, tok
	a.mu.Unlock()
	a.log.Info("extension authenticated", "uid", uid, "expires_at", tok.ExpiresAt)
	return map[string]any{"uid": uid, "expiresAt": tok.ExpiresAt}, nil
}

// session returns a live token, exchanging a new one when the cached token has
// expired and a user is known.
func (a *Agent) session(ctx context.Context) (string, string, error) {
	a.mu.Lock()
	uid, tok := a.uid, a.token
	a.mu.Unlock()
	if uid == "" {
		return "", "", ErrNotAuthenticated
	}
	if tok.Token != "" && a.now().Before(tok.ExpiresAt) {
		return uid, tok.Token, nil
	}
	fresh, err := a.backend.ExchangeToken(ctx, uid)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	a.mu.Lock()
	a.token = fresh
	a.mu.Unlock()
	return uid, fresh.Token, nil
}

func (a *Agent) storeProfile(ctx context.Context, req Request) (any, error) {
	uid, tok, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	var p *models.Profile
	if len(req.Data) == 0 || string(req.Data) == "null" {
		if a.scraper == nil {
			return nil, fmt.Errorf("%w: data", ErrMissingField)
		}
		if p, err = a.scraper.ScrapeProfile(ctx); err != nil {
			return nil, fmt.Errorf("scrape profile: %w", err)
		}
	} else {
		p = &models.Profile{}
		if err := json.Unmarshal(req.Data, p); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
	}
	if strings.TrimSpace(p.LinkedInURL) == "" {
		return nil, fmt.Errorf("%w: linkedinUrl", ErrMissingField)
	}
	if err := a.backend.StoreProfile(ctx, tok, uid, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (a *Agent) storeMessages(ctx context.Context, req Request) (any, error) {
	if len(req.Data) == 0 || string(req.Data) == "null" {
		return nil, fmt.Errorf("%w: data", ErrMissingField)
	}
	uid, tok, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.backend.StoreMessages(ctx, tok, uid, req.Data); err != nil {
		return nil, err
	}
	return map[string]any{"stored": true}, nil
}
