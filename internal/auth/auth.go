// Package auth captures a signed-in browser session and stores its cookies as
// the user's session artifact for the replay.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/example/outreach/internal/browser"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/stealth"
	"github.com/example/outreach/internal/strategy"
)

var (
	ErrCheckpoint    = errors.New("login blocked by checkpoint or verification")
	ErrLoginFailed   = errors.New("login failed")
	ErrLoginTimeout  = errors.New("timed out waiting for a signed-in session")
	ErrNoSiteCookies = errors.New("no usable cookies for the target site")
)

type Credentials struct {
	Email    string
	Password string
}

func (c Credentials) Empty() bool { return c.Email == "" || c.Password == "" }

// CredentialsFromEnv reads LINKEDIN_EMAIL and LINKEDIN_PASSWORD.
func CredentialsFromEnv() Credentials {
	return Credentials{Email: os.Getenv("LINKEDIN_EMAIL"), Password: os.Getenv("LINKEDIN_PASSWORD")}
}

type SessionSaver interface {
	SaveSession(ctx context.Context, sa *models.SessionArtifact) error
}

type Options struct {
	// LoginWait bounds how long to wait for the session after submitting
	// credentials, or for the user to sign in by hand.
	LoginWait    time.Duration
	PollInterval time.Duration
	FindTimeout  time.Duration
	Sleep        func(context.Context, time.Duration) error
}

type Capturer struct {
	strat strategy.PageInteractionStrategy
	st    SessionSaver
	opts  Options
	now   func() time.Time
	log   *logging.Logger
}

func New(strat strategy.PageInteractionStrategy, st SessionSaver, opts Options, log *logging.Logger) *Capturer {
	if opts.LoginWait <= 0 {
		opts.LoginWait = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.FindTimeout <= 0 {
		opts.FindTimeout = 5 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = stealth.Sleep
	}
	return &Capturer{strat: strat, st: st, opts: opts, now: time.Now, log: log.With("module", "auth")}
}

// Capture signs page in (reusing an existing session when there is one) and
// stores the site's cookies for uid. With empty credentials it waits for the
// user to sign in by hand in a visible window.
func (c *Capturer) Capture(ctx context.Context, page browser.SessionPage, uid string, creds Credentials) (*models.SessionArtifact, error) {
	if err := page.Navigate(ctx, c.strat.HomeURL()); err != nil {
		return nil, fmt.Errorf("open home: %w", err)
	}
	if c.signedIn(ctx, page) {
		c.log.Info("session already signed in", "uid", uid)
	} else if creds.Empty() {
		c.log.Info("waiting for manual sign-in", "uid", uid, "timeout", c.opts.LoginWait)
		if err := c.waitSignedIn(ctx, page, false); err != nil {
			return nil, err
		}
	} else {
		if err := c.login(ctx, page, creds); err != nil {
			return nil, err
		}
	}

	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	sa := &models.SessionArtifact{UserID: uid, UpdatedAt: c.now().UTC()}
	for _, ck := range cookies {
		if c.strat.IsTarget("https://" + strings.TrimPrefix(ck.Domain, ".") + "/") {
			sa.Cookies = append(sa.Cookies, ck)
		}
	}
	if len(sa.UsableCookies()) == 0 {
		return nil, ErrNoSiteCookies
	}
	if err := c.st.SaveSession(ctx, sa); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	c.log.Info("session captured", "uid", uid, "cookies", len(sa.Cookies))
	return sa, nil
}

func (c *Capturer) login(ctx context.Context, page browser.SessionPage, creds Credentials) error {
	c.log.Info("attempting login", "email", creds.Email)
	if err := page.Navigate(ctx, c.strat.LoginURL()); err != nil {
		return fmt.Errorf("open login page: %w", err)
	}
	form := c.strat.LoginForm()
	user, err := c.first(ctx, page, form.Username)
	if err != nil {
		return fmt.Errorf("%w: username input not found", ErrLoginFailed)
	}
	if err := user.Type(ctx, creds.Email); err != nil {
		return fmt.Errorf("type email: %w", err)
	}
	pass, err := c.first(ctx, page, form.Password)
	if err != nil {
		return fmt.Errorf("%w: password input not found", ErrLoginFailed)
	}
	if err := pass.Type(ctx, creds.Password); err != nil {
		return fmt.Errorf("type password: %w", err)
	}
	submit, err := c.first(ctx, page, form.Submit)
	if err != nil {
		return fmt.Errorf("%w: submit control not found", ErrLoginFailed)
	}
	if err := submit.Click(ctx); err != nil {
		return fmt.Errorf("click submit: %w", err)
	}
	return c.waitSignedIn(ctx, page, true)
}

// waitSignedIn polls for the signed-in marker. In strict mode a checkpoint or
// a form error ends the wait immediately.
func (c *Capturer) waitSignedIn(ctx context.Context, page browser.Page, strict bool) error {
	deadline := c.now().Add(c.opts.LoginWait)
	for {
		if c.signedIn(ctx, page) {
			return nil
		}
		if strict {
			if err := c.loginProblem(ctx, page); err != nil {
				return err
			}
		}
		if !c.now().Before(deadline) {
			return ErrLoginTimeout
		}
		if err := c.opts.Sleep(ctx, c.opts.PollInterval); err != nil {
			return err
		}
	}
}

func (c *Capturer) loginProblem(ctx context.Context, page browser.Page) error {
	if _, err := c.first(ctx, page, c.strat.CheckpointMarkers()); err == nil {
		return ErrCheckpoint
	}
	if el, err := c.first(ctx, page, c.strat.LoginForm().Errors); err == nil {
		msg, _ := el.Text(ctx)
		return fmt.Errorf("%w: %s", ErrLoginFailed, strings.TrimSpace(msg))
	}
	return nil
}

func (c *Capturer) signedIn(ctx context.Context, page browser.Page) bool {
	_, err := c.first(ctx, page, c.strat.AuthMarker())
	return err == nil
}

func (c *Capturer) first(ctx context.Context, page browser.Page, sels []browser.Selector) (browser.Element, error) {
	for _, sel := range sels {
		if el, err := page.Find(ctx, sel, c.opts.FindTimeout); err == nil {
			return el, nil
		}
	}
	return nil, browser.ErrElementNotFound
}
