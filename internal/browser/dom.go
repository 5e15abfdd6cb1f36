package browser

import (
	"context"
	"errors"
	"time"

	"github.com/example/outreach/internal/models"
)

var (
	ErrElementNotFound = errors.New("element not found")
	ErrNoActiveTab     = errors.New("no active tab")
)

// Selector locates one control. Text, when set, is a regexp matched against the
// element's text and narrows the CSS match.
type Selector struct {
	CSS  string
	Text string
}

func (s Selector) String() string {
	if s.Text == "" {
		return s.CSS
	}
	return s.CSS + " /" + s.Text + "/"
}

// Element is the DOM capability the executor needs from a located control.
type Element interface {
	Text(ctx context.Context) (string, error)
	Click(ctx context.Context) error
	Enabled(ctx context.Context) (bool, error)
	// InsertText replaces the control's rich-text content with the decoded form of
	// escaped and fires an input event so the page's own listeners see it.
	InsertText(ctx context.Context, escaped string) error
	// Type sends keystrokes into the focused control.
	Type(ctx context.Context, text string) error
}

// Page is a browser tab the executor can drive.
type Page interface {
	URL(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	// Find waits up to timeout for sel and returns ErrElementNotFound on expiry.
	Find(ctx context.Context, sel Selector, timeout time.Duration) (Element, error)
}

// SessionPage is a page in an isolated context that can carry a user's cookies.
type SessionPage interface {
	Page
	SetCookies(ctx context.Context, cookies []models.Cookie) error
	Cookies(ctx context.Context) ([]models.Cookie, error)
	Close() error
}
