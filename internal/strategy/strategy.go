// Package strategy holds the per-site knowledge of where controls live on a page.
// Executors only ever see selector lists, never literals.
package strategy

import (
	"net/url"
	"strings"

	"github.com/example/outreach/internal/browser"
)

// PageInteractionStrategy describes how to drive one target site.
type PageInteractionStrategy interface {
	Platform() string
	// IsTarget reports whether rawURL belongs to the site this strategy drives.
	IsTarget(rawURL string) bool
	HomeURL() string
	LoginURL() string
	LoginForm() LoginForm
	// AuthMarker only renders for signed-in sessions.
	AuthMarker() []browser.Selector
	// CheckpointMarkers render when the site interrupts a login with a challenge.
	CheckpointMarkers() []browser.Selector
	ConnectControls() []browser.Selector
	// AddNoteControls open the note editor of an invitation dialog.
	AddNoteControls() []browser.Selector
	NoteInputs() []browser.Selector
	// InviteSendControls confirm an invitation dialog.
	InviteSendControls() []browser.Selector
	MessageInputs() []browser.Selector
	SendControls() []browser.Selector
}

// LoginForm locates the credential inputs of a sign-in page.
type LoginForm struct {
	Username []browser.Selector
	Password []browser.Selector
	Submit   []browser.Selector
	Errors   []browser.Selector
}

type LinkedIn struct {
	BaseURL string
	Domain  string
}

func NewLinkedIn(baseURL, domain string) *LinkedIn {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &LinkedIn{BaseURL: baseURL, Domain: strings.TrimPrefix(domain, ".")}
}

func (l *LinkedIn) Platform() string { return "linkedin" }

func (l *LinkedIn) IsTarget(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == l.Domain || strings.HasSuffix(host, "."+l.Domain)
}

func (l *LinkedIn) HomeURL() string { return l.BaseURL + "feed/" }

func (l *LinkedIn) LoginURL() string { return l.BaseURL + "login" }

func (l *LinkedIn) LoginForm() LoginForm {
	return LoginForm{
		Username: []browser.Selector{{CSS: "input#username"}},
		Password: []browser.Selector{{CSS: "input#password"}},
		Submit:   []browser.Selector{{CSS: "button[type='submit']"}},
		Errors:   []browser.Selector{{CSS: ".alert--error"}, {CSS: ".form__label--error"}},
	}
}

func (l *LinkedIn) CheckpointMarkers() []browser.Selector {
	return []browser.Selector{
		{CSS: "[data-test-id='checkpoint']"},
		{CSS: ".challenge-dialog"},
	}
}

func (l *LinkedIn) AuthMarker() []browser.Selector {
	return []browser.Selector{
		{CSS: "nav.global-nav"},
		{CSS: "a[href*='/feed/']"},
		{CSS: ".global-nav__me-photo"},
	}
}

// ConnectControls lists the invite button first, then the text match, then the
// entry inside the overflow menu.
func (l *LinkedIn) ConnectControls() []browser.Selector {
	return []browser.Selector{
		{CSS: `button[aria-label*="Invite"][aria-label*="connect"]`},
		{CSS: "button", Text: "^Connect$"},
		{CSS: `div[role="button"][aria-label*="connect"]`},
	}
}

func (l *LinkedIn) AddNoteControls() []browser.Selector {
	return []browser.Selector{
		{CSS: `button[aria-label="Add a note"]`},
		{CSS: "button", Text: "Add a note"},
	}
}

func (l *LinkedIn) NoteInputs() []browser.Selector {
	return []browser.Selector{{CSS: `textarea[name="message"]`}}
}

func (l *LinkedIn) InviteSendControls() []browser.Selector {
	return []browser.Selector{
		{CSS: `button[aria-label="Send without a note"]`},
		{CSS: `button[aria-label*="Send invitation"]`},
		{CSS: "button", Text: "^Send$"},
	}
}

func (l *LinkedIn) MessageInputs() []browser.Selector {
	return []browser.Selector{
		{CSS: "div.msg-form__contenteditable"},
		{CSS: `div[contenteditable="true"][role="textbox"]`},
	}
}

func (l *LinkedIn) SendControls() []browser.Selector {
	return []browser.Selector{
		{CSS: "button.msg-form__send-button"},
		{CSS: `button[type="submit"]`, Text: "^Send$"},
	}
}
