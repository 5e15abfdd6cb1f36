// Package messaging fills {{Name}}, {{Company}} and {{Title}} in queued
// message and note text from the recipient's stored profile.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/scrape"
	"github.com/example/outreach/internal/store"
)

var (
	ErrNoProfile          = errors.New("no stored profile for target")
	ErrUnknownPlaceholder = errors.New("unknown placeholder")
)

var placeholderRE = regexp.MustCompile(`\{\{\s*[A-Za-z]+\s*\}\}`)

const maxTitleLen = 50

type ProfileStore interface {
	GetProfile(ctx context.Context, userID, url string) (*models.Profile, error)
}

type Personalizer struct {
	st  ProfileStore
	log *logging.Logger
}

func New(st ProfileStore, log *logging.Logger) *Personalizer {
	return &Personalizer{st: st, log: log.With("module", "messaging")}
}

// HasPlaceholders reports whether s contains any {{...}} token.
func HasPlaceholders(s string) bool { return placeholderRE.MatchString(s) }

// Personalize renders the action's Message and Note. Actions without
// placeholders come back unchanged and never touch the store.
func (p *Personalizer) Personalize(ctx context.Context, a models.Action) (models.Action, error) {
	if !HasPlaceholders(a.Payload.Message) && !HasPlaceholders(a.Payload.Note) {
		return a, nil
	}
	prof, err := p.lookup(ctx, a.UserID, a.Payload.TargetURL)
	if err != nil {
		return a, err
	}
	if a.Payload.Message, err = Render(a.Payload.Message, prof); err != nil {
		return a, err
	}
	if a.Payload.Note, err = Render(a.Payload.Note, prof); err != nil {
		return a, err
	}
	p.log.Debug("personalized action", "action_id", a.ID, "target", prof.LinkedInURL)
	return a, nil
}

// lookup tries the target as queued, then its canonical form.
func (p *Personalizer) lookup(ctx context.Context, uid, target string) (*models.Profile, error) {
	urls := []string{target}
	if norm := scrape.NormalizeProfileURL(target); norm != target {
		urls = append(urls, norm)
	}
	for _, u := range urls {
		prof, err := p.st.GetProfile(ctx, uid, u)
		if err == nil {
			return prof, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load profile: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProfile, target)
}

// Render substitutes the first name, company and a shortened job title. A
// token it does not know is an error rather than text sent to a person.
func Render(t string, prof *models.Profile) (string, error) {
	if !HasPlaceholders(t) {
		return t, nil
	}
	var bad string
	out := placeholderRE.ReplaceAllStringFunc(t, func(tok string) string {
		switch strings.TrimSpace(strings.Trim(tok, "{}")) {
		case "Name":
			return firstName(prof.Name)
		case "Company":
			if prof.Company != "" {
				return prof.Company
			}
			return scrape.CompanyFromHeadline(prof.Headline)
		case "Title":
			return shortTitle(prof.Headline)
		default:
			if bad == "" {
				bad = tok
			}
			return tok
		}
	})
	if bad != "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownPlaceholder, bad)
	}
	return out, nil
}

func firstName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, ' '); i > 0 {
		return name[:i]
	}
	return name
}

// shortTitle keeps the job-title part of a headline like
// "Staff Engineer at Acme | Speaker".
func shortTitle(headline string) string {
	title := headline
	for _, sep := range []string{"@", "|", " at "} {
		if i := strings.Index(title, sep); i > 0 {
			title = title[:i]
		}
	}
	title = strings.TrimSpace(title)
	if r := []rune(title); len(r) > maxTitleLen {
		title = string(r[:maxTitleLen])
		if i := strings.LastIndex(title, " "); i > 20 {
			title = title[:i]
		}
	}
	return title
}
