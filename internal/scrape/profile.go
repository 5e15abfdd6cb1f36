// Package scrape reads profile details off the page the user is looking at.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/example/outreach/internal/browser"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
)

var ErrNotProfilePage = errors.New("active tab is not a profile page")

var (
	nameSel      = browser.Selector{CSS: "h1"}
	headlineSels = []browser.Selector{
		{CSS: "div.text-body-medium"},
		{CSS: `div[class*="headline"]`},
		{CSS: ".pv-text-details__left-panel div:nth-child(2)"},
	}
	locationSels = []browser.Selector{
		{CSS: "span.text-body-small.inline.t-black--light.break-words"},
		{CSS: ".pv-text-details__left-panel span.text-body-small"},
	}
	experienceSel = browser.Selector{CSS: `#experience ~ div span[aria-hidden="true"]`}
)

type TabSource interface {
	ActiveTab(ctx context.Context) (browser.Page, error)
}

type Scraper struct {
	tabs    TabSource
	timeout time.Duration
	now     func() time.Time
	log     *logging.Logger
}

func New(tabs TabSource, timeout time.Duration, log *logging.Logger) *Scraper {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Scraper{tabs: tabs, timeout: timeout, now: time.Now, log: log.With("module", "scrape")}
}

func (s *Scraper) ScrapeProfile(ctx context.Context) (*models.Profile, error) {
	page, err := s.tabs.ActiveTab(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := page.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("read tab url: %w", err)
	}
	if !IsProfileURL(raw) {
		return nil, fmt.Errorf("%w: %s", ErrNotProfilePage, raw)
	}

	p := &models.Profile{LinkedInURL: NormalizeProfileURL(raw), UpdatedAt: s.now().UTC()}
	p.Name = s.text(ctx, page, nameSel)
	for _, sel := range headlineSels {
		// the name sometimes matches the first headline selector
		if h := s.text(ctx, page, sel); h != "" && h != p.Name {
			p.Headline = h
			break
		}
	}
	for _, sel := range locationSels {
		if l := s.text(ctx, page, sel); l != "" {
			p.Location = l
			break
		}
	}
	p.Company = CompanyFromHeadline(p.Headline)
	if p.Company == "" {
		p.Company = s.text(ctx, page, experienceSel)
	}
	s.log.Info("profile scraped", "url", p.LinkedInURL, "name", p.Name, "company", p.Company)
	return p, nil
}

func (s *Scraper) text(ctx context.Context, page browser.Page, sel browser.Selector) string {
	el, err := page.Find(ctx, sel, s.timeout)
	if err != nil {
		return ""
	}
	t, err := el.Text(ctx)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(t)
}

// CompanyFromHeadline takes the part after " at " in headlines like
// "Staff Engineer at Acme | Go".
func CompanyFromHeadline(h string) string {
	idx := strings.Index(strings.ToLower(h), " at ")
	if idx < 0 {
		return ""
	}
	c := h[idx+4:]
	if cut := strings.IndexAny(c, "|·•"); cut >= 0 {
		c = c[:cut]
	}
	return strings.TrimSpace(c)
}

func IsProfileURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, "/in/") && len(strings.Trim(u.Path, "/")) > len("in/")
}

// NormalizeProfileURL drops query and fragment and makes the URL absolute.
func NormalizeProfileURL(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if !strings.HasPrefix(u, "http") {
		u = "https://www.linkedin.com" + u
	}
	return strings.TrimRight(u, "/") + "/"
}
