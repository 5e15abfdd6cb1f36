// Package browsertest provides in-memory pages for exercising executors without Chrome.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/outreach/internal/browser"
	"github.com/example/outreach/internal/models"
)

// Element is a scripted control. Zero value is an enabled control that accepts everything.
type Element struct {
	Label string
	// EnabledAfter flips Enabled to true after this many Enabled calls; -1 never enables.
	EnabledAfter int
	ClickErr     error
	TypeErr      error

	mu       sync.Mutex
	checks   int
	clicks   int
	inserted []string
	typed    []string
}

func (e *Element) Text(ctx context.Context) (string, error) { return e.Label, nil }

func (e *Element) Click(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ClickErr != nil {
		return e.ClickErr
	}
	e.clicks++
	return nil
}

func (e *Element) Enabled(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks++
	if e.EnabledAfter < 0 {
		return false, nil
	}
	return e.checks > e.EnabledAfter, nil
}

func (e *Element) InsertText(ctx context.Context, escaped string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inserted = append(e.inserted, escaped)
	return nil
}

func (e *Element) Type(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.TypeErr != nil {
		return e.TypeErr
	}
	e.typed = append(e.typed, text)
	return nil
}

func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

func (e *Element) Inserted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.inserted...)
}

func (e *Element) Typed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.typed...)
}

// Page serves Elements keyed by Selector.String().
type Page struct {
	CurrentURL  string
	Elements    map[string]*Element
	NavigateErr map[string]error
	// OnNavigate lets a test swap the DOM when a URL is loaded.
	OnNavigate func(p *Page, url string)

	mu        sync.Mutex
	visited   []string
	cookies   []models.Cookie
	closed    int
	lookups   []string
	cookieErr error
}

func NewPage(url string) *Page {
	return &Page{CurrentURL: url, Elements: map[string]*Element{}}
}

// With registers el under sel and returns the page for chaining.
func (p *Page) With(sel browser.Selector, el *Element) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Elements[sel.String()] = el
	return p
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentURL, nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.visited = append(p.visited, url)
	err := p.NavigateErr[url]
	if err == nil {
		p.CurrentURL = url
	}
	hook := p.OnNavigate
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(p, url)
	}
	return nil
}

func (p *Page) Find(ctx context.Context, sel browser.Selector, timeout time.Duration) (browser.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups = append(p.lookups, sel.String())
	if el, ok := p.Elements[sel.String()]; ok {
		return el, nil
	}
	return nil, fmt.Errorf("%w: %s", browser.ErrElementNotFound, sel)
}

func (p *Page) SetCookies(ctx context.Context, cookies []models.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cookieErr != nil {
		return p.cookieErr
	}
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *Page) FailCookies(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookieErr = err
}

func (p *Page) Cookies(ctx context.Context) ([]models.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Cookie(nil), p.cookies...), nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *Page) Visited() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visited...)
}

func (p *Page) Lookups() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lookups...)
}

func (p *Page) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Browser hands out pre-built session pages in order and counts Close calls.
type Browser struct {
	Pages      []*Page
	SessionErr error

	mu     sync.Mutex
	next   int
	closes int
}

func (b *Browser) NewSession(ctx context.Context) (browser.SessionPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SessionErr != nil {
		return nil, b.SessionErr
	}
	if b.next >= len(b.Pages) {
		return nil, errors.New("browsertest: no more pages")
	}
	p := b.Pages[b.next]
	b.next++
	return p, nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func (b *Browser) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

func (b *Browser) SessionsOpened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}
