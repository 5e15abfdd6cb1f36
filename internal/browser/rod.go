package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/stealth"
)

// insertTextJS decodes the escaped payload with JSON.parse so quotes and newlines
// survive the trip into the page, then notifies the editor's input listeners.
const insertTextJS = `(escaped) => {
	const text = JSON.parse('"' + escaped + '"');
	const para = document.createElement('p');
	para.textContent = text;
	this.replaceChildren(para);
	this.focus();
	this.dispatchEvent(new Event('input', { bubbles: true }));
	return text.length;
}`

const enabledJS = `() => !(this.disabled || this.getAttribute('aria-disabled') === 'true')`

type rodPage struct {
	p     *rod.Page
	human stealth.Human
}

// WrapPage adapts a rod page to the Page capability.
func WrapPage(p *rod.Page, human stealth.Human) Page {
	return &rodPage{p: p, human: human}
}

func (r *rodPage) URL(ctx context.Context) (string, error) {
	info, err := r.p.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (r *rodPage) Navigate(ctx context.Context, url string) error {
	p := r.p.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("load %s: %w", url, err)
	}
	return nil
}

func (r *rodPage) Find(ctx context.Context, sel Selector, timeout time.Duration) (Element, error) {
	p := r.p.Context(ctx).Timeout(timeout)
	var el *rod.Element
	var err error
	if sel.Text != "" {
		el, err = p.ElementR(sel.CSS, sel.Text)
	} else {
		el, err = p.Element(sel.CSS)
	}
	if err != nil {
		var nf *rod.ElementNotFoundError
		if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s", ErrElementNotFound, sel)
		}
		return nil, err
	}
	return &rodElement{page: r.p, el: el.CancelTimeout(), human: r.human}, nil
}

type rodElement struct {
	page  *rod.Page
	el    *rod.Element
	human stealth.Human
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	return e.el.Context(ctx).Text()
}

func (e *rodElement) Click(ctx context.Context) error {
	el := e.el.Context(ctx)
	if e.human.Mouse {
		return e.human.Click(e.page.Context(ctx), el)
	}
	if err := el.ScrollIntoView(); err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodElement) Enabled(ctx context.Context) (bool, error) {
	res, err := e.el.Context(ctx).Eval(enabledJS)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (e *rodElement) InsertText(ctx context.Context, escaped string) error {
	_, err := e.el.Context(ctx).Eval(insertTextJS, escaped)
	return err
}

func (e *rodElement) Type(ctx context.Context, text string) error {
	el := e.el.Context(ctx)
	if err := el.Focus(); err != nil {
		return err
	}
	if e.human.Typing {
		return e.human.Type(el, text)
	}
	return el.Input(text)
}

// sessionPage is a page living in its own incognito browser context.
type sessionPage struct {
	rodPage
	incognito *rod.Browser
}

func (s *sessionPage) SetCookies(ctx context.Context, cookies []models.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return s.p.Context(ctx).SetCookies(params)
}

func (s *sessionPage) Cookies(ctx context.Context) ([]models.Cookie, error) {
	res, err := s.p.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	return fromProtoCookies(res), nil
}

func (s *sessionPage) Close() error {
	err := s.p.Close()
	if s.incognito != nil {
		if cerr := s.incognito.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func fromProtoCookies(in []*proto.NetworkCookie) []models.Cookie {
	out := make([]models.Cookie, 0, len(in))
	for _, c := range in {
		out = append(out, models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return out
}
