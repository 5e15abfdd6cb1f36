package browser

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/example/outreach/internal/config"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/stealth"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
}

type Browser struct {
	Rod   *rod.Browser
	Cfg   *config.Config
	human stealth.Human
	owned bool
	log   *logging.Logger
}

// Launch starts a dedicated Chrome; Close will terminate it.
func Launch(ctx context.Context, cfg *config.Config, headless bool, log *logging.Logger) (*Browser, error) {
	l := launcher.New().Leakless(false).Headless(headless)
	url, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	rb := rod.New().ControlURL(url).Context(ctx)
	if err := rb.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	b := newBrowser(rb, cfg, log)
	b.owned = true
	b.log.Info("browser launched", "headless", headless)
	return b, nil
}

// Connect attaches to the user's running Chrome (remote debugging enabled).
// Close only drops the connection and leaves the user's browser running.
func Connect(ctx context.Context, cfg *config.Config, controlURL string, log *logging.Logger) (*Browser, error) {
	ws, err := launcher.ResolveURL(controlURL)
	if err != nil {
		return nil, fmt.Errorf("resolve control url %s: %w", controlURL, err)
	}
	rb := rod.New().ControlURL(ws).Context(ctx)
	if err := rb.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	b := newBrowser(rb, cfg, log)
	b.log.Info("attached to running browser", "control_url", controlURL)
	return b, nil
}

func newBrowser(rb *rod.Browser, cfg *config.Config, log *logging.Logger) *Browser {
	return &Browser{
		Rod:   rb,
		Cfg:   cfg,
		human: stealth.Human{Mouse: cfg.Stealth.EnableHumanMouse, Typing: cfg.Stealth.EnableHumanTyping},
		log:   log.With("module", "browser"),
	}
}

// NewSession opens a page in a fresh incognito context so one user's cookies
// never leak into the next user's replay.
func (b *Browser) NewSession(ctx context.Context) (SessionPage, error) {
	inc, err := b.Rod.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	p, err := inc.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = inc.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	b.prepare(p)
	return &sessionPage{rodPage: rodPage{p: p, human: b.human}, incognito: inc}, nil
}

// NewPage opens a page in the default context, sharing the browser's cookie jar.
func (b *Browser) NewPage(ctx context.Context) (SessionPage, error) {
	p, err := b.Rod.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	b.prepare(p)
	return &sessionPage{rodPage: rodPage{p: p, human: b.human}}, nil
}

func (b *Browser) prepare(p *rod.Page) {
	ua := b.Cfg.Stealth.UserAgent
	if ua == "" {
		ua = userAgents[rand.Intn(len(userAgents))]
	}
	platform := "Win32"
	if strings.Contains(ua, "Macintosh") {
		platform = "MacIntel"
	}
	_ = proto.EmulationSetUserAgentOverride{UserAgent: ua, Platform: platform}.Call(p)

	w := randRange(b.Cfg.Stealth.ViewportWidthMin, b.Cfg.Stealth.ViewportWidthMax)
	h := randRange(b.Cfg.Stealth.ViewportHeightMin, b.Cfg.Stealth.ViewportHeightMax)
	_ = p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             w,
		Height:            h,
		DeviceScaleFactor: 1,
	})
	b.log.Debug("page prepared", "ua", ua, "viewport", fmt.Sprintf("%dx%d", w, h))
}

const focusedJS = `() => ({visible: document.visibilityState === 'visible', focused: document.hasFocus()})`

// ActiveTab returns the tab the user is looking at: the focused one if any,
// otherwise the first visible one.
func (b *Browser) ActiveTab(ctx context.Context) (Page, error) {
	pages, err := b.Rod.Context(ctx).Pages()
	if err != nil {
		return nil, err
	}
	var visible *rod.Page
	for _, p := range pages {
		res, err := p.Context(ctx).Eval(focusedJS)
		if err != nil {
			continue
		}
		if res.Value.Get("focused").Bool() {
			return WrapPage(p, b.human), nil
		}
		if visible == nil && res.Value.Get("visible").Bool() {
			visible = p
		}
	}
	if visible == nil {
		return nil, ErrNoActiveTab
	}
	return WrapPage(visible, b.human), nil
}

func (b *Browser) Close() error {
	if b.Rod == nil {
		return nil
	}
	if !b.owned {
		// Detach without closing the user's browser.
		return nil
	}
	return b.Rod.Close()
}

func randRange(min, max int) int {
	if min >= max {
		return min
	}
	return min + rand.Intn(max-min+1)
}
