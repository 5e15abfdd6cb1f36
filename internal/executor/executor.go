package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/outreach/internal/browser"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/stealth"
	"github.com/example/outreach/internal/strategy"
)

// Mode selects how controls are awaited.
type Mode int

const (
	// Live drives the user's own tab: short lookups and a fixed settle delay.
	Live Mode = iota
	// Headless drives a replay page: bounded waits for inputs and an enabled send control.
	Headless
)

func (m Mode) String() string {
	if m == Headless {
		return "headless"
	}
	return "live"
}

const maxNoteLen = 300

var (
	ErrControlNotFound = errors.New("control not found")
	ErrSendDisabled    = errors.New("send control disabled")
	ErrUnsupportedKind = errors.New("unsupported action kind")
	ErrEmptyMessage    = errors.New("empty message")
)

// Result is the single outcome of one execution.
type Result struct {
	OK     bool
	Detail string
}

type Options struct {
	Mode           Mode
	SettleDelay    time.Duration
	ControlTimeout time.Duration
	InputTimeout   time.Duration
	SendTimeout    time.Duration
	PollInterval   time.Duration
	Sleep          func(context.Context, time.Duration) error
}

func (o *Options) defaults() {
	if o.SettleDelay <= 0 {
		o.SettleDelay = 100 * time.Millisecond
	}
	if o.ControlTimeout <= 0 {
		o.ControlTimeout = 3 * time.Second
	}
	if o.InputTimeout <= 0 {
		o.InputTimeout = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.Sleep == nil {
		o.Sleep = stealth.Sleep
	}
}

type Executor struct {
	strat strategy.PageInteractionStrategy
	opts  Options
	log   *logging.Logger
}

func New(strat strategy.PageInteractionStrategy, opts Options, log *logging.Logger) *Executor {
	opts.defaults()
	return &Executor{strat: strat, opts: opts, log: log.With("module", "executor", "mode", opts.Mode.String())}
}

// Execute performs one action on page. It never panics on page errors; every
// failure comes back as a Result with OK=false.
func (e *Executor) Execute(ctx context.Context, a models.Action, page browser.Page) Result {
	var detail string
	var err error
	switch a.Kind {
	case models.KindConnect:
		detail, err = e.connect(ctx, page, a.Payload)
	case models.KindSendMessage:
		detail, err = e.sendMessage(ctx, page, a.Payload)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedKind, a.Kind)
	}
	if err != nil {
		e.log.Warn("action failed", "action_id", a.ID, "kind", a.Kind, "err", err)
		return Result{OK: false, Detail: err.Error()}
	}
	e.log.Info("action executed", "action_id", a.ID, "kind", a.Kind, "detail", detail)
	return Result{OK: true, Detail: detail}
}

// Run is Execute for callers that want an error instead of a Result.
func (e *Executor) Run(ctx context.Context, a models.Action, page browser.Page) error {
	if res := e.Execute(ctx, a, page); !res.OK {
		return errors.New(res.Detail)
	}
	return nil
}

func (e *Executor) connect(ctx context.Context, page browser.Page, p models.Payload) (string, error) {
	btn, err := e.findAny(ctx, page, e.strat.ConnectControls(), e.opts.ControlTimeout)
	if err != nil {
		return "", fmt.Errorf("connect %w", ErrControlNotFound)
	}
	label, _ := btn.Text(ctx)
	if err := btn.Click(ctx); err != nil {
		return "", fmt.Errorf("click connect: %w", err)
	}
	detail := "clicked " + strings.TrimSpace(label)

	if note := strings.TrimSpace(p.Note); note != "" {
		if r := []rune(note); len(r) > maxNoteLen {
			note = string(r[:maxNoteLen])
		}
		if err := e.addNote(ctx, page, note); err != nil {
			return "", err
		}
		detail += " with note"
	}

	// Some profiles send the invite straight away; others open a confirm dialog.
	if send, err := e.findAny(ctx, page, e.strat.InviteSendControls(), e.opts.ControlTimeout); err == nil {
		if err := send.Click(ctx); err != nil {
			return "", fmt.Errorf("confirm invitation: %w", err)
		}
	} else if p.Note != "" {
		return "", fmt.Errorf("invitation send %w", ErrControlNotFound)
	}
	return detail, nil
}

func (e *Executor) addNote(ctx context.Context, page browser.Page, note string) error {
	add, err := e.findAny(ctx, page, e.strat.AddNoteControls(), e.opts.ControlTimeout)
	if err != nil {
		return fmt.Errorf("add-note %w", ErrControlNotFound)
	}
	if err := add.Click(ctx); err != nil {
		return fmt.Errorf("click add note: %w", err)
	}
	input, err := e.findAny(ctx, page, e.strat.NoteInputs(), e.inputTimeout())
	if err != nil {
		return fmt.Errorf("note input %w", ErrControlNotFound)
	}
	if err := input.Type(ctx, note); err != nil {
		return fmt.Errorf("type note: %w", err)
	}
	return nil
}

func (e *Executor) sendMessage(ctx context.Context, page browser.Page, p models.Payload) (string, error) {
	if p.Message == "" {
		return "", ErrEmptyMessage
	}
	input, err := e.findAny(ctx, page, e.strat.MessageInputs(), e.inputTimeout())
	if err != nil {
		return "", fmt.Errorf("message input %w", ErrControlNotFound)
	}
	send, err := e.findAny(ctx, page, e.strat.SendControls(), e.sendTimeout())
	if err != nil {
		return "", fmt.Errorf("send %w", ErrControlNotFound)
	}

	if e.opts.Mode == Headless {
		if err := input.Click(ctx); err != nil {
			return "", fmt.Errorf("focus message input: %w", err)
		}
		if err := input.Type(ctx, p.Message); err != nil {
			return "", fmt.Errorf("type message: %w", err)
		}
		if err := e.waitEnabled(ctx, send, e.opts.SendTimeout); err != nil {
			return "", err
		}
	} else {
		if err := input.InsertText(ctx, EscapeMessage(p.Message)); err != nil {
			return "", fmt.Errorf("insert message: %w", err)
		}
		if err := e.opts.Sleep(ctx, e.opts.SettleDelay); err != nil {
			return "", err
		}
		enabled, err := send.Enabled(ctx)
		if err != nil {
			return "", fmt.Errorf("check send control: %w", err)
		}
		if !enabled {
			return "", ErrSendDisabled
		}
	}
	if err := send.Click(ctx); err != nil {
		return "", fmt.Errorf("click send: %w", err)
	}
	return fmt.Sprintf("message sent (%d chars)", len([]rune(p.Message))), nil
}

func (e *Executor) waitEnabled(ctx context.Context, el browser.Element, timeout time.Duration) error {
	waited := time.Duration(0)
	for {
		enabled, err := el.Enabled(ctx)
		if err != nil {
			return fmt.Errorf("check send control: %w", err)
		}
		if enabled {
			return nil
		}
		if waited >= timeout {
			return ErrSendDisabled
		}
		if err := e.opts.Sleep(ctx, e.opts.PollInterval); err != nil {
			return err
		}
		waited += e.opts.PollInterval
	}
}

func (e *Executor) inputTimeout() time.Duration {
	if e.opts.Mode == Headless {
		return e.opts.InputTimeout
	}
	return e.opts.ControlTimeout
}

func (e *Executor) sendTimeout() time.Duration {
	if e.opts.Mode == Headless {
		return e.opts.SendTimeout
	}
	return e.opts.ControlTimeout
}

// findAny tries each selector in order and returns the first match.
func (e *Executor) findAny(ctx context.Context, page browser.Page, sels []browser.Selector, timeout time.Duration) (browser.Element, error) {
	var lastErr error = browser.ErrElementNotFound
	for _, sel := range sels {
		el, err := page.Find(ctx, sel, timeout)
		if err == nil {
			return el, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.log.Debug("selector missed", "selector", sel.String(), "err", err)
		lastErr = err
	}
	return nil, lastErr
}
