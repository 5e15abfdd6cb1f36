package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/example/outreach/internal/logging"
)

var ErrUnknownAction = errors.New("unknown action")

// HandlerFunc serves one request. Its return value becomes the only response.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	log      *logging.Logger
}

func NewDispatcher(log *logging.Logger) *Dispatcher {
	return &Dispatcher{handlers: map[string]HandlerFunc{}, log: log.With("module", "extension")}
}

func (d *Dispatcher) Handle(action string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h
}

// Dispatch routes req to its handler. A handler panic is turned into a failed
// response.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp Response) {
	resp.ID = req.ID
	d.mu.RLock()
	h, ok := d.handlers[req.Action]
	d.mu.RUnlock()
	if !ok {
		resp.Error = fmt.Sprintf("%s: %q", ErrUnknownAction, req.Action)
		return resp
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked", "action", req.Action, "panic", r)
			resp = Response{ID: req.ID, Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()
	data, err := h(ctx, req)
	if err != nil {
		d.log.Warn("request failed", "action", req.Action, "id", req.ID, "err", err)
		resp.Error = err.Error()
		return resp
	}
	resp.Success = true
	resp.Data = data
	return resp
}

// Serve reads framed requests from r until EOF and writes one framed response
// per request to w. Requests run concurrently; Serve returns once every
// in-flight request has been answered.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var wmu sync.Mutex
	send := func(resp Response) {
		b, err := json.Marshal(resp)
		if err != nil {
			b, _ = json.Marshal(Response{ID: resp.ID, Error: "encode response: " + err.Error()})
		}
		wmu.Lock()
		defer wmu.Unlock()
		err = WriteFrame(w, b)
		if errors.Is(err, ErrFrameTooLarge) {
			d.log.Warn("response too large, replying with error", "id", resp.ID, "bytes", len(b))
			b, _ = json.Marshal(Response{ID: resp.ID, Error: "response exceeds native messaging limit"})
			err = WriteFrame(w, b)
		}
		if err != nil {
			d.log.Error("write response", "id", resp.ID, "err", err)
		}
	}

	var g errgroup.Group
	for {
		frame, err := ReadFrame(r)
		if err != nil {
			_ = g.Wait()
			if errors.Is(err, io.EOF) {
				d.log.Info("extension disconnected")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		var req Request
		if err := json.Unmarshal(frame, &req); err != nil {
			send(Response{Error: "malformed request: " + err.Error()})
			continue
		}
		reply := newReply(send)
		g.Go(func() error {
			reply.send(d.Dispatch(ctx, req))
			return nil
		})
	}
}

// reply delivers at most one response.
type reply struct {
	once sync.Once
	out  func(Response)
}

func newReply(out func(Response)) *reply { return &reply{out: out} }

func (r *reply) send(resp Response) bool {
	sent := false
	r.once.Do(func() {
		r.out(resp)
		sent = true
	})
	return sent
}
