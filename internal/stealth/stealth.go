package stealth

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Jitter picks a uniformly distributed delay in [min, max].
type Jitter struct {
	Min, Max time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewJitter(min, max time.Duration, seed int64) *Jitter {
	if max < min {
		max = min
	}
	return &Jitter{Min: min, Max: max, rng: rand.New(rand.NewSource(seed))}
}

func (j *Jitter) Next() time.Duration {
	if j.Max <= j.Min {
		return j.Min
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Min + time.Duration(j.rng.Int63n(int64(j.Max-j.Min)+1))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InActiveWindow reports whether now falls inside the HH:MM window of its own day.
func InActiveWindow(now time.Time, start, end string) bool {
	s, err := time.Parse("15:04", start)
	if err != nil {
		return true
	}
	e, err := time.Parse("15:04", end)
	if err != nil {
		return true
	}
	startToday := time.Date(now.Year(), now.Month(), now.Day(), s.Hour(), s.Minute(), 0, 0, now.Location())
	endToday := time.Date(now.Year(), now.Month(), now.Day(), e.Hour(), e.Minute(), 0, 0, now.Location())
	return !now.Before(startToday) && now.Before(endToday)
}

// Human toggles pointer paths and keystroke cadence for page interactions.
type Human struct {
	Mouse  bool
	Typing bool
}

func sleepRandom(minMs, maxMs int) {
	if maxMs < minMs {
		maxMs = minMs
	}
	time.Sleep(time.Duration(minMs+rand.Intn(maxMs-minMs+1)) * time.Millisecond)
}

func sleepGaussian(meanMs, stdDevMs int) {
	z := rand.NormFloat64()
	delay := float64(meanMs) + z*float64(stdDevMs)
	delay = math.Max(float64(meanMs-3*stdDevMs), math.Min(delay, float64(meanMs+3*stdDevMs)))
	if delay > 0 {
		time.Sleep(time.Duration(delay) * time.Millisecond)
	}
}

// Click moves the pointer along a bezier path to a random point inside el and presses it.
func (h Human) Click(p *rod.Page, el *rod.Element) error {
	_ = el.ScrollIntoView()
	sleepGaussian(300, 150)

	shape, err := el.Shape()
	if err != nil || len(shape.Quads) == 0 {
		return el.Click(proto.InputMouseButtonLeft, 1)
	}
	box := shape.Box()
	toX := box.X + box.Width*(0.3+rand.Float64()*0.4)
	toY := box.Y + box.Height*(0.3+rand.Float64()*0.4)

	fromX, fromY := viewportCenter(p)
	movePointer(p, fromX, fromY, toX, toY)
	sleepRandom(50, 150)

	press := proto.InputDispatchMouseEvent{
		Type:       proto.InputDispatchMouseEventTypeMousePressed,
		X:          toX,
		Y:          toY,
		Button:     proto.InputMouseButtonLeft,
		ClickCount: 1,
	}
	if err := press.Call(p); err != nil {
		return err
	}
	sleepRandom(30, 90)
	press.Type = proto.InputDispatchMouseEventTypeMouseReleased
	return press.Call(p)
}

// Type enters text one rune at a time with a variable rhythm.
func (h Human) Type(el *rod.Element, text string) error {
	prev := ' '
	for i, r := range text {
		if err := el.Input(string(r)); err != nil {
			return err
		}
		base := 25
		switch {
		case i < 10:
			base = 40
		case r == ' ' || r == ',' || r == '.':
			base = 60
		case prev == ' ':
			base = 35
		}
		sleepGaussian(base, 20)
		if rand.Float64() < 0.05 {
			sleepGaussian(300, 150)
		}
		prev = r
	}
	return nil
}

func viewportCenter(p *rod.Page) (float64, float64) {
	x, y := 700.0, 450.0
	if dims, err := p.Eval(`() => ({width: window.innerWidth, height: window.innerHeight})`); err == nil {
		if w := dims.Value.Get("width").Int(); w > 0 {
			x = float64(w) / 2
		}
		if h := dims.Value.Get("height").Int(); h > 0 {
			y = float64(h) / 2
		}
	}
	return x, y
}

func movePointer(p *rod.Page, fromX, fromY, toX, toY float64) {
	dist := math.Hypot(toX-fromX, toY-fromY)
	steps := 40 + int(dist/20) + rand.Intn(15)

	cx1 := fromX + (toX-fromX)/3 + float64(rand.Intn(100)-50)
	cy1 := fromY + (toY-fromY)/3 + float64(rand.Intn(100)-50)
	cx2 := fromX + 2*(toX-fromX)/3 + float64(rand.Intn(100)-50)
	cy2 := fromY + 2*(toY-fromY)/3 + float64(rand.Intn(100)-50)

	for i := 0; i <= steps; i++ {
		t := easeInOutCubic(float64(i) / float64(steps))
		_ = proto.InputDispatchMouseEvent{
			Type: proto.InputDispatchMouseEventTypeMouseMoved,
			X:    cubicBezier(fromX, cx1, cx2, toX, t) + float64(rand.Intn(3)-1),
			Y:    cubicBezier(fromY, cy1, cy2, toY, t) + float64(rand.Intn(3)-1),
		}.Call(p)

		delay := 8 + rand.Intn(10)
		if i < 5 || i > steps-5 {
			delay += 5
		}
		time.Sleep(time.Duration(delay) * time.Millisecond)
	}
}

func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

func cubicBezier(p0, p1, p2, p3, t float64) float64 {
	return math.Pow(1-t, 3)*p0 +
		3*math.Pow(1-t, 2)*t*p1 +
		3*(1-t)*math.Pow(t, 2)*p2 +
		math.Pow(t, 3)*p3
}
