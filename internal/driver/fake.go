package driver

import (
	"context"
	"sync"
	"time"

	"tabcast/internal/apperr"
)

// Fake is an in-memory Driver used by tests that exercise Session/Input
// Router logic without a real browser. It records navigation, input and
// resize calls in order, which is how the input-ordering tests
// verify dispatch order. CaptureFrame, Close and a Navigate failed via
// FailNavigate are not recorded.
type Fake struct {
	mu      sync.Mutex
	Calls   []string
	closed  bool
	width   int
	height  int
	FrameData []byte

	FailNavigate bool
	FailCapture  bool
}

func NewFake(width, height int) *Fake {
	return &Fake{width: width, height: height, FrameData: []byte("fake-frame")}
}

func (f *Fake) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, s)
}

func (f *Fake) Navigate(ctx context.Context, url string, deadline time.Duration) error {
	if f.FailNavigate {
		return apperr.New(apperr.DriverDisconnected, "navigate failed")
	}
	f.record("navigate:" + url)
	return nil
}

func (f *Fake) Click(ctx context.Context, x, y int) error {
	f.record("click")
	return nil
}

func (f *Fake) Scroll(ctx context.Context, dx, dy int) error {
	f.record("scroll")
	return nil
}

func (f *Fake) TypeText(ctx context.Context, s string) error {
	f.record("text:" + s)
	return nil
}

func (f *Fake) PressKey(ctx context.Context, name string) error {
	f.record("key:" + name)
	return nil
}

func (f *Fake) Resize(ctx context.Context, w, h int) error {
	f.mu.Lock()
	f.width, f.height = w, h
	f.mu.Unlock()
	f.record("resize")
	return nil
}

func (f *Fake) CaptureFrame(ctx context.Context) ([]byte, error) {
	if f.FailCapture {
		return nil, apperr.New(apperr.DriverDisconnected, "capture failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.FrameData, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// CallLog returns a snapshot of recorded calls in order.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}
