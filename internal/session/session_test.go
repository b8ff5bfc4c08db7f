package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabcast/internal/driver"
	"tabcast/internal/types"
)

func newTestSession(t *testing.T, d *driver.Fake) *Session {
	t.Helper()
	s := New(Config{
		ID:             "sess-1",
		Viewport:       types.Viewport{Width: 720, Height: 1280},
		Driver:         d,
		Log:            zerolog.Nop(),
		Framerate:      30,
		DefaultQuality: 90,
		DefaultFPS:     30,
		MaxFPS:         60,
	})
	t.Cleanup(s.Close)
	return s
}

func TestSessionStartsReady(t *testing.T) {
	d := driver.NewFake(720, 1280)
	s := newTestSession(t, d)
	assert.Equal(t, StateReady, s.State())
}

func TestSessionCommandsSerializeThroughDriver(t *testing.T) {
	d := driver.NewFake(720, 1280)
	s := newTestSession(t, d)

	require.NoError(t, s.Navigate("https://example.com", time.Second))
	require.NoError(t, s.Click(10, 20))
	require.NoError(t, s.Scroll(1, 2))
	require.NoError(t, s.TypeText("hello"))
	require.NoError(t, s.PressKey("Enter"))

	calls := d.CallLog()
	require.Len(t, calls, 5)
	assert.Equal(t, "navigate:https://example.com", calls[0])
	assert.Equal(t, "click", calls[1])
	assert.Equal(t, "scroll", calls[2])
	assert.Equal(t, "text:hello", calls[3])
	assert.Equal(t, "key:Enter", calls[4])
}

func TestSessionResizeUpdatesViewport(t *testing.T) {
	d := driver.NewFake(720, 1280)
	s := newTestSession(t, d)

	require.NoError(t, s.Resize(1024, 768))
	assert.Equal(t, types.Viewport{Width: 1024, Height: 768}, s.Viewport)
}

func TestSessionSubscribeAddsAdaptivePeer(t *testing.T) {
	d := driver.NewFake(720, 1280)
	s := newTestSession(t, d)

	sink := &recordingFrameSink{}
	s.Subscribe("peer-1", 90, sink, nil)
	defer s.Unsubscribe("peer-1")

	assert.Contains(t, s.Subscribers(), "peer-1")
	_, _, adaptiveMode, ok := s.Adaptive.Snapshot("peer-1")
	require.True(t, ok)
	assert.True(t, adaptiveMode)
}

func TestSessionCloseIsIdempotentAndClosesDriver(t *testing.T) {
	d := driver.NewFake(720, 1280)
	s := newTestSession(t, d)

	s.Close()
	s.Close()

	assert.Equal(t, StateClosed, s.State())
	assert.True(t, d.Closed())
}

func TestSessionRepeatedDriverErrorsTriggerOnFatal(t *testing.T) {
	d := driver.NewFake(720, 1280)
	d.FailNavigate = true
	s := newTestSession(t, d)

	var fatalID string
	s.OnFatal = func(id string) { fatalID = id }

	for i := 0; i < 3; i++ {
		_ = s.Navigate("https://example.com", time.Second)
	}

	assert.Equal(t, "sess-1", fatalID)
}

func TestEnqueueAfterCloseReturnsError(t *testing.T) {
	d := driver.NewFake(720, 1280)
	s := newTestSession(t, d)
	s.Close()

	err := s.Navigate("https://example.com", time.Second)
	assert.Error(t, err)
}

type recordingFrameSink struct {
	frames int
}

func (r *recordingFrameSink) PushFrame(data []byte, ordinal uint64, dur time.Duration) {
	r.frames++
}
