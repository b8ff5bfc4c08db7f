package frame

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}))
	return buf.Bytes()
}

type fakeCapturer struct {
	frame []byte
}

func (f *fakeCapturer) CaptureFrame(ctx context.Context) ([]byte, error) {
	return f.frame, nil
}

type recordingSink struct {
	mu       sync.Mutex
	ordinals []uint64
}

func (r *recordingSink) PushFrame(data []byte, ordinal uint64, dur time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ordinals = append(r.ordinals, ordinal)
}

func (r *recordingSink) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.ordinals))
	copy(out, r.ordinals)
	return out
}

func TestSubscriberReceivesStrictlyIncreasingOrdinals(t *testing.T) {
	capturer := &fakeCapturer{frame: solidJPEG(t)}
	src := New(zerolog.Nop(), capturer, 30, nil)
	sink := &recordingSink{}
	src.Subscribe("peer-1", 90, sink)

	ctx, cancel := context.WithCancel(context.Background())
	src.Start(ctx)
	defer func() {
		cancel()
		src.Stop()
	}()

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) >= 3
	}, time.Second, 5*time.Millisecond)

	ords := sink.snapshot()
	for i := 1; i < len(ords); i++ {
		assert.Greater(t, ords[i], ords[i-1])
	}
}

func TestSetFPSThrottlesDelivery(t *testing.T) {
	capturer := &fakeCapturer{frame: solidJPEG(t)}
	src := New(zerolog.Nop(), capturer, 30, nil)
	fastSink := &recordingSink{}
	slowSink := &recordingSink{}
	src.Subscribe("fast", 90, fastSink)
	src.Subscribe("slow", 90, slowSink)
	src.SetFPS("slow", 10)

	ctx, cancel := context.WithCancel(context.Background())
	src.Start(ctx)
	defer func() {
		cancel()
		src.Stop()
	}()

	require.Eventually(t, func() bool {
		return len(fastSink.snapshot()) >= 15
	}, 2*time.Second, 5*time.Millisecond)

	assert.Less(t, len(slowSink.snapshot()), len(fastSink.snapshot()))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	capturer := &fakeCapturer{frame: solidJPEG(t)}
	src := New(zerolog.Nop(), capturer, 30, nil)
	sink := &recordingSink{}
	src.Subscribe("peer-1", 90, sink)

	ctx, cancel := context.WithCancel(context.Background())
	src.Start(ctx)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)

	src.Unsubscribe("peer-1")
	countAfterUnsub := len(sink.snapshot())
	time.Sleep(50 * time.Millisecond)

	cancel()
	src.Stop()
	assert.Equal(t, countAfterUnsub, len(sink.snapshot()))
}

func TestReencodeReturnsSourceBytesNearCaptureQuality(t *testing.T) {
	src := solidJPEG(t)
	out, err := reencode(src, 85)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestReencodeProducesDifferentBytesForLowQuality(t *testing.T) {
	src := solidJPEG(t)
	out, err := reencode(src, 30)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.NotEqual(t, src, out)
}
