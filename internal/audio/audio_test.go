package audio

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabcast/internal/apperr"
)

func TestNextFrameReturnsSilenceWhenRingEmpty(t *testing.T) {
	src, err := New(zerolog.Nop(), Params{SampleRate: 48000, Channels: 2}, "")
	require.NoError(t, err)

	frame := src.NextFrame()
	expected := Params{SampleRate: 48000, Channels: 2}.samplesPerFrame() * 2
	assert.Len(t, frame.PCM, expected)
	for _, s := range frame.PCM {
		assert.Equal(t, int16(0), s)
	}
	assert.NotEmpty(t, frame.Opus)
}

func TestNextFrameDrainsRingBuffer(t *testing.T) {
	src, err := New(zerolog.Nop(), Params{SampleRate: 48000, Channels: 2}, "")
	require.NoError(t, err)

	samplesPerFrame := Params{SampleRate: 48000, Channels: 2}.samplesPerFrame() * 2
	pcm := make([]byte, samplesPerFrame*4) // two frames worth of s16le bytes
	for i := range pcm {
		pcm[i] = byte(i % 7)
	}
	src.appendPCM(pcm)

	frame1 := src.NextFrame()
	require.Len(t, frame1.PCM, samplesPerFrame)

	src.mu.Lock()
	remaining := len(src.ring)
	src.mu.Unlock()
	assert.Equal(t, samplesPerFrame, remaining)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	src, err := New(zerolog.Nop(), Params{SampleRate: 48000, Channels: 2}, "")
	require.NoError(t, err)

	sink := &countingSink{}
	src.Subscribe("peer-1", sink)
	src.mu.Lock()
	_, ok := src.subscribers["peer-1"]
	src.mu.Unlock()
	require.True(t, ok)

	src.Unsubscribe("peer-1")
	src.mu.Lock()
	_, ok = src.subscribers["peer-1"]
	src.mu.Unlock()
	assert.False(t, ok)
}

func TestErrIsNilUntilCaptureFails(t *testing.T) {
	src, err := New(zerolog.Nop(), Params{SampleRate: 48000, Channels: 2}, "")
	require.NoError(t, err)
	assert.NoError(t, src.Err())

	src.logCaptureError(errors.New("subprocess exited"))

	gotErr := src.Err()
	require.Error(t, gotErr)
	assert.Equal(t, apperr.MediaUnavailable, apperr.KindOf(gotErr))
}

type countingSink struct {
	n int
}

func (c *countingSink) PushAudio(opusData []byte, dur time.Duration) {
	c.n++
}
