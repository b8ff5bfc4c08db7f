package pool

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabcast/internal/apperr"
	"tabcast/internal/driver"
)

func newTestPool(t *testing.T, max int, idleTimeout time.Duration) *Pool {
	t.Helper()
	newDriver := func(ctx context.Context, width, height int) (driver.Driver, error) {
		return driver.NewFake(width, height), nil
	}
	p := New(zerolog.Nop(), max, idleTimeout, 10*time.Millisecond, newDriver, Options{
		Framerate:      30,
		DefaultQuality: 90,
		DefaultFPS:     30,
		MaxFPS:         60,
	})
	t.Cleanup(p.Shutdown)
	return p
}

func TestCreateAssignsIDWhenEmpty(t *testing.T) {
	p := newTestPool(t, 10, time.Minute)
	sess, err := p.Create(context.Background(), "", 720, 1280)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	p := newTestPool(t, 10, time.Minute)
	_, err := p.Create(context.Background(), "dup", 720, 1280)
	require.NoError(t, err)

	_, err = p.Create(context.Background(), "dup", 720, 1280)
	require.Error(t, err)
	assert.Equal(t, apperr.AlreadyExists, apperr.KindOf(err))
}

func TestCreateRejectsOverCapacity(t *testing.T) {
	p := newTestPool(t, 1, time.Minute)
	_, err := p.Create(context.Background(), "a", 720, 1280)
	require.NoError(t, err)

	_, err = p.Create(context.Background(), "b", 720, 1280)
	require.Error(t, err)
	assert.Equal(t, apperr.AtCapacity, apperr.KindOf(err))
}

func TestGetReturnsLiveSession(t *testing.T) {
	p := newTestPool(t, 10, time.Minute)
	sess, err := p.Create(context.Background(), "findme", 720, 1280)
	require.NoError(t, err)

	got, ok := p.Get("findme")
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)
}

func TestCloseRemovesSessionAndIsIdempotentlyNotFound(t *testing.T) {
	p := newTestPool(t, 10, time.Minute)
	_, err := p.Create(context.Background(), "bye", 720, 1280)
	require.NoError(t, err)

	require.NoError(t, p.Close("bye"))

	_, ok := p.Get("bye")
	assert.False(t, ok)

	err = p.Close("bye")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestReaperClosesIdleSessions(t *testing.T) {
	p := newTestPool(t, 10, 20*time.Millisecond)
	_, err := p.Create(context.Background(), "idle", 720, 1280)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := p.Get("idle")
		return !ok
	}, time.Second, 10*time.Millisecond, "idle session was not reaped")
}

func TestListReportsActiveSessions(t *testing.T) {
	p := newTestPool(t, 10, time.Minute)
	_, err := p.Create(context.Background(), "s1", 720, 1280)
	require.NoError(t, err)
	_, err = p.Create(context.Background(), "s2", 720, 1280)
	require.NoError(t, err)

	snaps := p.List()
	assert.Len(t, snaps, 2)
	assert.Equal(t, 10, p.Max())
}
