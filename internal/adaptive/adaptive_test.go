package adaptive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	quality map[string]int
	fps     map[string]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{quality: make(map[string]int), fps: make(map[string]int)}
}

func (f *fakeSink) SetQuality(peerID string, quality int) { f.quality[peerID] = quality }
func (f *fakeSink) SetFPS(peerID string, fps int)          { f.fps[peerID] = fps }

func TestThresholdsMatchBandwidthTable(t *testing.T) {
	c := New(time.Second, 90, 30, 60, nil)

	q, f := c.thresholds(6.0)
	assert.Equal(t, 90, q)
	assert.Equal(t, 30, f)

	q, f = c.thresholds(3.0)
	assert.Equal(t, 75, q)
	assert.Equal(t, 30, f)

	q, f = c.thresholds(1.0)
	assert.Equal(t, 50, q)
	assert.Equal(t, 20, f)
}

func TestTickAppliesComputedQualityToSink(t *testing.T) {
	sink := newFakeSink()
	c := New(time.Second, 90, 30, 60, sink)
	c.AddPeer("peer-1")

	now := time.Now()
	c.ReportBytes("peer-1", 6_000_000, now.Add(-time.Second))
	c.ReportBytes("peer-1", 6_000_000, now)

	c.Tick()

	require.Contains(t, sink.quality, "peer-1")
	assert.Equal(t, 90, sink.quality["peer-1"])
	assert.Equal(t, 30, sink.fps["peer-1"])
}

func TestSetManualDisablesAdaptiveTick(t *testing.T) {
	sink := newFakeSink()
	c := New(time.Second, 90, 30, 60, sink)
	c.AddPeer("peer-1")

	manualQuality, manualFPS := 40, 10
	c.SetManual("peer-1", &manualQuality, &manualFPS)
	assert.Equal(t, 40, sink.quality["peer-1"])
	assert.Equal(t, 10, sink.fps["peer-1"])

	now := time.Now()
	c.ReportBytes("peer-1", 6_000_000, now.Add(-time.Second))
	c.ReportBytes("peer-1", 6_000_000, now)
	c.Tick()

	// Tick must not have touched a manually-overridden peer.
	assert.Equal(t, 40, sink.quality["peer-1"])
	assert.Equal(t, 10, sink.fps["peer-1"])

	c.EnableAdaptive("peer-1")
	c.Tick()
	assert.Equal(t, 90, sink.quality["peer-1"])
}

func TestRemovePeerStopsFurtherUpdates(t *testing.T) {
	sink := newFakeSink()
	c := New(time.Second, 90, 30, 60, sink)
	c.AddPeer("peer-1")
	c.RemovePeer("peer-1")

	c.Tick()
	assert.NotContains(t, sink.quality, "peer-1")
}

func TestBandwidthMbpsClampsToRange(t *testing.T) {
	c := New(time.Second, 90, 30, 60, nil)
	c.AddPeer("peer-1")

	now := time.Now()
	c.ReportBytes("peer-1", 1, now.Add(-time.Second))
	c.ReportBytes("peer-1", 1, now)

	mbps := c.BandwidthMbps("peer-1")
	assert.GreaterOrEqual(t, mbps, 0.5)
}

func TestDefaultQuality(t *testing.T) {
	c := New(time.Second, 77, 30, 60, nil)
	assert.Equal(t, 77, c.DefaultQuality())
}
