// Package types holds the value types shared across the session and
// streaming core: frames, audio frames, input events, and viewport
// geometry.
package types

import "time"

// Viewport is a rendered pixel rectangle. All input coordinates for a
// Session are expressed in this space.
type Viewport struct {
	Width  int
	Height int
}

// Frame is one encoded still image produced by the Frame Source (C2).
// Presentation ordinals strictly increase per subscriber.
type Frame struct {
	Data        []byte
	CapturedAt  time.Time
	Ordinal     uint64
	Duration    time.Duration
}

// AudioFrame is a fixed 20ms chunk of signed-16-bit interleaved PCM
// produced by the Audio Source (C3).
type AudioFrame struct {
	PCM       []int16
	Opus      []byte
	Timestamp uint64 // presentation timestamp in sample units
	Duration  time.Duration
}

// InputEventType tags the closed variant of input events (click,
// §9 "dynamic dispatch on event kind").
type InputEventType string

const (
	InputClick  InputEventType = "click"
	InputScroll InputEventType = "scroll"
	InputText   InputEventType = "text"
	InputKey    InputEventType = "key"
)

// InputEvent is the closed tagged variant Click | Scroll | Text | Key.
// Only the fields relevant to Type are populated; JSON (de)serialization
// happens at the signaling/input-router boundary, not here.
type InputEvent struct {
	Type   InputEventType
	X      int
	Y      int
	DeltaX int
	DeltaY int
	Text   string
	Key    string
}

// NamedKeys is the canonical set of key names accepted by press_key
// a client may send.
var NamedKeys = map[string]bool{
	"Enter": true, "Backspace": true, "Tab": true, "Escape": true,
	"Delete": true, "ArrowUp": true, "ArrowDown": true, "ArrowLeft": true,
	"ArrowRight": true, "Home": true, "End": true, "PageUp": true,
	"PageDown": true, "Space": true,
}
