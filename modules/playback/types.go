// Package playback drives one delayed-playback session.
//
// A Scheduler paces capture to the detected source cadence, buffers frames
// until the delay window has elapsed, presents the delayed frame every tick
// and renders the delayed caption snapshot in lock-step with it.
//
// State machine:
//
//	Stopped --Start--> Warming --first delayed frame--> Delayed
//	   ^                  |                                 |
//	   +------Stop--------+---------------Stop--------------+
//
// Threading: Start, Tick, Poll and Stop must run on one goroutine (the
// attach.Runner). Caption release timers fire on clock goroutines and only
// reach the session through Options.Post.
package playback

import (
	"image"

	"github.com/e7canasta/orion-delayline/modules/captions"
	"github.com/e7canasta/orion-delayline/modules/framestore"
)

// State is the session lifecycle state.
type State int32

const (
	Stopped State = iota
	Warming
	Delayed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Warming:
		return "warming"
	case Delayed:
		return "delayed"
	default:
		return "unknown"
	}
}

// Presentation is how the live source itself is shown while no delayed
// output covers it.
type Presentation struct {
	// Size is the laid-out size of the source (before any transform)
	Size    image.Point
	Opacity float64
	Hidden  bool
}

// Source is the live visual source a session delays.
type Source interface {
	framestore.Source

	// DisplayedSize is the on-screen size right now
	DisplayedSize() image.Point
	Presentation() Presentation
	SetPresentation(p Presentation)
}

// Display opens render surfaces for delayed output.
type Display interface {
	// Open creates a surface sized for a source of the given intrinsic size.
	// An error means compositing is unavailable and the session must not start.
	Open(intrinsic image.Point) (Surface, error)
	// Viewport is the visible area in CSS-like (pre-DPR) pixels
	Viewport() image.Point
}

// Surface is one session's output: a frame layer and a caption overlay.
type Surface interface {
	// DrawFrame draws img scaled to fit and returns the rectangle it occupies
	DrawFrame(img *image.RGBA) image.Rectangle
	// DrawCaptions renders caption lines aligned to the frame rectangle
	DrawCaptions(lines [][]captions.Segment, frame image.Rectangle)
	ClearCaptions()
	// Flush publishes the composed output
	Flush()
	Close()
}
