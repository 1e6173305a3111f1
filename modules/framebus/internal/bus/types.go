package bus

import (
	"context"
	"errors"
	"time"
)

// Internal errors, re-exported by the framebus package
var (
	ErrBusClosed          = errors.New("framebus: bus is closed")
	ErrSubscriberExists   = errors.New("framebus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("framebus: subscriber not found")
	ErrNilChannel         = errors.New("framebus: nil channel provided")
	ErrReceiverClosed     = errors.New("framebus: receiver is closed")
)

// DropPolicy defines how the bus handles frames when subscriber cannot keep up
type DropPolicy int

const (
	DropNew DropPolicy = iota
	DropOld
)

func (p DropPolicy) String() string {
	if p == DropOld {
		return "drop-old"
	}
	return "drop-new"
}

// Frame is one composed output frame.
type Frame struct {
	// JPEG is the encoded image; shared by all subscribers, never modified
	JPEG      []byte
	Width     int
	Height    int
	Sequence  uint64
	Timestamp time.Time

	// Delayed is true when the image came from the delay buffer
	Delayed bool
	// State is the playback state that produced the frame
	State string
}

// FrameReceiver gives a DropOld subscriber the newest frame it has not seen.
type FrameReceiver interface {
	// Receive blocks for a frame newer than the last one returned.
	// ok is false once the receiver is closed.
	Receive() (frame Frame, ok bool)
	// ReceiveContext is Receive bounded by ctx.
	ReceiveContext(ctx context.Context) (Frame, error)
	// TryReceive returns the newest frame without blocking.
	TryReceive() (Frame, bool)
	Close()
}

// SubscriberStats tracks frame distribution metrics
type SubscriberStats struct {
	Policy  DropPolicy
	Sent    uint64
	Dropped uint64
}

// BusStats is a snapshot of bus-wide and per-subscriber counters.
type BusStats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

// Bus distributes frames to multiple subscribers
type Bus interface {
	Subscribe(id string, ch chan<- Frame) error
	SubscribeDropOld(id string) (FrameReceiver, error)
	Publish(frame Frame)
	Unsubscribe(id string) error
	Stats() BusStats
	SubscriberStats(id string) (*SubscriberStats, error)
	Close()
}
