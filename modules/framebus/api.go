package framebus

import "github.com/e7canasta/orion-delayline/modules/framebus/internal/bus"

// DropPolicy defines how the bus handles frames when subscriber cannot keep up
type DropPolicy = bus.DropPolicy

const (
	// DropNew drops incoming frames if subscriber's buffer is full
	DropNew = bus.DropNew
	// DropOld always accepts new frames, replacing old ones (latest-only)
	DropOld = bus.DropOld
)

// Frame is one composed output frame (JPEG plus playback metadata).
type Frame = bus.Frame

// FrameReceiver provides latest-only frame access for DropOld subscribers
type FrameReceiver = bus.FrameReceiver

// SubscriberStats tracks frame distribution metrics
type SubscriberStats = bus.SubscriberStats

// BusStats aggregates counters across subscribers
type BusStats = bus.BusStats

// Bus distributes frames to multiple subscribers with configurable drop policies
type Bus = bus.Bus

var (
	ErrBusClosed          = bus.ErrBusClosed
	ErrSubscriberExists   = bus.ErrSubscriberExists
	ErrSubscriberNotFound = bus.ErrSubscriberNotFound
	ErrNilChannel         = bus.ErrNilChannel
	ErrReceiverClosed     = bus.ErrReceiverClosed
)
