package streamcapture

import (
	"context"
	"time"
)

// StreamProvider is the contract the delay pipeline needs from a video source.
//
// Implementations must guarantee:
//   - Start returns immediately; frames arrive once the pipeline plays
//   - the frame channel stays open until Stop
//   - frames are dropped, never queued, when the consumer lags
//   - Stop is idempotent
//   - Stats and Position are safe from any goroutine
type StreamProvider interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Stop() error
	Stats() StreamStats

	// SetTargetFPS changes the output rate without a restart
	SetTargetFPS(fps float64) error

	// Position is the current media position, 0 when unknown
	Position() time.Duration
}

var _ StreamProvider = (*Stream)(nil)
