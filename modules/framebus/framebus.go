// Package framebus fans composed output frames out to viewers.
//
// "Drop frames, never queue." Publish never blocks: a DropNew subscriber
// whose channel is full misses the frame, a DropOld subscriber only ever
// sees the newest one. The compositor publishes once per flush; the MJPEG
// endpoint and WebSocket viewers subscribe.
//
//	bus := framebus.New()
//	defer bus.Close()
//
//	rx, _ := bus.SubscribeDropOld("viewer-1")
//	defer bus.Unsubscribe("viewer-1")
//	for {
//	    frame, err := rx.ReceiveContext(ctx)
//	    if err != nil {
//	        return
//	    }
//	    write(frame.JPEG)
//	}
package framebus

import "github.com/e7canasta/orion-delayline/modules/framebus/internal/bus"

// New creates an empty bus.
func New() Bus {
	return bus.New()
}
