package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

type subscriber struct {
	policy  DropPolicy
	sent    atomic.Uint64
	dropped atomic.Uint64

	// DropNew
	ch chan<- Frame

	// DropOld
	holder *latestFrameHolder
}

type bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished atomic.Uint64
	closed         bool
}

// New creates an empty bus.
func New() Bus {
	return &bus{
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers ch with the DropNew policy: a full channel drops the
// incoming frame.
func (b *bus) Subscribe(id string, ch chan<- Frame) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber{policy: DropNew, ch: ch}
	return nil
}

// SubscribeDropOld registers a latest-only receiver.
func (b *bus) SubscribeDropOld(id string) (FrameReceiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	sub := &subscriber{policy: DropOld, holder: newLatestFrameHolder()}
	b.subscribers[id] = sub
	return sub.holder, nil
}

// Publish hands frame to every subscriber without blocking.
func (b *bus) Publish(frame Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.totalPublished.Add(1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- frame:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
			}

		case DropOld:
			if replaced := sub.holder.set(frame); replaced {
				sub.dropped.Add(1)
			}
			sub.sent.Add(1)
		}
	}
}

// Unsubscribe removes a subscriber, closing its receiver if it has one.
func (b *bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.holder != nil {
		sub.holder.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns bus-wide and per-subscriber counters.
func (b *bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := BusStats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s := sub.snapshot()
		st.Subscribers[id] = s
		st.TotalSent += s.Sent
		st.TotalDropped += s.Dropped
	}
	return st
}

// SubscriberStats returns the counters of one subscriber.
func (b *bus) SubscriberStats(id string) (*SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return nil, ErrSubscriberNotFound
	}
	s := sub.snapshot()
	return &s, nil
}

func (s *subscriber) snapshot() SubscriberStats {
	return SubscriberStats{
		Policy:  s.policy,
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
	}
}

// Close shuts the bus down and closes every receiver. Idempotent.
func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		if sub.holder != nil {
			sub.holder.Close()
		}
	}
	b.subscribers = nil
}

// latestFrameHolder implements FrameReceiver for the DropOld policy.
type latestFrameHolder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  Frame
	seq    uint64 // frames set so far
	seen   uint64 // seq of the last frame returned by Receive
	closed bool
}

func newLatestFrameHolder() *latestFrameHolder {
	h := &latestFrameHolder{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// set stores frame and reports whether an unseen frame was replaced.
func (h *latestFrameHolder) set(frame Frame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	replaced := h.seq > h.seen
	h.frame = frame
	h.seq++
	h.cond.Broadcast()
	return replaced
}

func (h *latestFrameHolder) Receive() (Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for h.seq == h.seen && !h.closed {
		h.cond.Wait()
	}
	if h.closed {
		return Frame{}, false
	}
	h.seen = h.seq
	return h.frame, true
}

func (h *latestFrameHolder) ReceiveContext(ctx context.Context) (Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		h.mu.Lock()
		h.cond.Broadcast()
		h.mu.Unlock()
	})
	defer stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	for h.seq == h.seen && !h.closed {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		h.cond.Wait()
	}
	if h.closed {
		return Frame{}, ErrReceiverClosed
	}
	h.seen = h.seq
	return h.frame, nil
}

func (h *latestFrameHolder) TryReceive() (Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.seq == 0 || h.closed {
		return Frame{}, false
	}
	return h.frame, true
}

func (h *latestFrameHolder) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.cond.Broadcast()
}
