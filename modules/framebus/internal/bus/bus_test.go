package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Frame, 10)
	if err := b.Subscribe("test", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Publish(Frame{Sequence: 1, JPEG: []byte{0xff, 0xd8}, Delayed: true, State: "delayed"})

	select {
	case got := <-ch:
		if got.Sequence != 1 || !got.Delayed || got.State != "delayed" {
			t.Errorf("unexpected frame %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestNonBlockingPublish(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Frame, 1)
	b.Subscribe("slow", ch)

	done := make(chan struct{})
	go func() {
		b.Publish(Frame{Sequence: 1})
		b.Publish(Frame{Sequence: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked")
	}

	if got := <-ch; got.Sequence != 1 {
		t.Errorf("expected seq 1, got %d", got.Sequence)
	}

	st := b.Stats()
	if sub := st.Subscribers["slow"]; sub.Sent != 1 || sub.Dropped != 1 {
		t.Errorf("expected 1 sent 1 dropped, got %+v", sub)
	}
	if st.TotalPublished != 2 || st.TotalSent != 1 || st.TotalDropped != 1 {
		t.Errorf("unexpected totals %+v", st)
	}
}

func TestSubscribeErrors(t *testing.T) {
	b := New()

	ch := make(chan Frame, 1)
	if err := b.Subscribe("a", ch); err != nil {
		t.Fatal(err)
	}
	if err := b.Subscribe("a", ch); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("duplicate: %v", err)
	}
	if _, err := b.SubscribeDropOld("a"); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("duplicate drop-old: %v", err)
	}
	if err := b.Subscribe("b", nil); !errors.Is(err, ErrNilChannel) {
		t.Errorf("nil channel: %v", err)
	}
	if err := b.Unsubscribe("missing"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Errorf("unsubscribe missing: %v", err)
	}
	if _, err := b.SubscriberStats("missing"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Errorf("stats missing: %v", err)
	}

	b.Close()
	b.Close()
	if err := b.Subscribe("c", ch); !errors.Is(err, ErrBusClosed) {
		t.Errorf("subscribe after close: %v", err)
	}
	b.Publish(Frame{Sequence: 9})
}

func TestDropOldReturnsOnlyUnseenFrames(t *testing.T) {
	b := New()
	defer b.Close()

	rx, err := b.SubscribeDropOld("viewer")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := rx.TryReceive(); ok {
		t.Fatal("TryReceive before any publish")
	}

	b.Publish(Frame{Sequence: 1})
	b.Publish(Frame{Sequence: 2})
	b.Publish(Frame{Sequence: 3})

	got, ok := rx.Receive()
	if !ok || got.Sequence != 3 {
		t.Fatalf("expected latest seq 3, got %d ok=%v", got.Sequence, ok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := rx.ReceiveContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second receive without publish should block, got %v", err)
	}

	if last, ok := rx.TryReceive(); !ok || last.Sequence != 3 {
		t.Errorf("TryReceive = %d %v", last.Sequence, ok)
	}

	st, _ := b.SubscriberStats("viewer")
	if st.Sent != 3 || st.Dropped != 2 || st.Policy != DropOld {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestReceiverClosedOnUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	rx, _ := b.SubscribeDropOld("viewer")

	var wg sync.WaitGroup
	wg.Add(1)
	var ok bool
	go func() {
		defer wg.Done()
		_, ok = rx.Receive()
	}()

	time.Sleep(5 * time.Millisecond)
	if err := b.Unsubscribe("viewer"); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if ok {
		t.Error("Receive returned a frame after unsubscribe")
	}
	if _, err := rx.ReceiveContext(context.Background()); !errors.Is(err, ErrReceiverClosed) {
		t.Errorf("expected ErrReceiverClosed, got %v", err)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Frame, 1000)
	b.Subscribe("sink", ch)
	rx, _ := b.SubscribeDropOld("latest")

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish(Frame{Sequence: uint64(p*100 + i)})
			}
		}(p)
	}
	wg.Wait()

	st := b.Stats()
	if st.TotalPublished != 400 {
		t.Errorf("published %d, want 400", st.TotalPublished)
	}
	if sub := st.Subscribers["sink"]; sub.Sent+sub.Dropped != 400 {
		t.Errorf("sink accounted %d frames", sub.Sent+sub.Dropped)
	}
	if _, ok := rx.TryReceive(); !ok {
		t.Error("latest receiver has no frame")
	}
}
