package captions

import (
	"testing"
	"testing/quick"
	"time"
)

func snapOf(markup string) Snapshot {
	return Snapshot{Segments: Parse(markup)}
}

// TestQueueRoundTrip: a snapshot scheduled at T with delay D is current at
// T+D+1 and not yet at T+D-1.
func TestQueueRoundTrip(t *testing.T) {
	q := NewQueue()
	T := time.Unix(100, 0)
	D := 1500 * time.Millisecond

	prev := snapOf("previous")
	q.Schedule(T.Add(-time.Second), prev, D)
	next := snapOf("<b>next</b>")
	q.Schedule(T, next, D)

	got, ok := q.Current(T.Add(D - time.Millisecond))
	if !ok || !got.Equal(prev) {
		t.Fatalf("at T+D-1 expected previous snapshot, got %q (ok=%v)", got.Text(), ok)
	}

	got, ok = q.Current(T.Add(D + time.Millisecond))
	if !ok || !got.Equal(next) {
		t.Fatalf("at T+D+1 expected scheduled snapshot, got %q (ok=%v)", got.Text(), ok)
	}
}

func TestQueueNoneBeforeFirstRelease(t *testing.T) {
	q := NewQueue()
	T := time.Unix(0, 0)
	q.Schedule(T, snapOf("x"), time.Second)

	if _, ok := q.Current(T.Add(999 * time.Millisecond)); ok {
		t.Fatal("snapshot released before its time")
	}
	if _, ok := q.Current(T.Add(time.Second)); !ok {
		t.Fatal("snapshot not released exactly at releaseAt")
	}
}

func TestQueueDropsStaleEntries(t *testing.T) {
	q := NewQueue()
	T := time.Unix(0, 0)
	for i, m := range []string{"a", "b", "c"} {
		q.Schedule(T.Add(time.Duration(i)*10*time.Millisecond), snapOf(m), 100*time.Millisecond)
	}
	q.Schedule(T.Add(time.Second), snapOf("later"), 100*time.Millisecond)

	got, _ := q.Current(T.Add(500 * time.Millisecond))
	if got.Text() != "c" {
		t.Errorf("expected newest due snapshot %q, got %q", "c", got.Text())
	}
	if q.Len() != 1 {
		t.Errorf("expected only the future entry pending, got %d", q.Len())
	}

	st := q.Stats()
	if st.Dropped != 2 || st.Released != 1 {
		t.Errorf("expected 2 dropped and 1 released, got %+v", st)
	}

	// Current persists until something newer is due
	again, ok := q.Current(T.Add(600 * time.Millisecond))
	if !ok || again.Text() != "c" {
		t.Errorf("current snapshot did not persist, got %q", again.Text())
	}
}

func TestQueueReset(t *testing.T) {
	q := NewQueue()
	T := time.Unix(0, 0)
	q.Schedule(T, snapOf("x"), 0)
	q.Schedule(T, snapOf("y"), time.Hour)
	q.Current(T)

	q.Reset()
	if q.Len() != 0 {
		t.Errorf("reset kept %d entries", q.Len())
	}
	if _, ok := q.Current(T.Add(2 * time.Hour)); ok {
		t.Error("reset kept the current snapshot")
	}
}

// Property: Current never returns a snapshot whose release time is in the
// future, and always returns the newest one that is due.
func TestQueueProperty_NewestDue(t *testing.T) {
	f := func(offsets []uint8, probe uint16) bool {
		q := NewQueue()
		T := time.Unix(0, 0)
		delay := 200 * time.Millisecond

		at := T
		var newestDue = -1
		now := T.Add(time.Duration(probe%2000) * time.Millisecond)
		for i, o := range offsets {
			at = at.Add(time.Duration(o) * time.Millisecond)
			snap := Snapshot{Segments: []Segment{{Text: string(rune('a' + i%26))}}, CapturedAt: at}
			if !q.Schedule(at, snap, delay).After(now) {
				newestDue = i
			}
		}

		got, ok := q.Current(now)
		if newestDue < 0 {
			return !ok
		}
		return ok && got.CapturedAt.Add(delay).Equal(releaseOf(offsets, newestDue, T, delay))
	}

	if err := quick.Check(f, &quick.Config{MaxCount: 300}); err != nil {
		t.Error(err)
	}
}

func releaseOf(offsets []uint8, idx int, start time.Time, delay time.Duration) time.Time {
	at := start
	for i := 0; i <= idx; i++ {
		at = at.Add(time.Duration(offsets[i]) * time.Millisecond)
	}
	return at.Add(delay)
}
