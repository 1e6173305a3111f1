package captions

import "time"

type pending struct {
	releaseAt time.Time
	snap      Snapshot
}

// Queue holds caption snapshots until their release time.
//
// At most one snapshot is current. When several entries are due at once only
// the newest becomes current; the older ones are dropped without rendering.
type Queue struct {
	entries []pending

	current    Snapshot
	hasCurrent bool

	scheduled uint64
	released  uint64
	dropped   uint64
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Pending   int
	Scheduled uint64
	Released  uint64
	Dropped   uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Schedule enqueues snap for release at now+delay and returns that time.
func (q *Queue) Schedule(now time.Time, snap Snapshot, delay time.Duration) time.Time {
	releaseAt := now.Add(delay)
	q.entries = append(q.entries, pending{releaseAt: releaseAt, snap: snap})
	q.scheduled++
	return releaseAt
}

// Current returns the most recently released snapshot as of now.
// The second result is false until the first entry is due.
func (q *Queue) Current(now time.Time) (Snapshot, bool) {
	due := 0
	for due < len(q.entries) && !q.entries[due].releaseAt.After(now) {
		due++
	}

	if due > 0 {
		q.current = q.entries[due-1].snap
		q.hasCurrent = true
		q.released++
		q.dropped += uint64(due - 1)

		for i := 0; i < due; i++ {
			q.entries[i] = pending{}
		}
		q.entries = q.entries[due:]
	}

	return q.current, q.hasCurrent
}

// NextRelease returns the earliest pending release time.
func (q *Queue) NextRelease() (time.Time, bool) {
	if len(q.entries) == 0 {
		return time.Time{}, false
	}
	return q.entries[0].releaseAt, true
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Reset discards pending entries and the current snapshot.
func (q *Queue) Reset() {
	q.entries = nil
	q.current = Snapshot{}
	q.hasCurrent = false
}

// Stats returns queue counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Pending:   len(q.entries),
		Scheduled: q.scheduled,
		Released:  q.released,
		Dropped:   q.dropped,
	}
}
