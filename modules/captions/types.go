// Package captions extracts styled caption text from a polled source and
// delays it by a fixed window before release.
//
// Data flow:
//
//	Locator → Extractor.Discover (once) → Extractor.Poll (every tick)
//	    → Queue.Schedule(now+delay) → Queue.Current(now) → renderer
//
// Nothing here is safe for concurrent use; the playback session goroutine
// owns every value.
package captions

import "time"

// Styles are the text attributes carried by a segment.
type Styles struct {
	Bold      bool
	Italic    bool
	Underline bool
}

// Segment is a run of text sharing one set of styles.
type Segment struct {
	Text   string
	Styles Styles

	// StartsNewLine marks the first segment of a logical line
	StartsNewLine bool
}

// Snapshot is everything on screen at one poll.
type Snapshot struct {
	Segments   []Segment
	CapturedAt time.Time
}

// Empty reports whether the snapshot carries no text.
func (s Snapshot) Empty() bool {
	return len(s.Segments) == 0
}

// Lines groups segments into logical lines. The first segment always opens
// the first line.
func (s Snapshot) Lines() [][]Segment {
	return GroupLines(s.Segments)
}

// Equal reports whether two snapshots show the same styled text.
// Capture time is ignored.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s.Segments) != len(o.Segments) {
		return false
	}
	for i := range s.Segments {
		if s.Segments[i] != o.Segments[i] {
			return false
		}
	}
	return true
}

// Text returns the plain text, one logical line per row.
func (s Snapshot) Text() string {
	var out []byte
	for i, seg := range s.Segments {
		if i > 0 && seg.StartsNewLine {
			out = append(out, '\n')
		}
		out = append(out, seg.Text...)
	}
	return string(out)
}

// GroupLines splits segments at StartsNewLine boundaries.
func GroupLines(segs []Segment) [][]Segment {
	var lines [][]Segment
	for i, seg := range segs {
		if i == 0 || seg.StartsNewLine {
			lines = append(lines, nil)
		}
		lines[len(lines)-1] = append(lines[len(lines)-1], seg)
	}
	return lines
}
