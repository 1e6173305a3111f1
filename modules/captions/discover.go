package captions

import (
	"log/slog"
	"strings"
	"time"
)

// Container is one queryable caption text region.
type Container interface {
	// Kind is the track kind ("captions", "subtitles", "chapters", ...)
	Kind() string
	// Visible reports whether the container is currently shown
	Visible() bool
	// Markup returns the raw caption markup on screen now
	Markup() string
	// SetHidden hides or restores the live rendering of the container
	SetHidden(hidden bool)
}

// Locator enumerates the caption containers of the attached source.
type Locator interface {
	Containers() []Container
}

// StaticLocator is a fixed set of containers.
type StaticLocator []Container

// Containers implements Locator.
func (l StaticLocator) Containers() []Container {
	return l
}

// Criteria selects which containers count as captions.
type Criteria struct {
	Kinds []string
}

// DefaultCriteria matches captions and subtitles tracks.
func DefaultCriteria() Criteria {
	return Criteria{Kinds: []string{"captions", "subtitles"}}
}

// Matches reports whether c is visible and of an accepted kind.
func (cr Criteria) Matches(c Container) bool {
	if c == nil || !c.Visible() {
		return false
	}
	kind := c.Kind()
	for _, k := range cr.Kinds {
		if strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}

// Extractor finds caption containers and polls their text.
type Extractor struct {
	locator  Locator
	criteria Criteria

	attached []Container
	last     Snapshot

	discoveries uint64
	polls       uint64
	changes     uint64
}

// ExtractorStats is a snapshot of extractor counters.
type ExtractorStats struct {
	Attached    int
	Discoveries uint64
	Polls       uint64
	Changes     uint64
}

// NewExtractor creates an extractor over locator. A nil locator never finds
// anything, which is a normal outcome.
func NewExtractor(locator Locator, criteria Criteria) *Extractor {
	if len(criteria.Kinds) == 0 {
		criteria = DefaultCriteria()
	}
	return &Extractor{locator: locator, criteria: criteria}
}

// Discover looks for matching containers once per call and reports whether
// the extractor is attached. On first success the live containers are hidden
// so only the delayed rendering shows.
func (e *Extractor) Discover() bool {
	if len(e.attached) > 0 {
		return true
	}
	if e.locator == nil {
		return false
	}
	e.discoveries++

	for _, c := range e.locator.Containers() {
		if e.criteria.Matches(c) {
			e.attached = append(e.attached, c)
		}
	}
	if len(e.attached) == 0 {
		return false
	}

	for _, c := range e.attached {
		c.SetHidden(true)
	}

	slog.Info("captions: source discovered",
		"containers", len(e.attached),
		"attempts", e.discoveries,
	)
	return true
}

// Attached reports whether discovery has succeeded.
func (e *Extractor) Attached() bool {
	return len(e.attached) > 0
}

// Poll re-reads the attached containers. changed is true when the styled
// text differs from the previous poll, including when captions disappear.
func (e *Extractor) Poll(now time.Time) (snap Snapshot, changed bool) {
	if len(e.attached) == 0 {
		return Snapshot{}, false
	}
	e.polls++

	snap.CapturedAt = now
	for _, c := range e.attached {
		segs := Parse(c.Markup())
		if len(segs) == 0 {
			continue
		}
		if len(snap.Segments) > 0 {
			segs[0].StartsNewLine = true
		}
		snap.Segments = append(snap.Segments, segs...)
	}

	if snap.Equal(e.last) {
		return snap, false
	}
	e.last = snap
	e.changes++
	return snap, true
}

// Restore un-hides the attached containers and detaches from them.
func (e *Extractor) Restore() {
	for _, c := range e.attached {
		c.SetHidden(false)
	}
	e.attached = nil
	e.last = Snapshot{}
}

// Stats returns extractor counters.
func (e *Extractor) Stats() ExtractorStats {
	return ExtractorStats{
		Attached:    len(e.attached),
		Discoveries: e.discoveries,
		Polls:       e.polls,
		Changes:     e.changes,
	}
}
