package captions

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotVTT is returned when the input lacks the WEBVTT signature.
var ErrNotVTT = errors.New("captions: missing WEBVTT header")

// vttHeaderRe matches the WEBVTT file signature line.
var vttHeaderRe = regexp.MustCompile(`^\x{FEFF}?WEBVTT(?:[ \t].*)?$`)

// timingLineRe matches "00:00:01.234 --> 00:00:03.456" with optional hours
// and trailing cue settings.
var timingLineRe = regexp.MustCompile(`^((?:\d+:)?\d{2}:\d{2}\.\d{3})\s+-->\s+((?:\d+:)?\d{2}:\d{2}\.\d{3})`)

// Cue is one timed caption block. Text keeps its inline markup.
type Cue struct {
	ID    string
	Start time.Duration
	End   time.Duration
	Text  string
}

// Track is a parsed WebVTT file, cues sorted by start time.
type Track struct {
	Kind string
	Cues []Cue
}

// ParseVTT reads a WebVTT document.
func ParseVTT(r io.Reader) (*Track, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("captions: read vtt: %w", err)
		}
		return nil, ErrNotVTT
	}
	if !vttHeaderRe.MatchString(strings.TrimRight(sc.Text(), "\r")) {
		return nil, ErrNotVTT
	}

	track := &Track{Kind: "captions"}
	var (
		cur     *Cue
		prevID  string
		skipBlk bool
		lineNo  = 1
	)

	flush := func() {
		if cur != nil {
			track.Cues = append(track.Cues, *cur)
		}
		cur = nil
		prevID = ""
		skipBlk = false
	}

	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")

		if line == "" {
			flush()
			continue
		}
		if skipBlk {
			continue
		}

		if cur != nil {
			if cur.Text != "" {
				cur.Text += "\n"
			}
			cur.Text += line
			continue
		}

		if m := timingLineRe.FindStringSubmatch(line); m != nil {
			start, err := parseTimestamp(m[1])
			if err != nil {
				return nil, fmt.Errorf("captions: line %d: %w", lineNo, err)
			}
			end, err := parseTimestamp(m[2])
			if err != nil {
				return nil, fmt.Errorf("captions: line %d: %w", lineNo, err)
			}
			cur = &Cue{ID: prevID, Start: start, End: end}
			continue
		}

		switch {
		case strings.HasPrefix(line, "NOTE"), strings.HasPrefix(line, "STYLE"), strings.HasPrefix(line, "REGION"):
			skipBlk = true
		default:
			prevID = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("captions: read vtt: %w", err)
	}
	flush()

	sort.SliceStable(track.Cues, func(i, j int) bool {
		return track.Cues[i].Start < track.Cues[j].Start
	})
	return track, nil
}

// parseTimestamp parses "HH:MM:SS.mmm" or "MM:SS.mmm".
func parseTimestamp(ts string) (time.Duration, error) {
	parts := strings.Split(ts, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid timestamp %q", ts)
	}

	secParts := strings.SplitN(parts[len(parts)-1], ".", 2)
	if len(secParts) != 2 {
		return 0, fmt.Errorf("invalid timestamp %q", ts)
	}

	nums := append(parts[:len(parts)-1:len(parts)-1], secParts...)
	vals := make([]int, len(nums))
	for i, n := range nums {
		v, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
		vals[i] = v
	}

	var h, m, s, ms int
	if len(vals) == 4 {
		h, m, s, ms = vals[0], vals[1], vals[2], vals[3]
	} else {
		m, s, ms = vals[0], vals[1], vals[2]
	}
	if m > 59 || s > 59 {
		return 0, fmt.Errorf("invalid timestamp %q", ts)
	}

	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(ms)*time.Millisecond, nil
}

// Active returns the cues showing at media position pos (Start <= pos < End).
func (t *Track) Active(pos time.Duration) []Cue {
	var out []Cue
	for _, c := range t.Cues {
		if c.Start > pos {
			break
		}
		if pos < c.End {
			out = append(out, c)
		}
	}
	return out
}

// TrackContainer exposes a Track as a caption container driven by a media
// position clock.
type TrackContainer struct {
	track    *Track
	position func() time.Duration

	mu     sync.Mutex
	hidden bool
}

// NewTrackContainer binds track to a position source.
func NewTrackContainer(track *Track, position func() time.Duration) *TrackContainer {
	return &TrackContainer{track: track, position: position}
}

// Kind implements Container.
func (c *TrackContainer) Kind() string {
	return c.track.Kind
}

// Visible implements Container.
func (c *TrackContainer) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.hidden
}

// Hidden reports whether live rendering is suppressed.
func (c *TrackContainer) Hidden() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hidden
}

// Markup implements Container: the text of the active cues, one per line.
func (c *TrackContainer) Markup() string {
	if c.position == nil {
		return ""
	}
	active := c.track.Active(c.position())
	texts := make([]string, len(active))
	for i, cue := range active {
		texts[i] = cue.Text
	}
	return strings.Join(texts, "<br>")
}

// SetHidden implements Container.
func (c *TrackContainer) SetHidden(hidden bool) {
	c.mu.Lock()
	c.hidden = hidden
	c.mu.Unlock()
}
