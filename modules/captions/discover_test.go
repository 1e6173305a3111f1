package captions

import (
	"strings"
	"testing"
	"time"
)

type fakeContainer struct {
	kind    string
	visible bool
	markup  string
	hidden  bool
}

func (c *fakeContainer) Kind() string          { return c.kind }
func (c *fakeContainer) Visible() bool         { return c.visible && !c.hidden }
func (c *fakeContainer) Markup() string        { return c.markup }
func (c *fakeContainer) SetHidden(hidden bool) { c.hidden = hidden }

func TestDiscoverMatchesCriteria(t *testing.T) {
	chapters := &fakeContainer{kind: "chapters", visible: true}
	hiddenSubs := &fakeContainer{kind: "subtitles", visible: false}
	subs := &fakeContainer{kind: "Subtitles", visible: true, markup: "hi"}

	e := NewExtractor(StaticLocator{chapters, hiddenSubs, subs}, Criteria{})

	if !e.Discover() {
		t.Fatal("expected discovery to find the visible subtitles container")
	}
	if st := e.Stats(); st.Attached != 1 {
		t.Fatalf("expected 1 attached container, got %d", st.Attached)
	}
	if !subs.hidden {
		t.Error("live captions were not hidden after discovery")
	}
	if chapters.hidden {
		t.Error("non-caption container was hidden")
	}

	e.Restore()
	if subs.hidden {
		t.Error("restore did not un-hide the container")
	}
	if e.Attached() {
		t.Error("restore kept the attachment")
	}
}

func TestDiscoverAbsentIsNotAnError(t *testing.T) {
	e := NewExtractor(nil, DefaultCriteria())
	for i := 0; i < 3; i++ {
		if e.Discover() {
			t.Fatal("nil locator discovered a source")
		}
	}
	if snap, changed := e.Poll(time.Unix(0, 0)); changed || !snap.Empty() {
		t.Error("poll without a source produced captions")
	}

	loc := StaticLocator{}
	e = NewExtractor(loc, DefaultCriteria())
	if e.Discover() {
		t.Fatal("empty locator discovered a source")
	}
}

func TestPollReportsChanges(t *testing.T) {
	c := &fakeContainer{kind: "captions", visible: true}
	e := NewExtractor(StaticLocator{c}, DefaultCriteria())
	e.Discover()

	now := time.Unix(0, 0)
	if _, changed := e.Poll(now); changed {
		t.Error("empty container reported a change on first poll")
	}

	c.markup = "<i>hello</i>"
	snap, changed := e.Poll(now)
	if !changed || snap.Text() != "hello" || !snap.Segments[0].Styles.Italic {
		t.Fatalf("expected italic hello, got %+v (changed=%v)", snap, changed)
	}

	if _, changed := e.Poll(now.Add(time.Millisecond)); changed {
		t.Error("identical text reported as changed")
	}

	c.markup = ""
	snap, changed = e.Poll(now.Add(2 * time.Millisecond))
	if !changed || !snap.Empty() {
		t.Error("disappearing captions were not reported")
	}
}

func TestPollMultipleContainersStartNewLines(t *testing.T) {
	a := &fakeContainer{kind: "captions", visible: true, markup: "top"}
	b := &fakeContainer{kind: "captions", visible: true, markup: "bottom"}
	e := NewExtractor(StaticLocator{a, b}, DefaultCriteria())
	e.Discover()

	snap, _ := e.Poll(time.Unix(0, 0))
	if lines := snap.Lines(); len(lines) != 2 {
		t.Fatalf("expected one line per container, got %d", len(lines))
	}
}

const sampleVTT = "WEBVTT - sample\r\n" +
	"\r\n" +
	"NOTE authoring comment\r\n" +
	"spanning lines\r\n" +
	"\r\n" +
	"intro\r\n" +
	"00:00:01.000 --> 00:00:03.000 align:center\r\n" +
	"<b>Tom &amp; Jerry</b>\r\n" +
	"\r\n" +
	"00:02.500 --> 00:04.000\r\n" +
	"second line\r\n" +
	"continues\r\n"

func TestParseVTT(t *testing.T) {
	track, err := ParseVTT(strings.NewReader(sampleVTT))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(track.Cues) != 2 {
		t.Fatalf("expected 2 cues, got %d: %+v", len(track.Cues), track.Cues)
	}

	first := track.Cues[0]
	if first.ID != "intro" || first.Start != time.Second || first.End != 3*time.Second {
		t.Errorf("unexpected first cue: %+v", first)
	}
	second := track.Cues[1]
	if second.Start != 2500*time.Millisecond || second.Text != "second line\ncontinues" {
		t.Errorf("unexpected second cue: %+v", second)
	}

	if got := track.Active(2750 * time.Millisecond); len(got) != 2 {
		t.Errorf("expected overlapping cues active, got %d", len(got))
	}
	if got := track.Active(3 * time.Second); len(got) != 1 {
		t.Errorf("cue end must be exclusive, got %d active", len(got))
	}
	if got := track.Active(0); len(got) != 0 {
		t.Errorf("expected nothing before the first cue, got %d", len(got))
	}
}

func TestParseVTTRejectsOtherFormats(t *testing.T) {
	for _, in := range []string{"", "1\n00:00:01,000 --> 00:00:02,000\nsrt\n"} {
		if _, err := ParseVTT(strings.NewReader(in)); err != ErrNotVTT {
			t.Errorf("expected ErrNotVTT for %q, got %v", in, err)
		}
	}
}

func TestTrackContainerFeedsExtractor(t *testing.T) {
	track, err := ParseVTT(strings.NewReader(sampleVTT))
	if err != nil {
		t.Fatal(err)
	}

	pos := 2750 * time.Millisecond
	c := NewTrackContainer(track, func() time.Duration { return pos })
	e := NewExtractor(StaticLocator{c}, DefaultCriteria())
	if !e.Discover() {
		t.Fatal("track container not discovered")
	}
	if !c.Hidden() {
		t.Error("track container not hidden after discovery")
	}

	snap, changed := e.Poll(time.Unix(0, 0))
	if !changed {
		t.Fatal("expected captions at 2.75s")
	}
	want := "Tom & Jerry\nsecond line\ncontinues"
	if snap.Text() != want {
		t.Errorf("expected %q, got %q", want, snap.Text())
	}
	if !snap.Segments[0].Styles.Bold {
		t.Error("expected bold first cue")
	}

	pos = 10 * time.Second
	if snap, changed := e.Poll(time.Unix(1, 0)); !changed || !snap.Empty() {
		t.Error("expected captions to clear after the last cue")
	}
}
