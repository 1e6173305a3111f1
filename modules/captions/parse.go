package captions

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// vttTimestampRe matches WebVTT inline timestamp tags like <00:00:01.234>.
// The tokenizer would otherwise surface them as literal text.
var vttTimestampRe = regexp.MustCompile(`<(?:\d+:)?\d{2}:\d{2}\.\d{3}>`)

// Parse turns caption markup into styled segments.
//
// Recognized markers: <b>/<strong>, <i>/<em> and <u> toggle bold, italic and
// underline; <br> and newlines start a new logical line. Style state is a
// running flag: an opening marker sets it for all following text until any
// matching close marker, so overlapping or unbalanced markup never fails.
// Every other tag (WebVTT class and voice spans included) is dropped and its
// text kept.
//
// Entities are decoded once by the tokenizer. A literal "&amp;" left after
// decoding is a double-encoded ampersand and becomes "&".
func Parse(markup string) []Segment {
	markup = vttTimestampRe.ReplaceAllString(markup, "")
	markup = strings.ReplaceAll(markup, "\r\n", "\n")

	var (
		segs    []Segment
		styles  Styles
		newLine bool
		atStart = true
	)

	emit := func(text string) {
		if atStart || newLine {
			text = strings.TrimLeft(text, " \t\r")
		}
		if text == "" {
			return
		}
		segs = append(segs, Segment{
			Text:          text,
			Styles:        styles,
			StartsNewLine: newLine && !atStart,
		})
		newLine = false
		atStart = false
	}

	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return segs

		case html.TextToken:
			text := strings.ReplaceAll(string(z.Text()), "&amp;", "&")
			for i, part := range strings.Split(text, "\n") {
				if i > 0 {
					newLine = true
				}
				emit(part)
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "b", "strong":
				styles.Bold = true
			case "i", "em":
				styles.Italic = true
			case "u":
				styles.Underline = true
			case "br":
				newLine = true
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "b", "strong":
				styles.Bold = false
			case "i", "em":
				styles.Italic = false
			case "u":
				styles.Underline = false
			case "br":
				// </br> is parsed as <br> by browsers
				newLine = true
			}
		}
	}
}
