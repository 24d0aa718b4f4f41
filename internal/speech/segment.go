package speech

import (
	"regexp"
	"strings"
	"unicode"
)

// sentenceEnd matches a run of terminal punctuation followed by whitespace
var sentenceEnd = regexp.MustCompile(`[.!?]+\s+`)

// TextUnit is one sentence of an assistant message, the unit of synthesis and playback.
// Start and End are byte offsets of Text within the message.
type TextUnit struct {
	Text  string
	Start int
	End   int
}

// Segment splits message after every run of '.', '!' or '?' that is followed
// by whitespace. Units are trimmed; empty ones are dropped. The punctuation
// stays with its sentence, only the whitespace between units is removed.
func Segment(message string) []TextUnit {
	var (
		units []TextUnit
		pos   int
	)

	emit := func(start, end int) {
		seg := message[start:end]
		trimmed := strings.TrimLeftFunc(seg, unicode.IsSpace)
		start += len(seg) - len(trimmed)
		trimmed = strings.TrimRightFunc(trimmed, unicode.IsSpace)
		if trimmed == "" {
			return
		}
		units = append(units, TextUnit{Text: trimmed, Start: start, End: start + len(trimmed)})
	}

	for _, m := range sentenceEnd.FindAllStringIndex(message, -1) {
		match := message[m[0]:m[1]]
		punct := len(match) - len(strings.TrimLeft(match, ".!?"))
		emit(pos, m[0]+punct)
		pos = m[1]
	}
	emit(pos, len(message))

	return units
}

// Join rebuilds the message from its units, re-inserting the whitespace removed between them
func Join(message string, units []TextUnit) string {
	var b strings.Builder
	b.Grow(len(message))

	pos := 0
	for _, u := range units {
		b.WriteString(message[pos:u.Start])
		b.WriteString(u.Text)
		pos = u.End
	}
	b.WriteString(message[pos:])
	return b.String()
}
