package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Default sizing mirrors the limits enforced by the synthesis service
const (
	DefaultMaxChars    = 500
	DefaultTargetChars = 200
)

// Limits holds the sizing constraints for splitting text. MaxChars is
// the hard per-segment cap enforced by the server; TargetChars is the
// soft size a segment is flushed at once reached. Both count runes.
type Limits struct {
	MaxChars    int
	TargetChars int
}

// DefaultLimits returns the service defaults
func DefaultLimits() Limits {
	return Limits{MaxChars: DefaultMaxChars, TargetChars: DefaultTargetChars}
}

// Segment is one synthesis-ready piece of the input text
type Segment struct {
	Index int
	Text  string
}

// Scrub removes the client-side style markers the service strips before
// synthesis and normalizes Windows line endings
func Scrub(text string) string {
	text = strings.ReplaceAll(text, "#fiction\r\n", "")
	text = strings.ReplaceAll(text, "#style\r\n", "")
	text = strings.ReplaceAll(text, "\r\n", " ")
	return strings.TrimSpace(text)
}

// Split breaks text into segments no longer than lim.MaxChars each,
// preferring sentence boundaries, then word boundaries, then hard
// character cuts for single oversized words. Short sentences accumulate
// into one segment until it reaches lim.TargetChars. Whitespace-only
// input yields no segments.
func Split(text string, lim Limits) []Segment {
	if lim.MaxChars <= 0 {
		lim.MaxChars = DefaultMaxChars
	}
	if lim.TargetChars <= 0 || lim.TargetChars > lim.MaxChars {
		lim.TargetChars = lim.MaxChars
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	var out []Segment
	var cur []rune

	flush := func() {
		if len(cur) > 0 {
			out = append(out, Segment{Index: len(out), Text: string(cur)})
			cur = nil
		}
	}

	// add appends one piece (already guaranteed to fit in MaxChars) to
	// the accumulating segment, flushing first when it would not fit
	// and flushing after when the target size is reached.
	add := func(piece string) {
		p := []rune(piece)
		if len(cur) > 0 && len(cur)+1+len(p) > lim.MaxChars {
			flush()
		}
		if len(cur) > 0 {
			cur = append(cur, ' ')
		}
		cur = append(cur, p...)
		if len(cur) >= lim.TargetChars {
			flush()
		}
	}

	for _, s := range sentences(trimmed) {
		if utf8.RuneCountInString(s) <= lim.MaxChars {
			add(s)
			continue
		}
		// Sentence longer than the hard cap, fall back to words.
		for _, w := range strings.Fields(s) {
			if utf8.RuneCountInString(w) <= lim.MaxChars {
				add(w)
				continue
			}
			// Single word longer than the cap, hard character cut.
			for _, part := range hardCut(w, lim.MaxChars) {
				add(part)
			}
		}
	}
	flush()

	return out
}

// sentences splits text at terminator runs (".", "!", "?", including
// combinations like "?!" and "...") that are followed by whitespace or
// end of input, keeping each terminator with its sentence. A terminator
// followed by a non-space rune, as in "3.14", is not a boundary.
func sentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		end := i
		for end+1 < len(runes) && isTerminator(runes[end+1]) {
			end++
		}
		if end+1 < len(runes) && !unicode.IsSpace(runes[end+1]) {
			i = end
			continue
		}
		if s := strings.TrimSpace(string(runes[start : end+1])); s != "" {
			out = append(out, s)
		}
		start = end + 1
		i = end
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// hardCut slices a single oversized word into max-rune pieces
func hardCut(word string, max int) []string {
	runes := []rune(word)
	var parts []string
	for len(runes) > max {
		parts = append(parts, string(runes[:max]))
		runes = runes[max:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
