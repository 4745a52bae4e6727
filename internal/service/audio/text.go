package audio

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	markdownLink  = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	markdownFence = regexp.MustCompile("(?s)```.*?```")
	markdownMarks = regexp.MustCompile("[*_`~#>|]+")
	bulletPrefix  = regexp.MustCompile(`(?m)^\s*(?:[-+]|\d+\.)\s+`)
)

// Normalize prepares text for speech: markdown and control characters are
// removed, whitespace is collapsed and the result is capped at maxChars
// runes. A capped result is cut at the last sentence terminator, or the last
// word boundary, and always ends with a terminator. maxChars <= 0 disables
// the cap.
func Normalize(text string, maxChars int) string {
	text = markdownFence.ReplaceAllString(text, " ")
	text = markdownLink.ReplaceAllString(text, "$1")
	text = bulletPrefix.ReplaceAllString(text, "")
	text = markdownMarks.ReplaceAllString(text, "")

	text = strings.Map(func(r rune) rune {
		switch {
		case r == utf8.RuneError:
			return -1
		case unicode.IsSpace(r):
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")

	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	return capText([]rune(text), maxChars)
}

func capText(runes []rune, maxChars int) string {
	cut := runes[:maxChars]

	for i := len(cut) - 1; i >= maxChars/2; i-- {
		if isTerminator(cut[i]) {
			return string(cut[:i+1])
		}
	}

	head := strings.TrimRightFunc(string(cut), func(r rune) bool { return !unicode.IsSpace(r) })
	head = strings.TrimSpace(head)
	if head == "" {
		// a single word longer than the cap
		head = string(cut[:maxChars-1])
	}
	head = strings.TrimRightFunc(head, func(r rune) bool { return unicode.IsPunct(r) && !isTerminator(r) })
	return head + "."
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '।', '。', '！', '？':
		return true
	}
	return false
}

// SplitSegments breaks normalized text into segments of at most limit runes.
// Segments end at sentence boundaries where possible, then word boundaries,
// and a single word longer than limit is cut hard. Without hard cuts, joining
// the segments with single spaces yields the normalized input.
func SplitSegments(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		segments []string
		current  strings.Builder
		size     int
	)
	flush := func() {
		if size > 0 {
			segments = append(segments, current.String())
			current.Reset()
			size = 0
		}
	}
	add := func(piece string) {
		n := utf8.RuneCountInString(piece)
		if size > 0 && size+1+n > limit {
			flush()
		}
		if size > 0 {
			current.WriteByte(' ')
			size++
		}
		current.WriteString(piece)
		size += n
	}

	for _, sentence := range splitSentences(text) {
		if utf8.RuneCountInString(sentence) <= limit {
			add(sentence)
			continue
		}
		for _, word := range strings.Fields(sentence) {
			runes := []rune(word)
			for len(runes) > limit {
				flush()
				segments = append(segments, string(runes[:limit]))
				runes = runes[limit:]
			}
			add(string(runes))
		}
	}
	flush()

	return segments
}

// splitSentences splits after each terminator that is followed by a space.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		if isTerminator(r) && i+1 < len(runes) && runes[i+1] == ' ' {
			sentences = append(sentences, string(runes[start:i+1]))
			start = i + 2
		}
	}
	if start < len(runes) {
		sentences = append(sentences, string(runes[start:]))
	}
	return sentences
}
