package extract

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/pithecene-io/veil/types"
)

// DefaultMaxTextLength is the truncation ceiling applied when the router is
// configured with none.
const DefaultMaxTextLength = 10 << 20

const truncationMarker = "[TRUNCATED]"

// postProcess normalizes strategy output in place: line endings to LF,
// control characters stripped (newline and tab survive), horizontal
// whitespace runs collapsed, blank-line runs capped at one, and the text
// truncated at maxLen with a marker and metadata.
func postProcess(et *types.ExtractedText, maxLen int) {
	if maxLen <= 0 {
		maxLen = DefaultMaxTextLength
	}

	text := normalizeNewlines(et.Text)
	text = stripControl(text)
	text = collapseHorizontal(text)
	text = collapseBlankLines(text)
	text = strings.TrimSpace(text)

	if len(text) > maxLen {
		original := len(text)
		cut := maxLen
		// Do not split a UTF-8 sequence.
		for cut > 0 && !utf8RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + truncationMarker
		et.MetaSet(MetaTruncated, "true")
		et.MetaSet(MetaOriginalLength, strconv.Itoa(original))
	}
	et.Text = text
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// collapseHorizontal folds runs of spaces and tabs into one space, keeping
// newlines so offsets stay line-addressable.
func collapseHorizontal(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inRun := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			if !inRun {
				b.WriteByte(' ')
				inRun = true
			}
			continue
		}
		inRun = false
		b.WriteRune(r)
	}
	return b.String()
}

// collapseBlankLines caps runs of three or more newlines at two.
func collapseBlankLines(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	run := 0
	for _, r := range s {
		if r == '\n' {
			run++
			if run > 2 {
				continue
			}
		} else {
			run = 0
		}
		b.WriteRune(r)
	}
	return b.String()
}
