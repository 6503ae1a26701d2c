// Package chunker splits request text into provider-sized pieces while
// keeping speech boundaries intact. Chunks concatenate back to the
// original text exactly; splitting mid-word or mid-clause produces
// audible artifacts when the pieces are synthesized independently, so
// split points are chosen in preference order: sentence terminator,
// clause pause, whitespace, hard cut.
package chunker

import "unicode"

const (
	sentenceEnds = "。！？.!?"
	clausePauses = "，、,;；：:"
)

// Split breaks text into an ordered sequence of non-empty chunks of at
// most maxLen runes each. A chunk may exceed nothing: when no split
// point exists inside the window it is hard-cut at exactly maxLen.
// Empty input yields nil; maxLen < 1 yields the whole text unsplit.
func Split(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if maxLen < 1 || len(runes) <= maxLen {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		remaining := len(runes) - start
		if remaining <= maxLen {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		window := runes[start : start+maxLen]
		cut := lastIndexAny(window, sentenceEnds) + 1
		if cut == 0 {
			cut = lastIndexAny(window, clausePauses) + 1
		}
		if cut == 0 {
			cut = lastSpace(window) + 1
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, string(window[:cut]))
		// cut >= 1 on every path, so the scan always advances.
		start += cut
	}
	return chunks
}

func lastIndexAny(window []rune, set string) int {
	for i := len(window) - 1; i >= 0; i-- {
		for _, s := range set {
			if window[i] == s {
				return i
			}
		}
	}
	return -1
}

func lastSpace(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i
		}
	}
	return -1
}
