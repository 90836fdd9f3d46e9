// Package sentencebound finds sentence-ending punctuation in a running
// stream of text, guarding against the common false positives that a naive
// "is it a period" check trips over: decimal points, abbreviations, and
// ellipses. Used by both the sentence aggregator (C5, merging vendor
// transcript fragments) and the dialogue orchestrator (C6, chunking LLM
// output for streaming TTS).
package sentencebound

import "unicode"

// terminators are the sentence-ending marks this package recognises, beyond
// the special-cased '.'.
var terminators = map[byte]bool{'!': true, '?': true}

// Find returns the index of the last byte of the first genuine
// sentence-ending mark in s, or -1 if none is found. A mark only counts as a
// boundary when it is immediately followed by whitespace or end-of-string —
// mid-word punctuation (e.g. inside a URL) never counts.
func Find(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]

		if terminators[c] {
			if boundaryFollowedByWhitespace(s, i) {
				return i
			}
			continue
		}

		if c != '.' {
			continue
		}

		if isEllipsis(s, i) {
			end := ellipsisEnd(s, i)
			if boundaryFollowedByWhitespace(s, end) {
				return end
			}
			i = end
			continue
		}
		if isDecimalPoint(s, i) || isAbbreviationPeriod(s, i) {
			continue
		}
		if boundaryFollowedByWhitespace(s, i) {
			return i
		}
	}
	return -1
}

func boundaryFollowedByWhitespace(s string, idx int) bool {
	if idx == len(s)-1 {
		return true // boundary at end of currently available text
	}
	return unicode.IsSpace(rune(s[idx+1]))
}

// isDecimalPoint reports whether the '.' at pos sits between two digits, as
// in "3.14" — grounded on sentence_breaker.py's _is_decimal_point.
func isDecimalPoint(s string, pos int) bool {
	if pos <= 0 || pos >= len(s)-1 {
		return false
	}
	return isDigit(s[pos-1]) && isDigit(s[pos+1])
}

// isAbbreviationPeriod reports whether the '.' at pos sits between two
// letters with no following space, as in "e.g" or "Mr.Smith", or closes a
// dotted abbreviation such as "e.g." or "i.e." (a single letter preceded by
// another '.') — grounded on sentence_breaker.py's _is_abbreviation_period.
func isAbbreviationPeriod(s string, pos int) bool {
	if pos <= 0 {
		return false
	}
	if pos >= 2 && isLetter(s[pos-1]) && s[pos-2] == '.' {
		return true
	}
	if pos >= len(s)-1 {
		return false
	}
	prev, next := s[pos-1], s[pos+1]
	return isLetter(prev) && isLetter(next) && !unicode.IsSpace(rune(next))
}

// isEllipsis reports whether s has three consecutive '.' characters
// starting at pos.
func isEllipsis(s string, pos int) bool {
	return pos+2 < len(s) && s[pos:pos+3] == "..."
}

// ellipsisEnd returns the index of the last '.' in the ellipsis run starting
// at pos (collapses runs longer than three dots too).
func ellipsisEnd(s string, pos int) int {
	end := pos + 2
	for end+1 < len(s) && s[end+1] == '.' {
		end++
	}
	return end
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
