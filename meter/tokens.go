// Package meter counts tokens and prices generation calls.
package meter

import (
	"unicode"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// CharsPerToken is the average number of runes a BPE tokenizer packs into
// one token for English prose.
const CharsPerToken = 4

// CountTokens estimates how many tokens a BPE tokenizer would produce for
// text. It walks Unicode word boundaries: whitespace runs are free, each
// punctuation or symbol segment costs one token, and a word costs one token
// per CharsPerToken runes, rounded up. The estimate is deterministic and
// additive over word boundaries.
func CountTokens(text string) int {
	n := 0
	state := -1
	for len(text) > 0 {
		var word string
		word, text, state = uniseg.FirstWordInString(text, state)
		n += wordTokens(word)
	}
	return n
}

func wordTokens(word string) int {
	r, _ := utf8.DecodeRuneInString(word)
	if unicode.IsSpace(r) {
		return 0
	}
	runes := utf8.RuneCountInString(word)
	if runes <= CharsPerToken {
		return 1
	}
	return (runes + CharsPerToken - 1) / CharsPerToken
}
