// Package chunk splits long input into ordered segments that each fit a
// model's context window.
package chunk

import (
	"strings"
	"unicode/utf8"

	"github.com/rivo/uniseg"

	"github.com/xraph/tally/meter"
)

// DefaultOverlap is the number of tokens carried from one segment into the next.
const DefaultOverlap = 50

// Segment is one bounded piece of the input.
type Segment struct {
	Index int `json:"index"`
	// Text is what gets sent: the overlap from the previous segment followed by Core.
	Text string `json:"text"`
	// Core is the new input this segment covers. Cores concatenate to the input.
	Core string `json:"core"`
	// Start and End are the byte offsets of Core in the input.
	Start  int `json:"start"`
	End    int `json:"end"`
	Tokens int `json:"tokens"`
}

// Planner splits text hierarchically: paragraphs first, then sentences,
// words and finally runes, only descending a level when a piece does not
// fit on its own.
type Planner struct {
	// Overlap is the token count of trailing context repeated at the start
	// of the next segment.
	Overlap int
	// Numerator and Denominator give the share of the model budget a
	// segment may use. The rest is left for the prompt and the answer.
	Numerator   int
	Denominator int
}

// NewPlanner returns a planner using three quarters of the budget and a
// 50-token overlap.
func NewPlanner() *Planner {
	return &Planner{Overlap: DefaultOverlap, Numerator: 3, Denominator: 4}
}

// Budget returns the per-segment token limit for a model with the given
// context size.
func (p *Planner) Budget(modelTokens int) int {
	num, den := p.Numerator, p.Denominator
	if num <= 0 || den <= 0 {
		num, den = 3, 4
	}
	b := modelTokens * num / den
	if b < 1 {
		b = 1
	}
	return b
}

// Plan splits text into segments. Empty text yields no segments.
func (p *Planner) Plan(text string, modelTokens int) []Segment {
	if text == "" {
		return nil
	}

	budget := p.Budget(modelTokens)
	overlap := p.Overlap
	if overlap < 0 {
		overlap = 0
	}
	// Keep at least half the budget for new content.
	if overlap > budget/2 {
		overlap = budget / 2
	}
	coreBudget := budget - overlap

	var (
		segs   []Segment
		start  int
		core   strings.Builder
		tokens int
	)
	flush := func() {
		if core.Len() == 0 {
			return
		}
		c := core.String()
		seg := Segment{
			Index: len(segs),
			Core:  c,
			Text:  c,
			Start: start,
			End:   start + len(c),
		}
		if len(segs) > 0 && overlap > 0 {
			seg.Text = tail(segs[len(segs)-1].Core, overlap) + c
		}
		seg.Tokens = meter.CountTokens(seg.Text)
		segs = append(segs, seg)

		start = seg.End
		core.Reset()
		tokens = 0
	}

	for _, pc := range split(text, coreBudget, levelParagraph) {
		if tokens > 0 && tokens+pc.tokens > coreBudget {
			flush()
		}
		core.WriteString(pc.text)
		tokens += pc.tokens
	}
	flush()

	return segs
}

type level int

const (
	levelParagraph level = iota
	levelSentence
	levelWord
	levelRune
)

type piece struct {
	text   string
	tokens int
}

// split breaks text into pieces of at most limit tokens, keeping every
// separator so the pieces concatenate back to text.
func split(text string, limit int, lvl level) []piece {
	var out []piece
	for _, part := range parts(text, limit, lvl) {
		n := meter.CountTokens(part)
		if n <= limit || lvl == levelRune {
			out = append(out, piece{text: part, tokens: n})
			continue
		}
		out = append(out, split(part, limit, lvl+1)...)
	}
	return out
}

func parts(text string, limit int, lvl level) []string {
	switch lvl {
	case levelParagraph:
		return strings.SplitAfter(text, "\n\n")
	case levelSentence:
		return segmentWith(text, uniseg.FirstSentenceInString)
	case levelWord:
		return segmentWith(text, uniseg.FirstWordInString)
	default:
		if limit < meter.CharsPerToken {
			return runeGroups(text, 1)
		}
		return runeGroups(text, meter.CharsPerToken)
	}
}

func segmentWith(text string, next func(string, int) (string, string, int)) []string {
	var out []string
	state := -1
	for len(text) > 0 {
		var seg string
		seg, text, state = next(text, state)
		out = append(out, seg)
	}
	return out
}

// runeGroups cuts text into runs of n runes.
func runeGroups(text string, n int) []string {
	var out []string
	for len(text) > 0 {
		i, count := 0, 0
		for i < len(text) && count < n {
			_, size := utf8.DecodeRuneInString(text[i:])
			i += size
			count++
		}
		out = append(out, text[:i])
		text = text[i:]
	}
	return out
}

// tail returns the longest suffix of s that starts on a word boundary and
// holds at most n tokens.
func tail(s string, n int) string {
	words := segmentWith(s, uniseg.FirstWordInString)
	cut := len(s)
	used := 0
	for i := len(words) - 1; i >= 0; i-- {
		t := meter.CountTokens(words[i])
		if used+t > n {
			break
		}
		used += t
		cut -= len(words[i])
	}
	return s[cut:]
}
