// Package chunker splits long text into ordered, bounded-size pieces that
// respect external service limits while keeping the original order
// reconstructable.
package chunker

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Unit selects how piece sizes are measured.
type Unit string

const (
	UnitCharacters Unit = "characters"
	// UnitTokens approximates tokens as whitespace-delimited words; close
	// enough for budget limits that carry generous headroom.
	UnitTokens Unit = "tokens"
)

// ErrOversizeUnit is returned in strict mode when the text contains an
// unbroken run that cannot fit within the size limit.
var ErrOversizeUnit = errors.New("chunker: unbreakable unit exceeds size limit")

// Options control one split.
type Options struct {
	// MaxUnitSize is the upper bound per piece, in Unit units.
	MaxUnitSize int
	Unit        Unit
	// PreferParagraphs keeps paragraphs (double-newline blocks) intact
	// before falling back to sentence and then whitespace boundaries.
	PreferParagraphs bool
	// Strict turns an unbreakable oversize run into ErrOversizeUnit
	// instead of an Oversize-flagged piece.
	Strict bool
}

// Piece is one bounded unit of the split, in order.
type Piece struct {
	Index    int
	Text     string
	Size     int
	Oversize bool
}

// Split is the result of one split: contiguous pieces indexed from 0 and
// the joiner that reassembles them (modulo whitespace normalization at the
// split points).
type Split struct {
	Pieces []Piece
	Joiner string
}

// Oversize reports whether any piece exceeded the limit.
func (s Split) Oversize() bool {
	for _, p := range s.Pieces {
		if p.Oversize {
			return true
		}
	}
	return false
}

// Texts returns the piece texts in index order.
func (s Split) Texts() []string {
	out := make([]string, len(s.Pieces))
	for i, p := range s.Pieces {
		out[i] = p.Text
	}
	return out
}

// Reassemble joins the pieces back in index order with the declared joiner.
func (s Split) Reassemble() string {
	return strings.Join(s.Texts(), s.Joiner)
}

type atomKind int

const (
	atomParagraph atomKind = iota
	atomSentence
	atomWord
)

type atom struct {
	kind     atomKind
	text     string
	size     int
	oversize bool
}

// Count measures text in the given unit.
func Count(text string, unit Unit) int {
	if unit == UnitTokens {
		return len(strings.Fields(text))
	}
	return utf8.RuneCountInString(text)
}

// New splits text into ordered pieces no larger than opts.MaxUnitSize.
// Identical input always yields an identical split, so re-chunking after a
// retry reproduces the same piece boundaries. Empty or whitespace-only
// input yields an empty split.
func New(text string, opts Options) (Split, error) {
	if opts.Unit == "" {
		opts.Unit = UnitCharacters
	}
	joiner := " "
	if opts.PreferParagraphs {
		joiner = "\n\n"
	}
	result := Split{Joiner: joiner}

	if strings.TrimSpace(text) == "" {
		return result, nil
	}

	atoms, err := decompose(text, opts)
	if err != nil {
		return Split{Joiner: joiner}, err
	}

	var (
		cur     []atom
		curSize int
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		joined := joinAtoms(cur)
		result.Pieces = append(result.Pieces, Piece{
			Index: len(result.Pieces),
			Text:  joined,
			Size:  Count(joined, opts.Unit),
		})
		cur = nil
		curSize = 0
	}

	for _, a := range atoms {
		if a.oversize {
			// Emitted as-is; the caller decides whether to block or
			// forward it anyway.
			flush()
			result.Pieces = append(result.Pieces, Piece{
				Index:    len(result.Pieces),
				Text:     a.text,
				Size:     a.size,
				Oversize: true,
			})
			continue
		}

		sep := separatorSize(cur, a, opts.Unit)
		if len(cur) > 0 && curSize+sep+a.size > opts.MaxUnitSize {
			flush()
			sep = 0
		}
		cur = append(cur, a)
		curSize += sep + a.size
	}
	flush()

	return result, nil
}

// decompose breaks text into the largest atoms that individually fit the
// limit: whole paragraphs where possible, then sentences, then
// whitespace-delimited words, flagging unbreakable oversize runs.
func decompose(text string, opts Options) ([]atom, error) {
	var blocks []string
	if opts.PreferParagraphs {
		for _, p := range strings.Split(text, "\n\n") {
			if strings.TrimSpace(p) != "" {
				blocks = append(blocks, strings.TrimSpace(p))
			}
		}
	} else {
		blocks = []string{strings.TrimSpace(text)}
	}

	var atoms []atom
	for _, block := range blocks {
		size := Count(block, opts.Unit)
		if opts.PreferParagraphs && size <= opts.MaxUnitSize {
			atoms = append(atoms, atom{kind: atomParagraph, text: block, size: size})
			continue
		}

		for _, sentence := range SplitSentences(block) {
			ssize := Count(sentence, opts.Unit)
			if ssize <= opts.MaxUnitSize {
				atoms = append(atoms, atom{kind: atomSentence, text: sentence, size: ssize})
				continue
			}

			// A single sentence over the limit splits at whitespace.
			for _, word := range strings.Fields(sentence) {
				wsize := Count(word, opts.Unit)
				if wsize > opts.MaxUnitSize {
					if opts.Strict {
						return nil, ErrOversizeUnit
					}
					atoms = append(atoms, atom{kind: atomWord, text: word, size: wsize, oversize: true})
					continue
				}
				atoms = append(atoms, atom{kind: atomWord, text: word, size: wsize})
			}
		}
	}
	return atoms, nil
}

// SplitSentences breaks text after terminal punctuation followed by
// whitespace. Closing quotes and brackets stay attached to their sentence.
func SplitSentences(text string) []string {
	var (
		sentences []string
		start     int
		runes     = []rune(text)
	)

	isTerminal := func(r rune) bool {
		switch r {
		case '.', '!', '?', '…':
			return true
		}
		return false
	}
	isClosing := func(r rune) bool {
		switch r {
		case '"', '\'', ')', ']', '”', '’':
			return true
		}
		return false
	}

	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && (isTerminal(runes[j]) || isClosing(runes[j])) {
			j++
		}
		if j < len(runes) && runes[j] != ' ' && runes[j] != '\n' && runes[j] != '\t' {
			continue
		}
		s := strings.TrimSpace(string(runes[start:j]))
		if s != "" {
			sentences = append(sentences, s)
		}
		start = j
		i = j - 1
	}

	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func joinAtoms(atoms []atom) string {
	var b strings.Builder
	for i, a := range atoms {
		if i > 0 {
			b.WriteString(separator(atoms[i-1], a))
		}
		b.WriteString(a.text)
	}
	return b.String()
}

func separator(prev, next atom) string {
	if prev.kind == atomParagraph && next.kind == atomParagraph {
		return "\n\n"
	}
	return " "
}

func separatorSize(cur []atom, next atom, unit Unit) int {
	if len(cur) == 0 {
		return 0
	}
	if unit == UnitTokens {
		return 0
	}
	return utf8.RuneCountInString(separator(cur[len(cur)-1], next))
}
