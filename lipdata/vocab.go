// Package lipdata loads lipreading datasets: per-video
// directories of frame features and captions, a character
// vocabulary, and batch collation for training.
package lipdata

import (
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/unixpickle/essentials"
)

// Padding is the reserved vocabulary index for padded
// positions. It doubles as the start-of-sequence input
// for the decoder.
const Padding = 0

var defaultLabels = []string{
	" ", "!", "\"", "#", "$", "%", "&", "'", "(", ")", "*", "+", ",", "-",
	".", "/", "0", "1", "2", "3", "4", "5", "6", "7", "8", "9", ":", ";",
	"<", ">", "?", "@", "[", "]", "a", "b", "c", "d", "e", "f", "g", "h",
	"i", "j", "k", "l", "m", "n", "o", "p", "q", "r", "s", "t", "u", "v",
	"w", "x", "y", "z",
}

// A Vocab is an immutable bijection between characters
// and vocabulary indices. Index 0 is reserved for
// Padding; characters occupy indices 1 and up.
type Vocab struct {
	chars   []rune
	indices map[rune]int
}

// NewVocab creates a Vocab from an ordered character set.
func NewVocab(chars []rune) (*Vocab, error) {
	if len(chars) == 0 {
		return nil, errors.New("new vocab: no characters")
	}
	res := &Vocab{indices: map[rune]int{}}
	for _, ch := range chars {
		if _, ok := res.indices[ch]; ok {
			return nil, errors.New("new vocab: duplicate character: " +
				string(ch))
		}
		res.chars = append(res.chars, ch)
		res.indices[ch] = len(res.chars)
	}
	return res, nil
}

// DefaultVocab creates the hardcoded fallback alphabet:
// space, a punctuation subset, digits, and lowercase
// letters.
func DefaultVocab() *Vocab {
	var chars []rune
	for _, s := range defaultLabels {
		chars = append(chars, []rune(s)...)
	}
	res, err := NewVocab(chars)
	if err != nil {
		panic(err)
	}
	return res
}

// LoadVocab reads a vocabulary from a JSON file holding
// an ordered list of characters.
func LoadVocab(path string) (*Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, essentials.AddCtx("load vocab", err)
	}
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return nil, essentials.AddCtx("load vocab", err)
	}
	var chars []rune
	for _, s := range labels {
		chars = append(chars, []rune(s)...)
	}
	res, err := NewVocab(chars)
	if err != nil {
		return nil, essentials.AddCtx("load vocab", err)
	}
	return res, nil
}

// Size returns the number of vocabulary indices,
// including the padding index.
func (v *Vocab) Size() int {
	return len(v.chars) + 1
}

// Index looks up a character's index.
func (v *Vocab) Index(ch rune) (int, bool) {
	idx, ok := v.indices[ch]
	return idx, ok
}

// Char returns the character for an index. It returns 0
// for the padding index or an out-of-range index.
func (v *Vocab) Char(idx int) rune {
	if idx < 1 || idx > len(v.chars) {
		return 0
	}
	return v.chars[idx-1]
}

// Encode maps a caption to vocabulary indices. Captions
// are lowercased first; characters outside the
// vocabulary are dropped.
func (v *Vocab) Encode(caption string) []int {
	var res []int
	for _, ch := range strings.ToLower(caption) {
		if idx, ok := v.indices[ch]; ok {
			res = append(res, idx)
		}
	}
	return res
}

// Decode maps indices back to a string, skipping padding
// and out-of-range indices.
func (v *Vocab) Decode(seq []int) string {
	var sb strings.Builder
	for _, idx := range seq {
		if ch := v.Char(idx); ch != 0 {
			sb.WriteRune(ch)
		}
	}
	return sb.String()
}
