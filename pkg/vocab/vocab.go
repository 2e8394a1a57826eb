// Package vocab maps the characters of a training corpus to dense ids.
package vocab

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrUnknownCharacter is returned when encoding a character that was not
	// seen in the training corpus.
	ErrUnknownCharacter = errors.New("unknown character")
	// ErrUnknownToken is returned when decoding an id outside [0, Size).
	ErrUnknownToken = errors.New("unknown token id")
)

// Vocabulary is a bijection between the distinct characters of the training
// corpus, in code point order, and the ids [0, Size).
type Vocabulary struct {
	toID   map[rune]int
	toChar []rune
}

// Build creates the vocabulary of corpus. Only the training split should be
// passed here; dev and test text is checked against it with Encode.
func Build(corpus string) *Vocabulary {
	seen := make(map[rune]struct{})
	chars := make([]rune, 0, 128)
	for _, r := range corpus {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		chars = append(chars, r)
	}
	slices.Sort(chars)

	v := &Vocabulary{
		toID:   make(map[rune]int, len(chars)),
		toChar: chars,
	}
	for id, r := range chars {
		v.toID[r] = id
	}
	return v
}

// Size returns the number of characters in the vocabulary.
func (v *Vocabulary) Size() int {
	return len(v.toChar)
}

// Chars returns the vocabulary in id order.
func (v *Vocabulary) Chars() []rune {
	return slices.Clone(v.toChar)
}

// ID returns the id of r.
func (v *Vocabulary) ID(r rune) (int, bool) {
	id, ok := v.toID[r]
	return id, ok
}

// Rune returns the character with the given id.
func (v *Vocabulary) Rune(id int) (rune, bool) {
	if id < 0 || id >= len(v.toChar) {
		return 0, false
	}
	return v.toChar[id], true
}

// Encode converts text to ids. The offset in the error is counted in runes.
func (v *Vocabulary) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	offset := 0
	for _, r := range text {
		id, ok := v.toID[r]
		if !ok {
			return nil, fmt.Errorf("%w %q (U+%04X) at offset %d", ErrUnknownCharacter, r, r, offset)
		}
		ids = append(ids, id)
		offset++
	}
	return ids, nil
}

// Decode converts ids back to text.
func (v *Vocabulary) Decode(ids []int) (string, error) {
	var sb strings.Builder
	sb.Grow(len(ids))
	for i, id := range ids {
		r, ok := v.Rune(id)
		if !ok {
			return "", fmt.Errorf("%w %d at position %d (vocabulary size %d)", ErrUnknownToken, id, i, len(v.toChar))
		}
		sb.WriteRune(r)
	}
	return sb.String(), nil
}

// Coverage counts the characters of text that are missing from the
// vocabulary. An empty result means Encode(text) will succeed.
func (v *Vocabulary) Coverage(text string) map[rune]int {
	missing := make(map[rune]int)
	for _, r := range text {
		if _, ok := v.toID[r]; !ok {
			missing[r]++
		}
	}
	return missing
}
