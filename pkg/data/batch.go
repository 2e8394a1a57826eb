// Package data loads corpora and samples training windows from them.
package data

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"afrigpt/pkg/config"
)

// ErrInsufficientData is returned when a token sequence is too short to hold a
// single context window and its shifted target.
var ErrInsufficientData = errors.New("insufficient data")

// Batch is a set of context windows and their next-token targets. Targets[b]
// is Inputs[b] shifted one position to the right in the source sequence.
type Batch struct {
	Inputs  [][]int
	Targets [][]int
}

// Sampler draws random windows from token sequences. All randomness comes from
// the shared source it was created with.
type Sampler struct {
	rng *rand.Rand
}

func NewSampler(rng *rand.Rand) *Sampler {
	return &Sampler{rng: rng}
}

// Sample draws batchSize windows of blockSize tokens. Start offsets are uniform
// over [0, len(tokens)-blockSize) and drawn with replacement, so windows may
// overlap.
func (s *Sampler) Sample(tokens []int, batchSize, blockSize int) (Batch, error) {
	if batchSize <= 0 || blockSize <= 0 {
		return Batch{}, fmt.Errorf("%w: batch size %d and block size %d must be positive", config.ErrConfiguration, batchSize, blockSize)
	}
	if len(tokens) <= blockSize {
		return Batch{}, fmt.Errorf("%w: %d tokens cannot fill a window of %d plus its target", ErrInsufficientData, len(tokens), blockSize)
	}

	starts := len(tokens) - blockSize
	b := Batch{
		Inputs:  make([][]int, batchSize),
		Targets: make([][]int, batchSize),
	}
	for i := 0; i < batchSize; i++ {
		start := s.rng.IntN(starts)
		b.Inputs[i] = tokens[start : start+blockSize : start+blockSize]
		b.Targets[i] = tokens[start+1 : start+blockSize+1 : start+blockSize+1]
	}
	return b, nil
}
