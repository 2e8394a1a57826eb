package model

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"afrigpt/pkg/config"
)

// ErrSequenceConsumed is yielded when a token sequence is ranged over twice.
var ErrSequenceConsumed = errors.New("token sequence already consumed")

// GenerateOptions tunes sampling. The zero value samples from the plain
// softmax distribution.
type GenerateOptions struct {
	// Temperature divides the logits before softmax; 0 means 1.
	Temperature float64
	// TopK keeps only the K most likely tokens; 0 keeps all.
	TopK int
}

// Generate returns seed followed by maxNewTokens sampled ids.
func (m *LanguageModel) Generate(seed []int, maxNewTokens int, opts GenerateOptions) ([]int, error) {
	out := slices.Clone(seed)
	for id, err := range m.Tokens(seed, maxNewTokens, opts) {
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// Tokens lazily samples maxNewTokens ids continuing seed. At each step the
// running sequence is cropped to the last BlockSize tokens; the model has no
// memory beyond its window. The sequence can be ranged over once.
func (m *LanguageModel) Tokens(seed []int, maxNewTokens int, opts GenerateOptions) iter.Seq2[int, error] {
	consumed := false
	return func(yield func(int, error) bool) {
		if consumed {
			yield(0, ErrSequenceConsumed)
			return
		}
		consumed = true

		if err := m.checkSeed(seed, maxNewTokens); err != nil {
			yield(0, err)
			return
		}
		running := slices.Clone(seed)
		for i := 0; i < maxNewTokens; i++ {
			id, err := m.next(running, opts)
			if err != nil {
				yield(0, err)
				return
			}
			if !yield(id, nil) {
				return
			}
			running = append(running, id)
		}
	}
}

func (m *LanguageModel) checkSeed(seed []int, maxNewTokens int) error {
	if len(seed) == 0 {
		return fmt.Errorf("%w: generation needs a non-empty seed", config.ErrConfiguration)
	}
	if maxNewTokens < 0 {
		return fmt.Errorf("%w: negative token count %d", config.ErrConfiguration, maxNewTokens)
	}
	for _, id := range seed {
		if id < 0 || id >= m.vocabSize {
			return fmt.Errorf("%w: seed id %d outside vocabulary of %d", config.ErrConfiguration, id, m.vocabSize)
		}
	}
	return nil
}

// next samples one token after running. The window is always fed at full
// BlockSize length with zero padding after the real tokens; causal masking
// keeps the padding invisible to the last real position, and it lets every
// step reuse one compiled graph.
func (m *LanguageModel) next(running []int, opts GenerateOptions) (int, error) {
	block := m.cfg.BlockSize
	window := running
	if len(window) > block {
		window = window[len(window)-block:]
	}
	padded := make([]int, block)
	copy(padded, window)
	last := len(window) - 1

	m.mu.Lock()
	defer m.mu.Unlock()

	gr, err := m.graphFor(graphKey{batch: 1, time: block, mode: Eval})
	if err != nil {
		return 0, err
	}
	if err := m.run(gr, [][]int{padded}, nil); err != nil {
		return 0, err
	}
	logits := gr.logits.Data().([]float64)
	row := slices.Clone(logits[last*m.vocabSize : (last+1)*m.vocabSize])

	probs := Softmax(row, opts.Temperature)
	if opts.TopK > 0 {
		probs = TopK(probs, opts.TopK)
	}
	return int(distuv.NewCategorical(probs, m.rng).Rand()), nil
}

// Softmax converts logits to probabilities in place and returns them.
func Softmax(logits []float64, temperature float64) []float64 {
	if temperature <= 0 {
		temperature = 1
	}
	if temperature != 1 {
		floats.Scale(1/temperature, logits)
	}
	floats.AddConst(-floats.Max(logits), logits)
	for i, v := range logits {
		logits[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(logits), logits)
	return logits
}

// TopK zeroes all but the k largest probabilities and renormalizes.
func TopK(probs []float64, k int) []float64 {
	if k <= 0 || k >= len(probs) {
		return probs
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	out := make([]float64, len(probs))
	for _, i := range idx[:k] {
		out[i] = probs[i]
	}
	if s := floats.Sum(out); s > 0 {
		floats.Scale(1/s, out)
		return out
	}
	return probs
}
