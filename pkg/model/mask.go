package model

import "gorgonia.org/tensor"

// maskedScore is added to attention scores of future positions. exp of it
// underflows to exactly zero in float64.
const maskedScore = -1e9

// CausalMask is the lower-triangular (inclusive) visibility matrix of a
// context window. It is built once per model and never mutated.
type CausalMask struct {
	size    int
	visible []bool
}

// NewCausalMask builds the mask for windows of up to size tokens.
func NewCausalMask(size int) *CausalMask {
	m := &CausalMask{size: size, visible: make([]bool, size*size)}
	for q := 0; q < size; q++ {
		for k := 0; k <= q; k++ {
			m.visible[q*size+k] = true
		}
	}
	return m
}

// Visible reports whether query position q may attend to key position k.
func (m *CausalMask) Visible(q, k int) bool {
	return m.visible[q*m.size+k]
}

// additive returns a (batch, t, t) tensor holding 0 where attention is
// allowed and maskedScore elsewhere.
func (m *CausalMask) additive(batch, t int) *tensor.Dense {
	backing := make([]float64, batch*t*t)
	for b := 0; b < batch; b++ {
		for q := 0; q < t; q++ {
			row := backing[(b*t+q)*t : (b*t+q+1)*t]
			for k := range row {
				if !m.Visible(q, k) {
					row[k] = maskedScore
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(batch, t, t), tensor.WithBacking(backing))
}
