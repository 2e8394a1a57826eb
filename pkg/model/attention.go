package model

import (
	"fmt"
	"math"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"afrigpt/pkg/config"
)

// attentionHead is a single causal self-attention unit.
type attentionHead struct {
	query, key, value *linear
	headSize          int
	dropout           float64
	mask              *CausalMask
}

func newAttentionHead(r *registry, name string, cfg config.Config, mask *CausalMask) *attentionHead {
	c, hs := cfg.EmbeddingSize, cfg.HeadSize()
	return &attentionHead{
		query:    newLinear(r, name+".query", c, hs, false),
		key:      newLinear(r, name+".key", c, hs, false),
		value:    newLinear(r, name+".value", c, hs, false),
		headSize: hs,
		dropout:  cfg.DropoutAt(config.SiteHead),
		mask:     mask,
	}
}

// forward maps x of shape (batch·time, embedding) to (batch·time, headSize).
func (h *attentionHead) forward(gr *graph, x *gorgonia.Node) (*gorgonia.Node, error) {
	b, t := gr.key.batch, gr.key.time

	split := func(l *linear) (*gorgonia.Node, error) {
		n, err := l.forward(gr, x)
		if err != nil {
			return nil, err
		}
		return gorgonia.Reshape(n, tensor.Shape{b, t, h.headSize})
	}
	q, err := split(h.query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	k, err := split(h.key)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	v, err := split(h.value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}

	kT, err := gorgonia.Transpose(k, 0, 2, 1)
	if err != nil {
		return nil, err
	}
	scores, err := gorgonia.BatchedMatMul(q, kT)
	if err != nil {
		return nil, fmt.Errorf("scores: %w", err)
	}
	if gr.scale == nil {
		gr.scale = gr.scalar("attention_scale", 1/math.Sqrt(float64(h.headSize)))
	}
	if scores, err = gorgonia.Mul(scores, gr.scale); err != nil {
		return nil, err
	}
	if gr.causal == nil {
		gr.causal = gorgonia.NewTensor(gr.g, tensor.Float64, 3,
			gorgonia.WithShape(b, t, t),
			gorgonia.WithName("causal_mask"),
			gorgonia.WithValue(h.mask.additive(b, t)),
		)
	}
	if scores, err = gorgonia.Add(scores, gr.causal); err != nil {
		return nil, err
	}

	weights, err := softmaxLast(scores)
	if err != nil {
		return nil, fmt.Errorf("softmax: %w", err)
	}
	gr.watch(weights)
	if weights, err = gr.dropout(weights, h.dropout); err != nil {
		return nil, err
	}

	out, err := gorgonia.BatchedMatMul(weights, v)
	if err != nil {
		return nil, fmt.Errorf("weighted values: %w", err)
	}
	return gorgonia.Reshape(out, tensor.Shape{b * t, h.headSize})
}

// multiHeadAttention runs independent heads on the same input, concatenates
// them back to the embedding width and projects the result.
type multiHeadAttention struct {
	heads   []*attentionHead
	proj    *linear
	dropout float64
}

func newMultiHeadAttention(r *registry, name string, cfg config.Config, mask *CausalMask) *multiHeadAttention {
	m := &multiHeadAttention{
		heads:   make([]*attentionHead, cfg.NumHeads),
		dropout: cfg.DropoutAt(config.SiteProjection),
	}
	for i := range m.heads {
		m.heads[i] = newAttentionHead(r, fmt.Sprintf("%s.head%d", name, i), cfg, mask)
	}
	m.proj = newLinear(r, name+".proj", cfg.EmbeddingSize, cfg.EmbeddingSize, true)
	return m
}

func (m *multiHeadAttention) forward(gr *graph, x *gorgonia.Node) (*gorgonia.Node, error) {
	outs := make([]*gorgonia.Node, len(m.heads))
	for i, h := range m.heads {
		out, err := h.forward(gr, x)
		if err != nil {
			return nil, fmt.Errorf("head %d: %w", i, err)
		}
		outs[i] = out
	}
	cat := outs[0]
	if len(outs) > 1 {
		var err error
		if cat, err = gorgonia.Concat(1, outs...); err != nil {
			return nil, err
		}
	}
	y, err := m.proj.forward(gr, cat)
	if err != nil {
		return nil, err
	}
	return gr.dropout(y, m.dropout)
}
