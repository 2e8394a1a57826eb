package model

import (
	"fmt"

	"gorgonia.org/gorgonia"

	"afrigpt/pkg/config"
)

// feedForward is the position-wise expand, ReLU, contract sublayer.
type feedForward struct {
	expand, contract *linear
	dropout          float64
}

func newFeedForward(r *registry, name string, cfg config.Config) *feedForward {
	hidden := cfg.Widening * cfg.EmbeddingSize
	return &feedForward{
		expand:   newLinear(r, name+".expand", cfg.EmbeddingSize, hidden, true),
		contract: newLinear(r, name+".contract", hidden, cfg.EmbeddingSize, true),
		dropout:  cfg.DropoutAt(config.SiteFeedForward),
	}
}

func (f *feedForward) forward(gr *graph, x *gorgonia.Node) (*gorgonia.Node, error) {
	h, err := f.expand.forward(gr, x)
	if err != nil {
		return nil, err
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, err
	}
	y, err := f.contract.forward(gr, h)
	if err != nil {
		return nil, err
	}
	return gr.dropout(y, f.dropout)
}

// block is one pre-norm transformer layer:
//
//	x = x + attention(norm1(x))
//	x = x + feedForward(norm2(x))
type block struct {
	norm1, norm2 *layerNorm
	attention    *multiHeadAttention
	feedForward  *feedForward
}

func newBlock(r *registry, name string, cfg config.Config, mask *CausalMask) *block {
	return &block{
		norm1:       newLayerNorm(r, name+".norm1", cfg.EmbeddingSize),
		attention:   newMultiHeadAttention(r, name+".attn", cfg, mask),
		norm2:       newLayerNorm(r, name+".norm2", cfg.EmbeddingSize),
		feedForward: newFeedForward(r, name+".ffwd", cfg),
	}
}

func (b *block) forward(gr *graph, x *gorgonia.Node) (*gorgonia.Node, error) {
	h, err := b.norm1.forward(gr, x)
	if err != nil {
		return nil, err
	}
	if h, err = b.attention.forward(gr, h); err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	if x, err = gorgonia.Add(x, h); err != nil {
		return nil, err
	}
	if h, err = b.norm2.forward(gr, x); err != nil {
		return nil, err
	}
	if h, err = b.feedForward.forward(gr, h); err != nil {
		return nil, fmt.Errorf("feed-forward: %w", err)
	}
	return gorgonia.Add(x, h)
}
