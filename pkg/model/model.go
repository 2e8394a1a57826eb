// Package model implements a character-level GPT on top of gorgonia
// expression graphs.
//
// The model owns its parameters as *tensor.Dense values. Every distinct
// (batch, time, mode) combination gets its own compiled graph that binds those
// values, so an evaluation pass never runs on the training graph and dropout
// is decided per pass rather than by a mode flag stored on the model.
package model

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"afrigpt/pkg/config"
)

var (
	// ErrResourceExhausted is returned when a forward pass would need more
	// workspace than the configured limit.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrNoGradients is returned by Step when no Train forward preceded it.
	ErrNoGradients = errors.New("no gradients to apply")
)

// LanguageModel stacks transformer blocks between token+position embeddings
// and a projection to vocabulary logits.
type LanguageModel struct {
	cfg       config.Config
	vocabSize int
	rng       *rand.Rand

	tokenEmbedding    *Param
	positionEmbedding *Param
	blocks            []*block
	finalNorm         *layerNorm
	head              *linear
	params            []*Param
	mask              *CausalMask

	mu      sync.Mutex
	graphs  map[graphKey]*graph
	pending *graph
}

// Output is the result of one forward pass.
type Output struct {
	// Logits has shape (batch, time, vocab).
	Logits *tensor.Dense
	// Loss is the mean cross-entropy over all positions; valid when HasLoss.
	Loss    float64
	HasLoss bool
	// Attention holds the post-softmax weights of every head, indexed
	// [layer][head], each of shape (batch, time, time). Only Attention
	// fills it.
	Attention [][]*tensor.Dense
}

// New validates cfg and initializes a model for a vocabulary of vocabSize.
// rng is the run's shared random stream; it is used for initial weights,
// dropout masks and sampling.
func New(cfg config.Config, vocabSize int, rng *rand.Rand) (*LanguageModel, error) {
	if err := cfg.ValidateModel(); err != nil {
		return nil, err
	}
	if vocabSize <= 0 {
		return nil, fmt.Errorf("%w: vocabulary size must be positive, got %d", config.ErrConfiguration, vocabSize)
	}

	r := &registry{rng: rng}
	m := &LanguageModel{
		cfg:       cfg,
		vocabSize: vocabSize,
		rng:       rng,
		mask:      NewCausalMask(cfg.BlockSize),
		graphs:    make(map[graphKey]*graph),
	}
	c := cfg.EmbeddingSize
	m.tokenEmbedding = r.weight("token_embedding", vocabSize, c)
	m.positionEmbedding = r.weight("position_embedding", cfg.BlockSize, c)
	m.blocks = make([]*block, cfg.NumLayers)
	for i := range m.blocks {
		m.blocks[i] = newBlock(r, fmt.Sprintf("block%d", i), cfg, m.mask)
	}
	m.finalNorm = newLayerNorm(r, "final_norm", c)
	m.head = newLinear(r, "lm_head", c, vocabSize, true)
	m.params = r.params
	return m, nil
}

// Config returns the configuration the model was built with.
func (m *LanguageModel) Config() config.Config { return m.cfg }

// VocabSize returns the number of output classes.
func (m *LanguageModel) VocabSize() int { return m.vocabSize }

// Params returns the learnable parameters in a stable order.
func (m *LanguageModel) Params() []*Param { return m.params }

// NumParams returns the number of learnable scalars.
func (m *LanguageModel) NumParams() int {
	n := 0
	for _, p := range m.params {
		n += p.Size()
	}
	return n
}

// Forward runs the model on a rectangular batch of windows. When targets is
// non-nil it must have the same shape as inputs and the mean cross-entropy is
// returned as well. Train mode requires targets and enables dropout; the
// gradients it computes are applied by the next call to Step.
func (m *LanguageModel) Forward(inputs, targets [][]int, mode Mode) (Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forward(inputs, targets, mode, false)
}

// Attention runs an Eval pass on inputs and also returns the attention
// weights of every head.
func (m *LanguageModel) Attention(inputs [][]int) (Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forward(inputs, nil, Eval, true)
}

func (m *LanguageModel) forward(inputs, targets [][]int, mode Mode, withAttention bool) (Output, error) {
	b, t, err := m.checkBatch(inputs, targets)
	if err != nil {
		return Output{}, err
	}
	if mode == Train && targets == nil {
		return Output{}, errors.New("train mode forward requires targets")
	}

	gr, err := m.graphFor(graphKey{batch: b, time: t, mode: mode, targets: targets != nil})
	if err != nil {
		return Output{}, err
	}
	if err := m.run(gr, inputs, targets); err != nil {
		return Output{}, err
	}

	out := Output{
		Logits: tensor.New(
			tensor.WithShape(b, t, m.vocabSize),
			tensor.WithBacking(cloneData(gr.logits)),
		),
	}
	if targets != nil {
		if out.Loss, err = scalarValue(gr.loss); err != nil {
			return Output{}, err
		}
		out.HasLoss = true
	}
	if withAttention {
		out.Attention = m.attentionOf(gr)
	}
	if mode == Train {
		m.pending = gr
	} else {
		m.pending = nil
	}
	return out, nil
}

// Step applies one solver update using the gradients of the last Train
// forward.
func (m *LanguageModel) Step(solver gorgonia.Solver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gr := m.pending
	if gr == nil {
		return ErrNoGradients
	}
	m.pending = nil
	if err := solver.Step(gorgonia.NodesToValueGrads(gr.learn)); err != nil {
		return fmt.Errorf("solver step: %w", err)
	}
	// The solver updates the training graph's values; Param values must stay
	// authoritative for every other graph.
	for i, p := range m.params {
		if d, ok := gr.learn[i].Value().(*tensor.Dense); ok && d != p.Value {
			copy(p.data(), d.Data().([]float64))
		}
	}
	return nil
}

// Close releases the compiled graphs.
func (m *LanguageModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for k, gr := range m.graphs {
		if err := gr.vm.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.graphs, k)
	}
	m.pending = nil
	return errors.Join(errs...)
}

func (m *LanguageModel) checkBatch(inputs, targets [][]int) (int, int, error) {
	b := len(inputs)
	if b == 0 || len(inputs[0]) == 0 {
		return 0, 0, fmt.Errorf("%w: empty input batch", config.ErrConfiguration)
	}
	t := len(inputs[0])
	if t > m.cfg.BlockSize {
		return 0, 0, fmt.Errorf("%w: window of %d tokens exceeds block size %d", config.ErrConfiguration, t, m.cfg.BlockSize)
	}
	if targets != nil && len(targets) != b {
		return 0, 0, fmt.Errorf("%w: %d target rows for %d input rows", config.ErrConfiguration, len(targets), b)
	}
	check := func(what string, rows [][]int) error {
		for i, row := range rows {
			if len(row) != t {
				return fmt.Errorf("%w: %s row %d has %d tokens, want %d", config.ErrConfiguration, what, i, len(row), t)
			}
			for _, id := range row {
				if id < 0 || id >= m.vocabSize {
					return fmt.Errorf("%w: %s id %d outside vocabulary of %d", config.ErrConfiguration, what, id, m.vocabSize)
				}
			}
		}
		return nil
	}
	if err := check("input", inputs); err != nil {
		return 0, 0, err
	}
	if targets != nil {
		if err := check("target", targets); err != nil {
			return 0, 0, err
		}
	}

	if limit := m.cfg.MaxGraphElements; limit > 0 {
		need := m.cfg.NumLayers*m.cfg.NumHeads*b*t*t + b*t*m.vocabSize
		if need > limit {
			return 0, 0, fmt.Errorf("%w: batch %dx%d needs %d workspace elements, limit is %d", ErrResourceExhausted, b, t, need, limit)
		}
	}
	return b, t, nil
}

func (m *LanguageModel) graphFor(key graphKey) (*graph, error) {
	if gr, ok := m.graphs[key]; ok {
		return gr, nil
	}
	gr, err := m.build(key)
	if err != nil {
		return nil, fmt.Errorf("building %s graph for batch %dx%d: %w", key.mode, key.batch, key.time, err)
	}
	m.graphs[key] = gr
	return gr, nil
}

func (m *LanguageModel) build(key graphKey) (*graph, error) {
	gr := newGraph(key)
	n := gr.rows()

	gr.tokens, gr.tokenVal = gr.input("tokens", n, m.vocabSize)
	tok, err := gorgonia.Mul(gr.tokens, gr.param(m.tokenEmbedding))
	if err != nil {
		return nil, fmt.Errorf("token embedding: %w", err)
	}
	positions := gorgonia.NewTensor(gr.g, tensor.Float64, 2,
		gorgonia.WithShape(n, m.cfg.BlockSize),
		gorgonia.WithName("positions"),
		gorgonia.WithValue(positionOneHot(key.batch, key.time, m.cfg.BlockSize)),
	)
	pos, err := gorgonia.Mul(positions, gr.param(m.positionEmbedding))
	if err != nil {
		return nil, fmt.Errorf("position embedding: %w", err)
	}
	x, err := gorgonia.Add(tok, pos)
	if err != nil {
		return nil, err
	}

	for i, blk := range m.blocks {
		if x, err = blk.forward(gr, x); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	if x, err = m.finalNorm.forward(gr, x); err != nil {
		return nil, err
	}
	logits, err := m.head.forward(gr, x)
	if err != nil {
		return nil, fmt.Errorf("lm head: %w", err)
	}
	gorgonia.Read(logits, &gr.logits)

	var loss *gorgonia.Node
	if key.targets {
		gr.targets, gr.targetVal = gr.input("targets", n, m.vocabSize)
		if loss, err = crossEntropy(logits, gr.targets); err != nil {
			return nil, fmt.Errorf("loss: %w", err)
		}
		gorgonia.Read(loss, &gr.loss)
	}

	if key.mode != Train {
		gr.vm = gorgonia.NewTapeMachine(gr.g)
		return gr, nil
	}
	gr.learn = make([]*gorgonia.Node, len(m.params))
	for i, p := range m.params {
		gr.learn[i] = gr.param(p)
	}
	if _, err := gorgonia.Grad(loss, gr.learn...); err != nil {
		return nil, fmt.Errorf("gradients: %w", err)
	}
	gr.vm = gorgonia.NewTapeMachine(gr.g, gorgonia.BindDualValues(gr.learn...))
	return gr, nil
}

func (m *LanguageModel) run(gr *graph, inputs, targets [][]int) error {
	oneHot(gr.tokenVal, inputs, m.vocabSize)
	if err := gorgonia.Let(gr.tokens, gr.tokenVal); err != nil {
		return err
	}
	if targets != nil {
		oneHot(gr.targetVal, targets, m.vocabSize)
		if err := gorgonia.Let(gr.targets, gr.targetVal); err != nil {
			return err
		}
	}
	if err := gr.drawMasks(m.rng); err != nil {
		return err
	}
	gr.vm.Reset()
	if err := gr.vm.RunAll(); err != nil {
		return fmt.Errorf("%s pass failed: %w", gr.key.mode, err)
	}
	return nil
}

func (m *LanguageModel) attentionOf(gr *graph) [][]*tensor.Dense {
	b, t := gr.key.batch, gr.key.time
	heads := m.cfg.NumHeads
	out := make([][]*tensor.Dense, len(m.blocks))
	for l := range out {
		out[l] = make([]*tensor.Dense, heads)
		for h := range out[l] {
			out[l][h] = tensor.New(
				tensor.WithShape(b, t, t),
				tensor.WithBacking(cloneData(*gr.attention[l*heads+h])),
			)
		}
	}
	return out
}

// crossEntropy is mean(logsumexp(logits) - logits[target]) over rows, with
// targets given as one-hot rows. Both terms are taken on logits shifted by
// their row max, which leaves the difference unchanged.
func crossEntropy(logits, targets *gorgonia.Node) (*gorgonia.Node, error) {
	shifted, err := subRowMax(logits)
	if err != nil {
		return nil, err
	}
	exp, err := gorgonia.Exp(shifted)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Sum(exp, 1)
	if err != nil {
		return nil, err
	}
	lse, err := gorgonia.Log(sum)
	if err != nil {
		return nil, err
	}
	picked, err := gorgonia.HadamardProd(shifted, targets)
	if err != nil {
		return nil, err
	}
	if picked, err = gorgonia.Sum(picked, 1); err != nil {
		return nil, err
	}
	nll, err := gorgonia.Sub(lse, picked)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mean(nll)
}

func oneHot(dst *tensor.Dense, rows [][]int, width int) {
	data := dst.Data().([]float64)
	clear(data)
	i := 0
	for _, row := range rows {
		for _, id := range row {
			data[i*width+id] = 1
			i++
		}
	}
}

// positionOneHot selects rows 0..t-1 of the position table for every window.
func positionOneHot(batch, t, block int) *tensor.Dense {
	backing := make([]float64, batch*t*block)
	for b := 0; b < batch; b++ {
		for p := 0; p < t; p++ {
			backing[(b*t+p)*block+p] = 1
		}
	}
	return tensor.New(tensor.WithShape(batch*t, block), tensor.WithBacking(backing))
}

func cloneData(v gorgonia.Value) []float64 {
	src := v.Data().([]float64)
	dst := make([]float64, len(src))
	copy(dst, src)
	return dst
}

func scalarValue(v gorgonia.Value) (float64, error) {
	switch d := v.Data().(type) {
	case float64:
		return d, nil
	case []float64:
		if len(d) == 1 {
			return d[0], nil
		}
	}
	return 0, fmt.Errorf("expected scalar loss, got %T", v.Data())
}
