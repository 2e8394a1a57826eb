package model

import (
	"fmt"
	"math/rand/v2"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Mode selects training or evaluation behaviour for one forward pass. It is
// passed explicitly; the model itself holds no mode flag.
type Mode int

const (
	Eval Mode = iota
	Train
)

func (m Mode) String() string {
	if m == Train {
		return "train"
	}
	return "eval"
}

type graphKey struct {
	batch, time int
	mode        Mode
	targets     bool
}

type dropoutMask struct {
	node  *gorgonia.Node
	value *tensor.Dense
	p     float64
}

// graph is one compiled expression graph for a fixed batch and window shape.
// Parameter nodes are bound to the model's Param values, so all graphs of a
// model see the same weights.
type graph struct {
	key graphKey
	g   *gorgonia.ExprGraph

	bound map[*Param]*gorgonia.Node
	learn []*gorgonia.Node // parallel to the model's params, Train graphs only

	tokens, targets     *gorgonia.Node
	tokenVal, targetVal *tensor.Dense
	masks               []dropoutMask

	logits     gorgonia.Value
	loss       gorgonia.Value
	attention  []*gorgonia.Value // layer-major, one per head, Eval graphs only
	causal     *gorgonia.Node
	scale      *gorgonia.Node
	layerNormE *gorgonia.Node

	vm gorgonia.VM
}

func newGraph(key graphKey) *graph {
	return &graph{
		key:   key,
		g:     gorgonia.NewGraph(),
		bound: make(map[*Param]*gorgonia.Node),
	}
}

func (gr *graph) rows() int {
	return gr.key.batch * gr.key.time
}

// param returns the node bound to p, creating it on first use.
func (gr *graph) param(p *Param) *gorgonia.Node {
	if n, ok := gr.bound[p]; ok {
		return n
	}
	shape := p.Value.Shape()
	n := gorgonia.NewTensor(gr.g, tensor.Float64, shape.Dims(),
		gorgonia.WithShape(shape...),
		gorgonia.WithName(p.Name),
		gorgonia.WithValue(p.Value),
	)
	gr.bound[p] = n
	return n
}

func (gr *graph) input(name string, shape ...int) (*gorgonia.Node, *tensor.Dense) {
	val := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float64, prod(shape))))
	n := gorgonia.NewTensor(gr.g, tensor.Float64, len(shape),
		gorgonia.WithShape(shape...),
		gorgonia.WithName(name),
		gorgonia.WithValue(val),
	)
	return n, val
}

func (gr *graph) scalar(name string, v float64) *gorgonia.Node {
	return gorgonia.NewScalar(gr.g, tensor.Float64, gorgonia.WithName(name), gorgonia.WithValue(v))
}

// dropout zeroes elements of x with probability p in Train graphs and scales
// the survivors by 1/(1-p). Masks are redrawn from the model's random source
// before every run.
func (gr *graph) dropout(x *gorgonia.Node, p float64) (*gorgonia.Node, error) {
	if gr.key.mode != Train || p == 0 {
		return x, nil
	}
	shape := x.Shape().Clone()
	mask, val := gr.input(fmt.Sprintf("dropout_%d", len(gr.masks)), shape...)
	gr.masks = append(gr.masks, dropoutMask{node: mask, value: val, p: p})
	return gorgonia.HadamardProd(x, mask)
}

func (gr *graph) drawMasks(rng *rand.Rand) error {
	for _, m := range gr.masks {
		keep := 1 / (1 - m.p)
		data := m.value.Data().([]float64)
		for i := range data {
			if rng.Float64() < m.p {
				data[i] = 0
			} else {
				data[i] = keep
			}
		}
		if err := gorgonia.Let(m.node, m.value); err != nil {
			return err
		}
	}
	return nil
}

// watch records the value of n after each run in Eval graphs.
func (gr *graph) watch(n *gorgonia.Node) {
	if gr.key.mode == Train {
		return
	}
	slot := new(gorgonia.Value)
	gorgonia.Read(n, slot)
	gr.attention = append(gr.attention, slot)
}

// linear is x·W (+ b). W has shape (in, out) and b (1, out).
type linear struct {
	w, b *Param
}

func newLinear(r *registry, name string, in, out int, bias bool) *linear {
	l := &linear{w: r.weight(name+".w", in, out)}
	if bias {
		l.b = r.zeros(name+".b", 1, out)
	}
	return l
}

func (l *linear) forward(gr *graph, x *gorgonia.Node) (*gorgonia.Node, error) {
	xw, err := gorgonia.Mul(x, gr.param(l.w))
	if err != nil {
		return nil, err
	}
	if l.b == nil {
		return xw, nil
	}
	return gorgonia.BroadcastAdd(xw, gr.param(l.b), nil, []byte{0})
}

const layerNormEps = 1e-5

// layerNorm normalizes each row of an (n, c) node to zero mean and unit
// variance, then applies a learned gain and bias.
type layerNorm struct {
	gain, bias *Param
}

func newLayerNorm(r *registry, name string, c int) *layerNorm {
	return &layerNorm{
		gain: r.ones(name+".gain", 1, c),
		bias: r.zeros(name+".bias", 1, c),
	}
}

func (ln *layerNorm) forward(gr *graph, x *gorgonia.Node) (*gorgonia.Node, error) {
	n := x.Shape()[0]
	if gr.layerNormE == nil {
		gr.layerNormE = gr.scalar("layernorm_eps", layerNormEps)
	}

	mean, err := gorgonia.Mean(x, 1)
	if err != nil {
		return nil, err
	}
	if mean, err = gorgonia.Reshape(mean, tensor.Shape{n, 1}); err != nil {
		return nil, err
	}
	centered, err := gorgonia.BroadcastSub(x, mean, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	sq, err := gorgonia.Square(centered)
	if err != nil {
		return nil, err
	}
	variance, err := gorgonia.Mean(sq, 1)
	if err != nil {
		return nil, err
	}
	if variance, err = gorgonia.Reshape(variance, tensor.Shape{n, 1}); err != nil {
		return nil, err
	}
	if variance, err = gorgonia.Add(variance, gr.layerNormE); err != nil {
		return nil, err
	}
	std, err := gorgonia.Sqrt(variance)
	if err != nil {
		return nil, err
	}
	norm, err := gorgonia.BroadcastHadamardDiv(centered, std, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	scaled, err := gorgonia.BroadcastHadamardProd(norm, gr.param(ln.gain), nil, []byte{0})
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(scaled, gr.param(ln.bias), nil, []byte{0})
}

// softmaxLast normalizes a (b, t, t) node over its last axis. The row max is
// subtracted first; masked entries still come out as exactly zero.
func softmaxLast(x *gorgonia.Node) (*gorgonia.Node, error) {
	last := x.Dims() - 1
	shifted, err := subRowMax(x)
	if err != nil {
		return nil, err
	}
	exp, err := gorgonia.Exp(shifted)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Sum(exp, last)
	if err != nil {
		return nil, err
	}
	if sum, err = keepLastDim(sum, x.Shape()); err != nil {
		return nil, err
	}
	return gorgonia.BroadcastHadamardDiv(exp, sum, nil, []byte{byte(last)})
}

// subRowMax returns x minus its maximum along the last axis.
func subRowMax(x *gorgonia.Node) (*gorgonia.Node, error) {
	last := x.Dims() - 1
	mx, err := gorgonia.Max(x, last)
	if err != nil {
		return nil, err
	}
	if mx, err = keepLastDim(mx, x.Shape()); err != nil {
		return nil, err
	}
	return gorgonia.BroadcastSub(x, mx, nil, []byte{byte(last)})
}

// keepLastDim reshapes a reduction over the last axis of shape back to the
// same rank with a size-1 last dimension.
func keepLastDim(reduced *gorgonia.Node, shape tensor.Shape) (*gorgonia.Node, error) {
	last := len(shape) - 1
	keep := append(shape.Clone()[:last:last], 1)
	return gorgonia.Reshape(reduced, keep)
}

func prod(xs []int) int {
	n := 1
	for _, x := range xs {
		n *= x
	}
	return n
}
