package model

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"
)

// initStd is the standard deviation of linear and embedding weights.
const initStd = 0.02

// Param is one learnable tensor. Value is owned by the model and updated in
// place by the optimizer; every graph built by the model binds the same value.
type Param struct {
	Name  string
	Value *tensor.Dense
}

func (p *Param) data() []float64 {
	return p.Value.Data().([]float64)
}

// Size is the number of scalars in the parameter.
func (p *Param) Size() int {
	return p.Value.Shape().TotalSize()
}

type initializer func([]float64)

func normalInit(rng *rand.Rand, std float64) initializer {
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: rng}
	return func(xs []float64) {
		for i := range xs {
			xs[i] = dist.Rand()
		}
	}
}

func constInit(v float64) initializer {
	return func(xs []float64) {
		for i := range xs {
			xs[i] = v
		}
	}
}

// registry collects parameters in construction order, which fixes the order
// random values are drawn in.
type registry struct {
	rng    *rand.Rand
	params []*Param
}

func (r *registry) add(name string, init initializer, shape ...int) *Param {
	size := 1
	for _, d := range shape {
		size *= d
	}
	backing := make([]float64, size)
	init(backing)
	p := &Param{
		Name:  name,
		Value: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)),
	}
	r.params = append(r.params, p)
	return p
}

func (r *registry) weight(name string, shape ...int) *Param {
	return r.add(name, normalInit(r.rng, initStd), shape...)
}

func (r *registry) zeros(name string, shape ...int) *Param {
	return r.add(name, constInit(0), shape...)
}

func (r *registry) ones(name string, shape ...int) *Param {
	return r.add(name, constInit(1), shape...)
}
