// Package train drives optimization and periodic evaluation of a language
// model.
package train

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"

	"gorgonia.org/gorgonia"

	"afrigpt/pkg/config"
	"afrigpt/pkg/data"
	"afrigpt/pkg/model"
)

// Dataset holds the encoded splits of a corpus.
type Dataset struct {
	Train []int
	Dev   []int
	Test  []int
}

// Split selects which data EstimateLoss evaluates.
type Split int

const (
	// SplitTrain evaluates the train and dev splits.
	SplitTrain Split = iota
	// SplitTest evaluates the test split only.
	SplitTest
)

// Losses are per-split mean losses. Splits that were not evaluated are NaN.
type Losses struct {
	Train float64
	Dev   float64
	Test  float64
}

// Trainer owns the optimizer and schedule of one run. It is the only mutator
// of the model's parameters, and evaluation never runs in the middle of a
// step.
type Trainer struct {
	cfg     config.Config
	model   *model.LanguageModel
	sampler *data.Sampler
	data    Dataset

	solver   *gorgonia.AdamSolver
	schedule *OneCycle
	sinks    []Sink
	logger   *log.Logger
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithSink adds a destination for loss records.
func WithSink(s Sink) Option {
	return func(t *Trainer) { t.sinks = append(t.sinks, s) }
}

// WithLogger sets the progress logger. The default discards output.
func WithLogger(l *log.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

// New validates cfg and prepares a run. The sampler should share the model's
// random source for end-to-end determinism.
func New(cfg config.Config, m *model.LanguageModel, sampler *data.Sampler, ds Dataset, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	solverOpts := []gorgonia.SolverOpt{gorgonia.WithLearnRate(cfg.LearningRate)}
	if cfg.WeightDecay > 0 {
		solverOpts = append(solverOpts, gorgonia.WithL2Reg(cfg.WeightDecay))
	}
	if cfg.GradClip > 0 {
		solverOpts = append(solverOpts, gorgonia.WithClip(cfg.GradClip))
	}

	t := &Trainer{
		cfg:      cfg,
		model:    m,
		sampler:  sampler,
		data:     ds,
		solver:   gorgonia.NewAdamSolver(solverOpts...),
		schedule: NewOneCycle(cfg.LearningRate, cfg.MaxIters),
		logger:   log.New(io.Discard, "", 0),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// EstimateLoss averages the loss of EvalIters sampled batches per split with
// dropout disabled.
func (t *Trainer) EstimateLoss(split Split) (Losses, error) {
	out := Losses{Train: math.NaN(), Dev: math.NaN(), Test: math.NaN()}
	var err error
	switch split {
	case SplitTrain:
		if out.Train, err = t.meanLoss("train", t.data.Train); err != nil {
			return out, err
		}
		if out.Dev, err = t.meanLoss("dev", t.data.Dev); err != nil {
			return out, err
		}
	case SplitTest:
		if out.Test, err = t.meanLoss("test", t.data.Test); err != nil {
			return out, err
		}
	default:
		return out, fmt.Errorf("unknown split %d", split)
	}
	return out, nil
}

func (t *Trainer) meanLoss(name string, tokens []int) (float64, error) {
	var sum float64
	for i := 0; i < t.cfg.EvalIters; i++ {
		b, err := t.sampler.Sample(tokens, t.cfg.BatchSize, t.cfg.BlockSize)
		if err != nil {
			return 0, fmt.Errorf("%s split: %w", name, err)
		}
		out, err := t.model.Forward(b.Inputs, b.Targets, model.Eval)
		if err != nil {
			return 0, fmt.Errorf("%s split: %w", name, err)
		}
		sum += out.Loss
	}
	return sum / float64(t.cfg.EvalIters), nil
}

// Run trains for MaxIters steps. Every EvalInterval steps and on the last step
// it evaluates and hands a Record to each sink before continuing. Errors abort
// the run; records already written are kept by the sinks and returned.
func (t *Trainer) Run(ctx context.Context) ([]Record, error) {
	var records []Record
	for iter := 0; iter < t.cfg.MaxIters; iter++ {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		if iter%t.cfg.EvalInterval == 0 || iter == t.cfg.MaxIters-1 {
			rec, err := t.evaluate(iter)
			if err != nil {
				return records, err
			}
			records = append(records, rec)
		}

		if err := t.step(); err != nil {
			return records, fmt.Errorf("step %d: %w", iter, err)
		}
	}
	return records, nil
}

func (t *Trainer) evaluate(iter int) (Record, error) {
	l, err := t.EstimateLoss(SplitTrain)
	if err != nil {
		return Record{}, fmt.Errorf("evaluation at step %d: %w", iter, err)
	}
	rec := Record{
		Iter:      iter,
		TrainLoss: l.Train,
		ValLoss:   l.Dev,
		BPC:       l.Dev / math.Ln2,
	}
	for _, s := range t.sinks {
		if err := s.Write(rec); err != nil {
			return rec, fmt.Errorf("writing record for step %d: %w", iter, err)
		}
	}
	t.logger.Printf("step %d: train loss %.4f, val loss %.4f, bpc %.4f, lr %.2e",
		iter, rec.TrainLoss, rec.ValLoss, rec.BPC, t.schedule.LR())
	return rec, nil
}

func (t *Trainer) step() error {
	b, err := t.sampler.Sample(t.data.Train, t.cfg.BatchSize, t.cfg.BlockSize)
	if err != nil {
		return err
	}
	if _, err := t.model.Forward(b.Inputs, b.Targets, model.Train); err != nil {
		return err
	}
	gorgonia.WithLearnRate(t.schedule.LR())(t.solver)
	if err := t.model.Step(t.solver); err != nil {
		return err
	}
	t.schedule.Step()
	return nil
}
