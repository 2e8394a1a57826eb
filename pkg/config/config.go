// Package config holds the hyperparameters shared by every component of a
// training run.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrConfiguration reports an invalid combination of options.
var ErrConfiguration = errors.New("configuration error")

// Config is the immutable option set of one run. It is passed by value to every
// constructor; nothing in the module keeps process-wide hyperparameters.
type Config struct {
	BatchSize    int     `json:"batch_size"`
	BlockSize    int     `json:"block_size"`
	MaxIters     int     `json:"max_iters"`
	EvalInterval int     `json:"eval_interval"`
	LearningRate float64 `json:"learning_rate"`
	EvalIters    int     `json:"eval_iters"`

	EmbeddingSize int `json:"embedding_size"`
	NumHeads      int `json:"num_heads"`
	NumLayers     int `json:"num_layers"`
	Widening      int `json:"widening"`

	// Dropout applies at every site unless the site has its own override.
	Dropout            float64  `json:"dropout"`
	HeadDropout        *float64 `json:"head_dropout,omitempty"`
	ProjectionDropout  *float64 `json:"projection_dropout,omitempty"`
	FeedForwardDropout *float64 `json:"feed_forward_dropout,omitempty"`

	Seed        uint64  `json:"seed"`
	WeightDecay float64 `json:"weight_decay"`
	GradClip    float64 `json:"grad_clip"`

	// MaxGraphElements bounds the number of float64 elements a single forward
	// graph may hold in its attention and logits workspaces. Zero disables it.
	MaxGraphElements int `json:"max_graph_elements"`
}

// Default returns the options used when nothing else is specified.
func Default() Config {
	return Config{
		BatchSize:        16,
		BlockSize:        32,
		MaxIters:         2000,
		EvalInterval:     100,
		LearningRate:     1e-3,
		EvalIters:        50,
		EmbeddingSize:    64,
		NumHeads:         4,
		NumLayers:        4,
		Widening:         4,
		Dropout:          0.1,
		Seed:             1337,
		WeightDecay:      0,
		GradClip:         1.0,
		MaxGraphElements: 1 << 26,
	}
}

// Site names a place where dropout is applied.
type Site int

const (
	SiteHead Site = iota
	SiteProjection
	SiteFeedForward
)

// DropoutAt returns the effective dropout probability at s.
func (c Config) DropoutAt(s Site) float64 {
	var p *float64
	switch s {
	case SiteHead:
		p = c.HeadDropout
	case SiteProjection:
		p = c.ProjectionDropout
	case SiteFeedForward:
		p = c.FeedForwardDropout
	}
	if p != nil {
		return *p
	}
	return c.Dropout
}

// HeadSize is EmbeddingSize / NumHeads. Call Validate first.
func (c Config) HeadSize() int {
	return c.EmbeddingSize / c.NumHeads
}

// ValidateModel checks the options that shape the network.
func (c Config) ValidateModel() error {
	switch {
	case c.BlockSize <= 0:
		return fmt.Errorf("%w: block size must be positive, got %d", ErrConfiguration, c.BlockSize)
	case c.EmbeddingSize <= 0:
		return fmt.Errorf("%w: embedding size must be positive, got %d", ErrConfiguration, c.EmbeddingSize)
	case c.NumHeads <= 0:
		return fmt.Errorf("%w: head count must be positive, got %d", ErrConfiguration, c.NumHeads)
	case c.EmbeddingSize%c.NumHeads != 0:
		return fmt.Errorf("%w: embedding size %d is not divisible by %d heads", ErrConfiguration, c.EmbeddingSize, c.NumHeads)
	case c.NumLayers <= 0:
		return fmt.Errorf("%w: layer count must be positive, got %d", ErrConfiguration, c.NumLayers)
	case c.Widening <= 0:
		return fmt.Errorf("%w: feed-forward widening must be positive, got %d", ErrConfiguration, c.Widening)
	case c.MaxGraphElements < 0:
		return fmt.Errorf("%w: max graph elements must not be negative", ErrConfiguration)
	}
	for _, s := range []Site{SiteHead, SiteProjection, SiteFeedForward} {
		if p := c.DropoutAt(s); p < 0 || p >= 1 {
			return fmt.Errorf("%w: dropout must be in [0, 1), got %v", ErrConfiguration, p)
		}
	}
	return nil
}

// Validate checks every option of a training run.
func (c Config) Validate() error {
	if err := c.ValidateModel(); err != nil {
		return err
	}
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrConfiguration, c.BatchSize)
	case c.MaxIters <= 0:
		return fmt.Errorf("%w: max iters must be positive, got %d", ErrConfiguration, c.MaxIters)
	case c.EvalInterval <= 0:
		return fmt.Errorf("%w: eval interval must be positive, got %d", ErrConfiguration, c.EvalInterval)
	case c.EvalIters <= 0:
		return fmt.Errorf("%w: eval iters must be positive, got %d", ErrConfiguration, c.EvalIters)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning rate must be positive, got %v", ErrConfiguration, c.LearningRate)
	case c.WeightDecay < 0 || c.GradClip < 0:
		return fmt.Errorf("%w: weight decay and gradient clip must not be negative", ErrConfiguration)
	}
	return nil
}

// LogName is the loss-log file name for this configuration. It encodes the
// hyperparameters that distinguish runs so logs of different runs never
// collide.
func (c Config) LogName() string {
	return fmt.Sprintf("losses_lr%s_bs%d_bl%d_do%s_h%d_l%d.csv",
		strconv.FormatFloat(c.LearningRate, 'g', -1, 64),
		c.BatchSize, c.BlockSize,
		strconv.FormatFloat(c.Dropout, 'g', -1, 64),
		c.NumHeads, c.NumLayers)
}

// Load reads a JSON file and merges it over Default.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrConfiguration, path, err)
	}
	return cfg, nil
}
