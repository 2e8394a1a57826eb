package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"indivisible heads", func(c *Config) { c.EmbeddingSize, c.NumHeads = 65, 16 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"negative block", func(c *Config) { c.BlockSize = -1 }},
		{"zero heads", func(c *Config) { c.NumHeads = 0 }},
		{"zero layers", func(c *Config) { c.NumLayers = 0 }},
		{"dropout one", func(c *Config) { c.Dropout = 1 }},
		{"bad override", func(c *Config) { p := -0.5; c.HeadDropout = &p }},
		{"zero eval interval", func(c *Config) { c.EvalInterval = 0 }},
		{"zero lr", func(c *Config) { c.LearningRate = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestDropoutAt(t *testing.T) {
	cfg := Default()
	cfg.Dropout = 0.2
	ff := 0.05
	cfg.FeedForwardDropout = &ff

	if got := cfg.DropoutAt(SiteHead); got != 0.2 {
		t.Errorf("head dropout = %v, want 0.2", got)
	}
	if got := cfg.DropoutAt(SiteProjection); got != 0.2 {
		t.Errorf("projection dropout = %v, want 0.2", got)
	}
	if got := cfg.DropoutAt(SiteFeedForward); got != 0.05 {
		t.Errorf("feed-forward dropout = %v, want 0.05", got)
	}
}

func TestLogName(t *testing.T) {
	cfg := Default()
	cfg.LearningRate = 0.003
	cfg.BatchSize = 32
	cfg.BlockSize = 64
	cfg.Dropout = 0.2
	cfg.NumHeads = 8
	cfg.NumLayers = 6

	want := "losses_lr0.003_bs32_bl64_do0.2_h8_l6.csv"
	if got := cfg.LogName(); got != want {
		t.Errorf("LogName() = %q, want %q", got, want)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"batch_size": 4, "head_dropout": 0}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchSize != 4 {
		t.Errorf("batch size = %d, want 4", cfg.BatchSize)
	}
	if cfg.BlockSize != Default().BlockSize {
		t.Errorf("block size not defaulted: %d", cfg.BlockSize)
	}
	if cfg.DropoutAt(SiteHead) != 0 || cfg.DropoutAt(SiteFeedForward) != cfg.Dropout {
		t.Errorf("unexpected dropout sites: head=%v ff=%v", cfg.DropoutAt(SiteHead), cfg.DropoutAt(SiteFeedForward))
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{"batchsize": 4}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); !errors.Is(err, ErrConfiguration) {
		t.Errorf("unknown field: expected ErrConfiguration, got %v", err)
	}
}
