package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Manifest describes a finished or running training run. It carries no
// weights, only what is needed to reproduce the run.
type Manifest struct {
	Language   string    `json:"language,omitempty"`
	CorpusPath string    `json:"corpus_path"`
	CorpusHash string    `json:"corpus_hash"`
	VocabSize  int       `json:"vocab_size"`
	NumParams  int       `json:"num_params"`
	LossLog    string    `json:"loss_log"`
	Config     Config    `json:"config"`
	StartedAt  time.Time `json:"started_at"`
}

// CorpusHash is the short SHA-256 fingerprint recorded in a Manifest.
func CorpusHash(corpus string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(corpus)))[:16]
}

// WriteManifest writes m as indented JSON to path.
func WriteManifest(path string, m Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}
