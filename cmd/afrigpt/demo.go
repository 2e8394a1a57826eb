package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"afrigpt/pkg/config"
	"afrigpt/pkg/data"
)

var demoLines = []string{
	"habari ya asubuhi, rafiki yangu.",
	"ninapenda kusoma vitabu vya hadithi.",
	"mvua inanyesha sana leo jioni.",
	"watoto wanacheza mpira uwanjani.",
	"bibi anapika chakula kitamu jikoni.",
	"tunaenda sokoni kununua matunda.",
	"jua linawaka na anga ni safi.",
	"mwalimu anafundisha darasa la kwanza.",
}

func demoCorpus() string {
	lines := strings.Join(demoLines, "\n") + "\n"
	return strings.Repeat(lines, 12)
}

func demoConfig() config.Config {
	cfg := config.Default()
	cfg.BatchSize = 8
	cfg.BlockSize = 16
	cfg.MaxIters = 300
	cfg.EvalInterval = 50
	cfg.EvalIters = 5
	cfg.LearningRate = 3e-3
	cfg.EmbeddingSize = 32
	cfg.NumHeads = 4
	cfg.NumLayers = 2
	return cfg
}

func runDemo(ctx context.Context) error {
	fmt.Printf("🤖 afrigpt Demo\n")
	fmt.Printf("===============\n\n")

	out, err := os.MkdirTemp("", "afrigpt-demo-")
	if err != nil {
		return err
	}
	splits, err := data.SplitText(demoCorpus(), 0.8, 0.1)
	if err != nil {
		return err
	}
	fmt.Printf("📚 Built-in Swahili corpus, logs in %s\n", out)

	return trainOn(ctx, trainOptions{
		Lang:    "sw",
		Out:     out,
		Samples: 2,
		Length:  120,
		Prompt:  "habari",
		Temp:    0.8,
		Config:  demoConfig(),
	}, splits, "built-in")
}
