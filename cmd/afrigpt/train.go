package main

import (
	"context"
	"fmt"
	"log"
	"maps"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"time"

	"afrigpt/pkg/config"
	"afrigpt/pkg/data"
	"afrigpt/pkg/model"
	"afrigpt/pkg/train"
	"afrigpt/pkg/vocab"
)

func runTrain(ctx context.Context, opts trainOptions) error {
	fmt.Printf("🤖 afrigpt Training\n")
	fmt.Printf("===================\n\n")

	var splits data.Splits
	var source string
	if opts.Corpus != "" {
		source = opts.Corpus
		fmt.Printf("📚 Loading corpus from %s...\n", source)
		text, err := data.ReadCorpus(source)
		if err != nil {
			return fmt.Errorf("loading corpus: %w", err)
		}
		if splits, err = data.SplitText(text, 0.8, 0.1); err != nil {
			return err
		}
	} else {
		source = filepath.Join(opts.DataDir, opts.Lang)
		fmt.Printf("📚 Loading %s splits from %s...\n", opts.Lang, source)
		var err error
		if splits, err = data.LoadSplits(opts.DataDir, opts.Lang); err != nil {
			return fmt.Errorf("loading corpus: %w", err)
		}
	}
	return trainOn(ctx, opts, splits, source)
}

// trainOn runs the whole pipeline on already loaded splits: vocabulary,
// model, training with logging, test evaluation and sampling.
func trainOn(ctx context.Context, opts trainOptions, splits data.Splits, source string) error {
	cfg := opts.Config
	fmt.Printf("   Characters: train %d, dev %d, test %d\n",
		len([]rune(splits.Train)), len([]rune(splits.Dev)), len([]rune(splits.Test)))

	fmt.Printf("\n📝 Building vocabulary from the training split...\n")
	v := vocab.Build(splits.Train)
	fmt.Printf("   Vocabulary size: %d\n", v.Size())

	ds, err := encodeSplits(v, splits)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	m, err := model.New(cfg, v.Size(), rng)
	if err != nil {
		return err
	}
	defer m.Close()

	fmt.Printf("\n🧠 Model configuration:\n")
	fmt.Printf("   Parameters: %d\n", m.NumParams())
	fmt.Printf("   Blocks: %d, heads: %d, embedding: %d, context: %d\n",
		cfg.NumLayers, cfg.NumHeads, cfg.EmbeddingSize, cfg.BlockSize)

	if err := os.MkdirAll(opts.Out, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	logPath := filepath.Join(opts.Out, cfg.LogName())
	csvLog, err := train.CreateCSVLog(logPath)
	if err != nil {
		return fmt.Errorf("creating loss log: %w", err)
	}
	defer csvLog.Close()
	trainerOpts := []train.Option{
		train.WithSink(csvLog),
		train.WithLogger(log.New(os.Stdout, "   ", 0)),
	}
	if opts.SQLitePath != "" {
		db, err := train.OpenSQLiteLog(opts.SQLitePath, filepath.Base(source), cfg)
		if err != nil {
			return fmt.Errorf("opening loss database: %w", err)
		}
		defer db.Close()
		trainerOpts = append(trainerOpts, train.WithSink(db))
	}

	manifestPath := filepath.Join(opts.Out, "manifest.json")
	err = config.WriteManifest(manifestPath, config.Manifest{
		Language:   opts.Lang,
		CorpusPath: source,
		CorpusHash: config.CorpusHash(splits.Train + splits.Dev + splits.Test),
		VocabSize:  v.Size(),
		NumParams:  m.NumParams(),
		LossLog:    filepath.Base(logPath),
		Config:     cfg,
		StartedAt:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	fmt.Printf("📋 Manifest saved to: %s\n", manifestPath)

	trainer, err := train.New(cfg, m, data.NewSampler(rng), ds, trainerOpts...)
	if err != nil {
		return err
	}

	fmt.Printf("\n🏋️  Training for %d steps...\n", cfg.MaxIters)
	start := time.Now()
	records, err := trainer.Run(ctx)
	if err != nil {
		return fmt.Errorf("training aborted after %d evaluations (log kept at %s): %w", len(records), logPath, err)
	}
	last := records[len(records)-1]
	fmt.Printf("\n✅ Training complete in %s\n", time.Since(start).Round(time.Second))
	fmt.Printf("   Final validation loss: %.4f (%.4f bits per character)\n", last.ValLoss, last.BPC)
	fmt.Printf("📈 Loss log: %s\n", logPath)

	test, err := trainer.EstimateLoss(train.SplitTest)
	if err != nil {
		return fmt.Errorf("test evaluation: %w", err)
	}
	fmt.Printf("   Test loss: %.4f (%.4f bits per character)\n", test.Test, test.Test/math.Ln2)

	return printSamples(m, v, ds.Train, opts)
}

// encodeSplits encodes every split with v. Characters of dev or test that
// never occur in train are reported all at once.
func encodeSplits(v *vocab.Vocabulary, splits data.Splits) (train.Dataset, error) {
	for _, s := range []struct {
		name, text string
	}{
		{"dev", splits.Dev},
		{"test", splits.Test},
	} {
		missing := v.Coverage(s.text)
		if len(missing) == 0 {
			continue
		}
		fmt.Printf("   ⚠️  %d characters of the %s split never occur in train:\n", len(missing), s.name)
		for _, r := range slices.Sorted(maps.Keys(missing)) {
			fmt.Printf("      %q (U+%04X) x%d\n", r, r, missing[r])
		}
		return train.Dataset{}, fmt.Errorf("%w: %s split has %d characters outside the training vocabulary",
			vocab.ErrUnknownCharacter, s.name, len(missing))
	}

	var ds train.Dataset
	var err error
	if ds.Train, err = v.Encode(splits.Train); err != nil {
		return ds, err
	}
	if ds.Dev, err = v.Encode(splits.Dev); err != nil {
		return ds, err
	}
	if ds.Test, err = v.Encode(splits.Test); err != nil {
		return ds, err
	}
	return ds, nil
}

func printSamples(m *model.LanguageModel, v *vocab.Vocabulary, trainIDs []int, opts trainOptions) error {
	if opts.Samples <= 0 {
		return nil
	}
	seed := trainIDs[:1]
	if opts.Prompt != "" {
		var err error
		if seed, err = v.Encode(opts.Prompt); err != nil {
			return fmt.Errorf("encoding prompt: %w", err)
		}
	}

	fmt.Printf("\n🎲 Samples:\n")
	gen := model.GenerateOptions{Temperature: opts.Temp, TopK: opts.TopK}
	for i := 0; i < opts.Samples; i++ {
		ids, err := m.Generate(seed, opts.Length, gen)
		if err != nil {
			return fmt.Errorf("generating sample: %w", err)
		}
		text, err := v.Decode(ids)
		if err != nil {
			return err
		}
		fmt.Printf("--- %d ---\n%s\n", i+1, text)
	}
	return nil
}
