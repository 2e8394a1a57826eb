// Command afrigpt trains character-level transformer language models on
// corpora of African languages.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"afrigpt/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "train":
		var opts trainOptions
		opts, err = parseTrain(os.Args[2:])
		if err == nil {
			err = runTrain(ctx, opts)
		}
	case "demo":
		err = runDemo(ctx)
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("afrigpt - character-level transformer language models")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  afrigpt train -data DIR -lang CODE -out DIR [options]")
	fmt.Println("  afrigpt train -corpus FILE -out DIR [options]")
	fmt.Println("  afrigpt demo")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train    Train a model on a language corpus")
	fmt.Println("  demo     Train a tiny model on a built-in corpus")
}

type trainOptions struct {
	DataDir    string
	Lang       string
	Corpus     string
	Out        string
	SQLitePath string

	Samples int
	Length  int
	Prompt  string
	Temp    float64
	TopK    int

	Config config.Config
}

// parseTrain reads the train flags. Hyperparameters come from Default, then
// the -config file, then any flag given explicitly.
func parseTrain(args []string) (trainOptions, error) {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)

	var opts trainOptions
	var configPath string
	fs.StringVar(&opts.DataDir, "data", "", "Corpus root holding <lang>/{train,valid,test}.txt")
	fs.StringVar(&opts.Lang, "lang", "", "Language code under -data")
	fs.StringVar(&opts.Corpus, "corpus", "", "Single text file split 80/10/10 instead of -data")
	fs.StringVar(&opts.Out, "out", "", "Output directory for the loss log and manifest (required)")
	fs.StringVar(&opts.SQLitePath, "sqlite", "", "Also record losses in this SQLite database")
	fs.StringVar(&configPath, "config", "", "JSON file of hyperparameters")
	fs.IntVar(&opts.Samples, "samples", 3, "Samples to generate after training")
	fs.IntVar(&opts.Length, "length", 200, "Characters per sample")
	fs.StringVar(&opts.Prompt, "prompt", "", "Sample seed text (default: first training character)")
	fs.Float64Var(&opts.Temp, "temp", 1.0, "Sampling temperature")
	fs.IntVar(&opts.TopK, "topk", 0, "Top-k sampling (0 keeps all)")

	flagged := config.Default()
	var headDrop, projDrop, ffDrop float64
	fs.IntVar(&flagged.BatchSize, "batch", flagged.BatchSize, "Batch size")
	fs.IntVar(&flagged.BlockSize, "block", flagged.BlockSize, "Context length in characters")
	fs.IntVar(&flagged.MaxIters, "iters", flagged.MaxIters, "Optimizer steps")
	fs.IntVar(&flagged.EvalInterval, "eval-interval", flagged.EvalInterval, "Steps between evaluations")
	fs.IntVar(&flagged.EvalIters, "eval-iters", flagged.EvalIters, "Batches per split at each evaluation")
	fs.Float64Var(&flagged.LearningRate, "lr", flagged.LearningRate, "Peak learning rate")
	fs.IntVar(&flagged.EmbeddingSize, "emb", flagged.EmbeddingSize, "Embedding size")
	fs.IntVar(&flagged.NumHeads, "heads", flagged.NumHeads, "Attention heads per block")
	fs.IntVar(&flagged.NumLayers, "layers", flagged.NumLayers, "Transformer blocks")
	fs.IntVar(&flagged.Widening, "widening", flagged.Widening, "Feed-forward widening factor")
	fs.Float64Var(&flagged.Dropout, "dropout", flagged.Dropout, "Dropout probability")
	fs.Float64Var(&headDrop, "head-dropout", 0, "Dropout on attention weights (default -dropout)")
	fs.Float64Var(&projDrop, "proj-dropout", 0, "Dropout after the attention projection (default -dropout)")
	fs.Float64Var(&ffDrop, "ff-dropout", 0, "Dropout after the feed-forward layer (default -dropout)")
	fs.Float64Var(&flagged.WeightDecay, "l2", flagged.WeightDecay, "L2 regularization")
	fs.Float64Var(&flagged.GradClip, "clip", flagged.GradClip, "Gradient clipping (0 disables)")
	fs.Uint64Var(&flagged.Seed, "seed", flagged.Seed, "Random seed")

	if err := fs.Parse(args); err != nil {
		return opts, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	switch {
	case opts.Out == "":
		return opts, fmt.Errorf("%w: -out is required", config.ErrConfiguration)
	case opts.Corpus == "" && (opts.DataDir == "" || opts.Lang == ""):
		return opts, fmt.Errorf("%w: either -corpus or both -data and -lang are required", config.ErrConfiguration)
	case opts.Corpus != "" && opts.DataDir != "":
		return opts, fmt.Errorf("%w: -corpus and -data are mutually exclusive", config.ErrConfiguration)
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return opts, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "batch":
			cfg.BatchSize = flagged.BatchSize
		case "block":
			cfg.BlockSize = flagged.BlockSize
		case "iters":
			cfg.MaxIters = flagged.MaxIters
		case "eval-interval":
			cfg.EvalInterval = flagged.EvalInterval
		case "eval-iters":
			cfg.EvalIters = flagged.EvalIters
		case "lr":
			cfg.LearningRate = flagged.LearningRate
		case "emb":
			cfg.EmbeddingSize = flagged.EmbeddingSize
		case "heads":
			cfg.NumHeads = flagged.NumHeads
		case "layers":
			cfg.NumLayers = flagged.NumLayers
		case "widening":
			cfg.Widening = flagged.Widening
		case "dropout":
			cfg.Dropout = flagged.Dropout
		case "head-dropout":
			cfg.HeadDropout = &headDrop
		case "proj-dropout":
			cfg.ProjectionDropout = &projDrop
		case "ff-dropout":
			cfg.FeedForwardDropout = &ffDrop
		case "l2":
			cfg.WeightDecay = flagged.WeightDecay
		case "clip":
			cfg.GradClip = flagged.GradClip
		case "seed":
			cfg.Seed = flagged.Seed
		}
	})
	if err := cfg.Validate(); err != nil {
		return opts, err
	}
	opts.Config = cfg
	return opts, nil
}
