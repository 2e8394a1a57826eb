package train

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"afrigpt/pkg/config"
	"afrigpt/pkg/data"
	"afrigpt/pkg/model"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BatchSize = 2
	cfg.BlockSize = 4
	cfg.EmbeddingSize = 8
	cfg.NumHeads = 2
	cfg.NumLayers = 1
	cfg.MaxIters = 4
	cfg.EvalInterval = 2
	cfg.EvalIters = 2
	return cfg
}

func cyclic(n, vocab int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i % vocab
	}
	return out
}

func newTrainer(t *testing.T, cfg config.Config, ds Dataset, opts ...Option) *Trainer {
	t.Helper()
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	m, err := model.New(cfg, 3, rng)
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	tr, err := New(cfg, m, data.NewSampler(rng), ds, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func testDataset() Dataset {
	return Dataset{Train: cyclic(60, 3), Dev: cyclic(20, 3), Test: cyclic(20, 3)}
}

func TestOneCycle(t *testing.T) {
	s := NewOneCycle(1e-2, 100)
	if got, want := s.At(0), 1e-2/25; math.Abs(got-want) > 1e-15 {
		t.Errorf("start lr = %v, want %v", got, want)
	}
	if got := s.At(29); math.Abs(got-1e-2) > 1e-15 {
		t.Errorf("peak lr = %v, want 1e-2", got)
	}
	if got, want := s.At(99), 1e-2/25/1e4; math.Abs(got-want) > 1e-15 {
		t.Errorf("final lr = %v, want %v", got, want)
	}
	for i := 1; i <= 29; i++ {
		if s.At(i) < s.At(i-1) {
			t.Fatalf("lr decreased during warm-up at step %d", i)
		}
	}
	for i := 30; i < 100; i++ {
		if s.At(i) > s.At(i-1) {
			t.Fatalf("lr increased during annealing at step %d", i)
		}
	}

	if s.LR() != s.At(0) {
		t.Error("LR before any step should be the start lr")
	}
	s.Step()
	if s.LR() != s.At(1) {
		t.Error("LR after one step should follow At(1)")
	}
}

func TestOneCycleSingleStep(t *testing.T) {
	s := NewOneCycle(1e-3, 1)
	if lr := s.LR(); math.IsNaN(lr) || lr <= 0 {
		t.Errorf("lr = %v", lr)
	}
}

func TestRunRecordsAtIntervals(t *testing.T) {
	cases := []struct {
		maxIters, interval int
		want               []int
	}{
		{4, 2, []int{0, 2, 3}},
		{5, 2, []int{0, 2, 4}},
		{1, 100, []int{0}},
	}
	for _, c := range cases {
		cfg := testConfig()
		cfg.MaxIters = c.maxIters
		cfg.EvalInterval = c.interval

		recs, err := newTrainer(t, cfg, testDataset()).Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		var iters []int
		for _, r := range recs {
			iters = append(iters, r.Iter)
			if math.Abs(r.BPC-r.ValLoss/math.Ln2) > 1e-12 {
				t.Errorf("iter %d: bpc %v does not match val loss %v", r.Iter, r.BPC, r.ValLoss)
			}
			if r.TrainLoss <= 0 || r.ValLoss <= 0 {
				t.Errorf("iter %d: non-positive loss %+v", r.Iter, r)
			}
		}
		if !reflect.DeepEqual(iters, c.want) {
			t.Errorf("maxIters=%d interval=%d: record iters %v, want %v", c.maxIters, c.interval, iters, c.want)
		}
	}
}

func TestRunDeterministic(t *testing.T) {
	for _, iters := range []int{1, 4} {
		cfg := testConfig()
		cfg.MaxIters = iters
		checkDeterministic(t, cfg)
	}
}

func checkDeterministic(t *testing.T, cfg config.Config) {
	t.Helper()
	ds := testDataset()

	var mem MemoryLog
	a, err := newTrainer(t, cfg, ds, WithSink(&mem)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(mem.Records, a) {
		t.Errorf("sink saw %v, Run returned %v", mem.Records, a)
	}
	b, err := newTrainer(t, cfg, ds).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("same seed produced different records:\n%v\n%v", a, b)
	}
}

func TestEstimateLossSplits(t *testing.T) {
	tr := newTrainer(t, testConfig(), testDataset())

	l, err := tr.EstimateLoss(SplitTrain)
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(l.Train) || math.IsNaN(l.Dev) || !math.IsNaN(l.Test) {
		t.Errorf("train split losses = %+v", l)
	}

	l, err = tr.EstimateLoss(SplitTest)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(l.Train) || !math.IsNaN(l.Dev) || math.IsNaN(l.Test) {
		t.Errorf("test split losses = %+v", l)
	}
}

func TestRunShortDevSplit(t *testing.T) {
	ds := testDataset()
	ds.Dev = cyclic(4, 3)

	recs, err := newTrainer(t, testConfig(), ds).Run(context.Background())
	if !errors.Is(err, data.ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d records from a failed run", len(recs))
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTrainer(t, testConfig(), testDataset()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewValidates(t *testing.T) {
	cfg := testConfig()
	rng := rand.New(rand.NewPCG(1, 1))
	m, err := model.New(cfg, 3, rng)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	cfg.MaxIters = 0
	if _, err := New(cfg, m, data.NewSampler(rng), testDataset()); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestCSVLog(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), cfg.LogName())
	l, err := CreateCSVLog(path)
	if err != nil {
		t.Fatal(err)
	}

	tr := newTrainer(t, cfg, testDataset(), WithSink(l))
	recs, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rows[0], CSVHeader) {
		t.Errorf("header = %v", rows[0])
	}
	if len(rows) != len(recs)+1 {
		t.Fatalf("got %d rows for %d records", len(rows)-1, len(recs))
	}
	if rows[1][0] != "0" || rows[len(rows)-1][0] != "3" {
		t.Errorf("first and last iters = %s, %s", rows[1][0], rows[len(rows)-1][0])
	}
}

func TestCSVLogFlushesEachRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "losses.csv")
	l, err := CreateCSVLog(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.Write(Record{Iter: 7, TrainLoss: 1.5, ValLoss: 2, BPC: 2 / math.Ln2}); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "iter,train_loss,val_loss,BPC\n7,1.5,2," + formatFloat(2/math.Ln2) + "\n"
	if string(raw) != want {
		t.Errorf("file = %q, want %q", raw, want)
	}
}

func TestSQLiteLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	cfg := testConfig()

	first, err := OpenSQLiteLog(path, "yo", cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := []Record{
		{Iter: 0, TrainLoss: 1.1, ValLoss: 1.2, BPC: 1.2 / math.Ln2},
		{Iter: 100, TrainLoss: 0.5, ValLoss: 0.7, BPC: 0.7 / math.Ln2},
	}
	for _, r := range want {
		if err := first.Write(r); err != nil {
			t.Fatal(err)
		}
	}
	got, err := first.Records()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("records = %v, want %v", got, want)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := OpenSQLiteLog(path, "sw", cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if second.RunID() == first.RunID() {
		t.Error("second run reused the first run's id")
	}
	got, err = second.Records()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("new run already has %d records", len(got))
	}
}
