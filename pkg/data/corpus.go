package data

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Splits holds the three text splits of one language.
type Splits struct {
	Train string
	Dev   string
	Test  string
}

// File names of the splits inside a language directory.
const (
	TrainFile = "train.txt"
	DevFile   = "valid.txt"
	TestFile  = "test.txt"
)

// LoadSplits reads root/lang/{train,valid,test}.txt.
func LoadSplits(root, lang string) (Splits, error) {
	dir := filepath.Join(root, lang)
	var s Splits
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{TrainFile, &s.Train},
		{DevFile, &s.Dev},
		{TestFile, &s.Test},
	} {
		text, err := readText(filepath.Join(dir, f.name))
		if err != nil {
			return Splits{}, err
		}
		*f.dst = text
	}
	return s, nil
}

// SplitText cuts a single corpus into train/dev/test by character count.
// trainFrac and devFrac are fractions of the whole; the rest is test.
func SplitText(text string, trainFrac, devFrac float64) (Splits, error) {
	if trainFrac <= 0 || devFrac < 0 || trainFrac+devFrac >= 1 {
		return Splits{}, fmt.Errorf("invalid split fractions %v/%v", trainFrac, devFrac)
	}
	runes := []rune(text)
	n := len(runes)
	a := int(float64(n) * trainFrac)
	b := a + int(float64(n)*devFrac)
	return Splits{
		Train: string(runes[:a]),
		Dev:   string(runes[a:b]),
		Test:  string(runes[b:]),
	}, nil
}

// ReadCorpus reads a single UTF-8 corpus file.
func ReadCorpus(path string) (string, error) {
	return readText(path)
}

func readText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%s: not valid UTF-8", path)
	}
	// CRLF files would otherwise put '\r' into the vocabulary.
	return strings.ReplaceAll(string(raw), "\r\n", "\n"), nil
}
