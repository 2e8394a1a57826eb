package train

import "math"

// OneCycle is the one-cycle learning-rate policy: cosine warm-up from
// maxLR/DivFactor to maxLR over the first PctStart of training, then cosine
// annealing down to maxLR/(DivFactor·FinalDivFactor) at the last step.
type OneCycle struct {
	MaxLR          float64
	TotalSteps     int
	PctStart       float64
	DivFactor      float64
	FinalDivFactor float64

	step int
}

// NewOneCycle returns a schedule with the usual defaults (30% warm-up,
// div factor 25, final div factor 1e4).
func NewOneCycle(maxLR float64, totalSteps int) *OneCycle {
	return &OneCycle{
		MaxLR:          maxLR,
		TotalSteps:     totalSteps,
		PctStart:       0.3,
		DivFactor:      25,
		FinalDivFactor: 1e4,
	}
}

// LR is the learning rate for the current step.
func (o *OneCycle) LR() float64 { return o.At(o.step) }

// Step advances the schedule by one optimizer step.
func (o *OneCycle) Step() { o.step++ }

// At returns the learning rate at an arbitrary step.
func (o *OneCycle) At(step int) float64 {
	initial := o.MaxLR / o.DivFactor
	final := initial / o.FinalDivFactor
	peak := o.PctStart*float64(o.TotalSteps) - 1
	last := float64(o.TotalSteps) - 1
	s := float64(step)

	if s <= peak {
		return annealCos(initial, o.MaxLR, progress(s, 0, peak))
	}
	return annealCos(o.MaxLR, final, progress(s, peak, last))
}

func progress(s, start, end float64) float64 {
	if end <= start {
		return 1
	}
	return math.Min(1, math.Max(0, (s-start)/(end-start)))
}

func annealCos(start, end, pct float64) float64 {
	return end + (start-end)/2*(math.Cos(math.Pi*pct)+1)
}
