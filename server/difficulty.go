package main

import (
	"fmt"
	"math"
	"time"
)

// emaWindow is the N in alpha = 2/(N+1) for the solve-time EMA.
const emaWindow = 5

// maxDifficultyStep bounds how far one solve can move difficulty_float.
const maxDifficultyStep = 4.0

// DifficultyController adjusts puzzle difficulty toward a target solve
// time. Each recorded solve updates an EMA of solve times and applies a
// log2-proportional step to a fractional difficulty, which is clamped
// to [min, max] and rounded to the integer difficulty miners see.
//
// The controller is not safe for concurrent use; the puzzle engine's
// mutex guards it.
type DifficultyController struct {
	difficultyFloat float64
	difficulty      int
	min             int
	max             int
	targetTime      float64

	alpha  float64
	ema    float64
	emaSet bool
}

func NewDifficultyController(initial, min, max int, targetTime float64) *DifficultyController {
	return &DifficultyController{
		difficultyFloat: float64(initial),
		difficulty:      initial,
		min:             min,
		max:             max,
		targetTime:      targetTime,
		alpha:           2.0 / (emaWindow + 1),
	}
}

// RecordSolve feeds one solve time (seconds) into the controller and
// returns the new integer difficulty plus a human-readable adjustment
// reason for the audit log. Non-positive solve times are ignored.
func (dc *DifficultyController) RecordSolve(solveTime float64) (newDifficulty int, reason string) {
	if solveTime <= 0 {
		return dc.difficulty, "no adjustment (zero solve time)"
	}

	if !dc.emaSet {
		dc.ema = solveTime
		dc.emaSet = true
	} else {
		dc.ema = dc.alpha*solveTime + (1-dc.alpha)*dc.ema
	}

	step := math.Log2(dc.targetTime / dc.ema)
	step = math.Max(-maxDifficultyStep, math.Min(maxDifficultyStep, step))

	dc.difficultyFloat += step
	dc.difficultyFloat = math.Max(float64(dc.min), math.Min(float64(dc.max), dc.difficultyFloat))
	dc.difficulty = int(math.Round(dc.difficultyFloat))

	return dc.difficulty, fmt.Sprintf("EMA %.1fs vs target %.0fs, step %+.2f -> %.2f",
		dc.ema, dc.targetTime, step, dc.difficultyFloat)
}

// WarmStart seeds the EMA by replaying recent solve times, oldest
// first, without moving the difficulty.
func (dc *DifficultyController) WarmStart(solveTimes []float64) {
	for _, t := range solveTimes {
		if t <= 0 {
			continue
		}
		if !dc.emaSet {
			dc.ema = t
			dc.emaSet = true
			continue
		}
		dc.ema = dc.alpha*t + (1-dc.alpha)*dc.ema
	}
}

// SetDifficulty pins both the integer and fractional difficulty. The
// value is clamped to [min, max] so the range invariant survives
// control-plane writes.
func (dc *DifficultyController) SetDifficulty(d int) {
	f := math.Max(float64(dc.min), math.Min(float64(dc.max), float64(d)))
	dc.difficultyFloat = f
	dc.difficulty = int(math.Round(f))
}

// SetRange updates the clamp range and re-clamps the current value.
func (dc *DifficultyController) SetRange(min, max int) {
	dc.min = min
	dc.max = max
	dc.difficultyFloat = math.Max(float64(min), math.Min(float64(max), dc.difficultyFloat))
	dc.difficulty = int(math.Round(dc.difficultyFloat))
}

func (dc *DifficultyController) SetTargetTime(t float64) {
	dc.targetTime = t
}

func (dc *DifficultyController) Difficulty() int     { return dc.difficulty }
func (dc *DifficultyController) Float() float64      { return dc.difficultyFloat }
func (dc *DifficultyController) Range() (int, int)   { return dc.min, dc.max }
func (dc *DifficultyController) TargetTime() float64 { return dc.targetTime }

// EMA returns the current EMA and whether any solve has been recorded.
func (dc *DifficultyController) EMA() (float64, bool) { return dc.ema, dc.emaSet }

// chartPoint is one sample in a bounded dashboard history.
type chartPoint struct {
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}

// chartHistory is a fixed-capacity sample buffer; the oldest point is
// dropped when full.
type chartHistory struct {
	points []chartPoint
	cap    int
}

func newChartHistory(capacity int) *chartHistory {
	return &chartHistory{cap: capacity}
}

func (h *chartHistory) Add(value float64) {
	h.points = append(h.points, chartPoint{
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
		Value:     value,
	})
	if len(h.points) > h.cap {
		h.points = h.points[len(h.points)-h.cap:]
	}
}

// Points returns a copy of the buffered samples.
func (h *chartHistory) Points() []chartPoint {
	out := make([]chartPoint, len(h.points))
	copy(out, h.points)
	return out
}
