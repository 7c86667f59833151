package beat

import "math"

// recomputeWeights rebuilds the log-Gaussian window over score offsets
// [T/2, 2T]. The window is cached on (period, tightness) since both change
// rarely relative to the frame rate.
func (t *Tracker) recomputeWeights(T int) {
	if T == t.weightPeriod && t.Tightness == t.weightTightness {
		return
	}
	t.weightPeriod = T
	t.weightTightness = t.Tightness

	searchMin := T / 2
	searchMax := T * 2
	size := searchMax - searchMin + 1
	if size > weightSpan {
		size = weightSpan
	}
	t.weightCount = size

	for i := 0; i < size; i++ {
		ratio := float64(searchMin+i) / float64(T)
		x := t.Tightness * math.Log(ratio)
		t.weights[i] = math.Exp(-0.5 * x * x)
	}
}

// recomputeExpectation rebuilds the beat expectation Gaussian spanning one
// period ahead, centered at the half period with sigma T/2.
func (t *Tracker) recomputeExpectation(T int) {
	if T == t.expectPeriod {
		return
	}
	t.expectPeriod = T
	t.expectCount = T

	halfT := float64(T) / 2
	sigma := halfT
	for i := 0; i < T; i++ {
		diff := float64(i+1) - halfT
		t.expectation[i] = math.Exp(-diff * diff / (2 * sigma * sigma))
	}
}

// predictBeat runs at the beat midpoint. It rolls the score recursion
// forward one period with zero onset input, then re-times the beat
// countdown to the expectation-weighted peak of that projection.
func (t *Tracker) predictBeat() {
	T := t.period
	if T < 10 {
		T = 10
	}
	if T > maxBeatPeriod {
		T = maxBeatPeriod
	}

	t.recomputeExpectation(T)
	t.recomputeWeights(T)

	searchMin := T / 2
	sim := t.sampleCount
	for i := 0; i < t.expectCount; i++ {
		maxWeighted := 0.0
		for j := 0; j < t.weightCount; j++ {
			idx := sim - (searchMin + j)
			if idx < 0 {
				continue
			}
			var val float64
			if idx >= t.sampleCount {
				// Reads past the present come from the projection
				// built so far.
				if futureIdx := idx - t.sampleCount; futureIdx < i {
					val = t.future[futureIdx]
				}
			} else {
				val = t.cbss[idx%bufferSize]
			}
			val *= t.weights[j]
			if val > maxWeighted {
				maxWeighted = val
			}
		}
		// Future frames carry momentum only, no fresh onset term.
		t.future[i] = t.Alpha * maxWeighted
		sim++
	}

	maxScore := 0.0
	bestOffset := t.expectCount / 2
	for i := 0; i < t.expectCount; i++ {
		score := t.future[i] * t.expectation[i]
		if score > maxScore {
			maxScore = score
			bestOffset = i
		}
	}

	// TimingOffset compensates onset smoothing and score propagation
	// delay; a beat is never scheduled in the past.
	adjusted := bestOffset + 1 - int(t.TimingOffset)
	if adjusted < 1 {
		adjusted = 1
	}
	t.toNextBeat = adjusted
	t.toNextPrediction = t.toNextBeat + T/2
	t.nextWasPredicted = true
}
