package tempo

import (
	"math"

	"github.com/viterin/vek"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

const (
	// NumBins is the number of comb resonators. The tempo probability
	// model reuses the same bin layout.
	NumBins = 20

	combMinLag = 20 // 180 BPM at the nominal frame rate
	combMaxLag = 60 // 60 BPM
)

// CombBank drives a bank of IIR comb resonators spread across the musical
// tempo range. Each resonator feeds back its own delayed output, so the one
// whose lag matches the beat period accumulates energy. The bank applies no
// tempo prior of its own; its energies reach the probability model as one
// independent observation channel.
type CombBank struct {
	FeedbackGain float64 // pole radius; closer to 1 rings longer

	lags [NumBins]int
	bpms [NumBins]float64

	delay   [NumBins][combMaxLag]float64
	history [combMaxLag]float64
	output  [NumBins]float64
	energy  [NumBins]float64

	writeIdx   int
	historyIdx int
	frameCount int

	peakIdx        int
	peakBPM        float64
	peakConfidence float64
	peakPhase      float64
}

func NewCombBank() *CombBank {
	c := &CombBank{FeedbackGain: 0.84}
	for i := 0; i < NumBins; i++ {
		t := float64(i) / float64(NumBins-1)
		lag := combMinLag + int(t*(combMaxLag-combMinLag)+0.5)
		c.lags[i] = lag
		c.bpms[i] = FramesPerMinute / float64(lag)
	}
	c.Reset()
	return c
}

// Process feeds one onset strength sample through every resonator and
// refreshes the peak estimate.
func (c *CombBank) Process(input float64) {
	oneMinusAlpha := 1 - c.FeedbackGain

	for i := 0; i < NumBins; i++ {
		lag := c.lags[i]
		readIdx := (c.writeIdx - lag + combMaxLag) % combMaxLag
		y := oneMinusAlpha*input + c.FeedbackGain*c.delay[i][readIdx]
		c.output[i] = y
		c.delay[i][c.writeIdx] = y

		abs := y
		if abs < 0 {
			abs = -abs
		}
		c.energy[i] = 0.95*c.energy[i] + 0.05*abs
	}
	c.writeIdx = (c.writeIdx + 1) % combMaxLag

	// Peak pick with 10% hysteresis so near-ties do not jitter between
	// neighboring resonators frame to frame.
	maxEnergy := 0.0
	bestIdx := c.peakIdx
	for i := 0; i < NumBins; i++ {
		if c.energy[i] > maxEnergy*1.1 {
			maxEnergy = c.energy[i]
			bestIdx = i
		}
	}
	c.peakIdx = bestIdx
	c.peakBPM = c.bpms[bestIdx]

	// Track the winning resonator's recent output for phase extraction.
	c.history[c.historyIdx] = c.output[bestIdx]
	c.historyIdx = (c.historyIdx + 1) % c.lags[bestIdx]

	mean := vek.Sum(c.energy[:]) / NumBins
	c.peakConfidence = dsp.Clamp01(c.energy[bestIdx]/(mean+0.001) - 1)

	c.frameCount++
	if c.frameCount >= 4 {
		c.frameCount = 0
		c.extractPhase()
	}
}

// extractPhase correlates the winning resonator's output against a complex
// exponential at its lag frequency. A rotating phasor stands in for
// per-sample trig calls.
func (c *CombBank) extractPhase() {
	lag := c.lags[c.peakIdx]
	step := -2 * math.Pi / float64(lag)
	rotRe, rotIm := math.Cos(step), math.Sin(step)

	phasorRe, phasorIm := 1.0, 0.0
	realSum, imagSum := 0.0, 0.0
	for i := 0; i < lag; i++ {
		idx := (c.historyIdx - 1 - i + combMaxLag) % combMaxLag
		sample := c.history[idx]
		realSum += sample * phasorRe
		imagSum += sample * phasorIm
		phasorRe, phasorIm = phasorRe*rotRe-phasorIm*rotIm, phasorRe*rotIm+phasorIm*rotRe
	}

	phase := -math.Atan2(imagSum, realSum) / (2 * math.Pi)
	if phase < 0 {
		phase++
	}
	if phase >= 1 {
		phase--
	}
	c.peakPhase = phase
}

// FilterBPM returns the tempo a resonator is tuned to. Bin 0 is the fastest
// tempo (shortest lag); bins descend from there.
func (c *CombBank) FilterBPM(i int) float64 { return c.bpms[i] }

// FilterLag returns a resonator's delay in analysis frames.
func (c *CombBank) FilterLag(i int) int { return c.lags[i] }

// FilterEnergy returns a resonator's smoothed output energy.
func (c *CombBank) FilterEnergy(i int) float64 { return c.energy[i] }

// PeakBPM returns the tempo of the currently strongest resonator.
func (c *CombBank) PeakBPM() float64 { return c.peakBPM }

// PeakConfidence reports the peak-to-mean energy ratio in [0, 1].
func (c *CombBank) PeakConfidence() float64 { return c.peakConfidence }

// PeakPhase returns the beat phase of the strongest resonator in [0, 1).
func (c *CombBank) PeakPhase() float64 { return c.peakPhase }

// PeakIndex returns the bin index of the strongest resonator.
func (c *CombBank) PeakIndex() int { return c.peakIdx }

// Reset clears all resonator state while keeping the lag layout and
// feedback tuning.
func (c *CombBank) Reset() {
	c.delay = [NumBins][combMaxLag]float64{}
	c.history = [combMaxLag]float64{}
	c.output = [NumBins]float64{}
	c.energy = [NumBins]float64{}
	c.writeIdx = 0
	c.historyIdx = 0
	c.frameCount = 0
	c.peakIdx = NumBins / 2
	c.peakBPM = 120
	c.peakConfidence = 0
	c.peakPhase = 0
}
