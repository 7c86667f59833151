// Package tempo estimates musical tempo from a frame-rate onset strength
// signal. An autocorrelation sweep, a comb resonator bank, a Goertzel
// spectral probe and an inter-onset-interval histogram each score a shared
// set of tempo bins, and a probabilistic model fuses them into one smoothed
// BPM estimate with explicit octave-error correction.
package tempo

import (
	"math"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

// Update carries the result of one successful tempo analysis.
type Update struct {
	BPM           float64 // smoothed tempo estimate
	PeriodSamples int     // beat period in analysis frames, clamped to [10, 128]
}

// Estimator owns the onset strength history and the periodicity analyses
// over it. Samples arrive every frame through Advance; the heavier analysis
// runs on a millisecond cadence through Run.
type Estimator struct {
	IntervalMs      uint32  // time between periodicity analyses
	SmoothingFactor float64 // weight kept on the previous BPM per update
	ChangeThreshold float64 // relative BPM change that counts as a tempo move

	// ActivationThreshold is the minimum ACF periodicity strength before
	// an analysis result is trusted enough to move the BPM estimate.
	ActivationThreshold float64

	oss   *Stream
	acf   *Autocorrelation
	comb  *CombBank
	ioi   *IOIRecord
	state *TempoState

	bpm       float64
	lastRunMs uint32

	velocity        float64
	velocityPrevBPM float64
}

func NewEstimator() *Estimator {
	comb := NewCombBank()
	return &Estimator{
		IntervalMs:          500,
		SmoothingFactor:     0.7,
		ChangeThreshold:     0.02,
		ActivationThreshold: 0.25,

		oss:   NewStream(),
		acf:   NewAutocorrelation(60, 200),
		comb:  comb,
		ioi:   &IOIRecord{},
		state: NewTempoState(comb),

		bpm:             120,
		velocityPrevBPM: 120,
	}
}

// Advance feeds one frame of onset strength. ossValue lands in the analysis
// history; combInput drives the resonator bank, which wants the ungated
// onset envelope. Both must arrive every frame, zeros included.
func (e *Estimator) Advance(ossValue, combInput float64, timestampMs uint32) {
	e.oss.Push(ossValue, timestampMs)
	if e.state.CombEnabled {
		e.comb.Process(combInput)
	}
}

// RecordOnset notes a percussive transient at the given analysis-frame
// index for the interval histogram.
func (e *Estimator) RecordOnset(sampleIdx int) {
	if e.state.IoiEnabled {
		e.ioi.Push(sampleIdx)
	}
}

// ShiftOnsets rebases recorded onset indices after the caller renormalizes
// its frame counter.
func (e *Estimator) ShiftOnsets(delta int) {
	e.ioi.Shift(delta)
}

// Run performs one periodicity analysis if the cadence interval has
// elapsed. It returns false when skipped, when the signal cannot be scored,
// or when periodicity is too weak to trust the estimate; belief still
// advances in the weak case so the model keeps tracking.
func (e *Estimator) Run(nowMs uint32, onsetDensity float64) (Update, bool) {
	if nowMs-e.lastRunMs < e.IntervalMs {
		return Update{}, false
	}
	e.lastRunMs = nowMs

	if !e.acf.Analyze(e.oss) {
		return Update{}, false
	}
	estimate := e.state.Fuse(e.acf, e.comb, e.ioi, e.oss, onsetDensity)

	if e.acf.Strength() <= e.ActivationThreshold {
		return Update{}, false
	}

	next := dsp.Clamp(estimate, e.acf.BPMMin, e.acf.BPMMax)
	e.bpm = e.bpm*e.SmoothingFactor + next*(1-e.SmoothingFactor)

	period := int(60000.0/e.bpm*e.acf.SamplesPerMs() + 0.5)
	if period < 10 {
		period = 10
	}
	if period > 128 {
		period = 128
	}

	if math.Abs(e.bpm-e.velocityPrevBPM)/math.Max(e.velocityPrevBPM, 1) > e.ChangeThreshold {
		e.updateVelocity(e.bpm, float64(e.IntervalMs)/1000)
	}

	return Update{BPM: e.bpm, PeriodSamples: period}, true
}

// updateVelocity tracks how fast the tempo estimate is moving, in BPM per
// second, for beat prediction lookahead.
func (e *Estimator) updateVelocity(newBPM, dtSeconds float64) {
	if dtSeconds <= 0 {
		return
	}
	instant := (newBPM - e.velocityPrevBPM) / dtSeconds
	e.velocity = dsp.Clamp(0.8*e.velocity+0.2*instant, -50, 50)
	e.velocityPrevBPM = newBPM
}

// ForceTempo adopts a beat period decided outside the fusion loop, such as
// the beat tracker's octave checker. The period converts to BPM clamped to
// the configured range, and the posterior shifts toward the matching bin so
// the next Run does not immediately revert the switch.
func (e *Estimator) ForceTempo(periodSamples int) {
	if periodSamples < 1 {
		return
	}
	e.bpm = dsp.Clamp(FramesPerMinute/float64(periodSamples), e.acf.BPMMin, e.acf.BPMMax)
	e.state.NudgeToward(e.bpm)
}

// BPM returns the current smoothed tempo estimate.
func (e *Estimator) BPM() float64 { return e.bpm }

// Velocity returns the tempo drift rate in BPM per second.
func (e *Estimator) Velocity() float64 { return e.velocity }

// Strength reports how periodic the onset signal currently is, in [0, 1].
func (e *Estimator) Strength() float64 { return e.acf.Strength() }

// Stream exposes the onset strength history shared with beat tracking.
func (e *Estimator) Stream() *Stream { return e.oss }

// ACF exposes the autocorrelation analysis for tuning and status.
func (e *Estimator) ACF() *Autocorrelation { return e.acf }

// Comb exposes the resonator bank for tuning and status.
func (e *Estimator) Comb() *CombBank { return e.comb }

// State exposes the probabilistic tempo model for tuning and status.
func (e *Estimator) State() *TempoState { return e.state }

// Reset clears all analysis state while keeping tuning, and restarts the
// tempo estimate at the prior center.
func (e *Estimator) Reset() {
	e.oss.Reset()
	e.acf.Reset()
	e.comb.Reset()
	e.ioi.Reset()
	e.state.Reset()
	e.bpm = 120
	e.lastRunMs = 0
	e.velocity = 0
	e.velocityPrevBPM = 120
}
