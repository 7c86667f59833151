// Package beat turns a per-frame onset strength signal into a beat grid:
// a cumulative beat strength score (CBSS), countdown-driven beat
// declarations, a deterministic phase ramp in [0,1) and an inter-beat
// stability measure.
//
// Each frame the tracker blends the incoming onset strength with the best
// log-Gaussian weighted score roughly one beat period back, so periodic
// onsets reinforce while isolated spikes fade. Beats fire when a countdown
// expires and the current score clears an adaptive threshold; a midpoint
// prediction pass refines the countdown between beats.
package beat

import (
	"math"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

const (
	// bufferSize is the CBSS ring length. It matches the onset stream
	// capacity so octave and phase checks can walk both histories with
	// the same absolute sample indices.
	bufferSize = 256

	// maxBeatPeriod is the slowest trackable beat period in frames.
	maxBeatPeriod = 128

	// weightSpan bounds the log-Gaussian search window, which extends
	// to twice the beat period.
	weightSpan = maxBeatPeriod * 2

	stabilityRingSize = 8

	// Absolute sample counters renormalize above this so float
	// conversions of indices stay exact.
	renormThreshold = 1000000

	phaseSteps = 8

	// onsetActivityFloor is the smallest onset strength that counts as
	// audible when gating beat declarations. Silence writes exact zeros
	// into the onset stream, so anything positive clears it.
	onsetActivityFloor = 1e-4
)

// OnsetHistory is the raw onset strength series the tracker snaps beats to
// and scans during phase alignment. Latest(0) is the current frame's value;
// callers must not ask further back than Count()-1. *tempo.Stream satisfies
// this.
type OnsetHistory interface {
	Count() int
	Latest(back int) float64
}

// TempoFollower is notified when the octave checker switches the working
// beat period, so the tempo model follows the correction instead of
// fighting it. *tempo.Estimator satisfies this.
type TempoFollower interface {
	ForceTempo(periodSamples int)
}

// Result reports what a single tracker step produced.
type Result struct {
	// Beat is true when a beat was declared this frame.
	Beat bool
	// Predicted is true when the declared beat's timing had been refined
	// by midpoint prediction rather than running down the full period.
	Predicted bool
	// CounterShift is nonzero when the absolute sample counter was
	// renormalized; holders of absolute sample indices (the inter-onset
	// record) must shift by the same amount.
	CounterShift int
}

// Tracker scores onset strength into a cumulative beat strength signal and
// declares beats. Tuning fields may be adjusted between Update calls.
type Tracker struct {
	// Alpha weighs the recursive score against fresh onset strength.
	// Higher values favor the established periodicity.
	Alpha float64
	// Tightness sets the log-Gaussian width around the beat period.
	Tightness float64
	// ThresholdFactor gates beat declaration on CBSS exceeding this
	// multiple of the running mean. Zero disables the gate.
	ThresholdFactor float64
	// ConfidenceDecay is applied to beat confidence each beatless frame.
	ConfidenceDecay float64
	// WarmupBeats scales Alpha by 0.55 until this many beats have fired,
	// letting early onsets shape the score before momentum takes over.
	WarmupBeats int
	// TimingOffset advances predicted beats by this many frames to
	// compensate onset smoothing and score propagation delay.
	TimingOffset float64
	// SnapWindow is how many frames back a declared beat may snap to the
	// strongest raw onset. Zero disables snapping.
	SnapWindow int
	// PhaseCorrection pulls the beat anchor toward transients that land
	// within a quarter period of the grid. Zero disables, one snaps fully.
	PhaseCorrection float64

	OctaveCheckEnabled bool
	// OctaveCheckBeats is the beat interval between octave-alternative
	// scans.
	OctaveCheckBeats int
	// OctaveScoreRatio is how much better an octave alternative must
	// score before the tracker switches period.
	OctaveScoreRatio float64
	PhaseCheckEnabled bool
	// PhaseCheckBeats is the beat interval between phase-alignment scans.
	PhaseCheckBeats int
	// PhaseCheckRatio is how much stronger an alternative phase must be
	// before the countdown is re-timed.
	PhaseCheckRatio float64
	// BPMMin bounds the octave checker's half-time switch.
	BPMMin float64
	// StabilityWindow is how many inter-beat intervals feed the
	// stability estimate.
	StabilityWindow int

	// Onsets must be set before Update is called.
	Onsets OnsetHistory
	// Follower receives octave switches. Optional.
	Follower TempoFollower

	cbss        [bufferSize]float64
	sampleCount int
	cbssMean    float64

	period        int
	pendingPeriod int

	lastBeatSample      int
	lastTransientSample int
	beatCount           int
	confidence          float64
	phase               float64

	toNextBeat       int
	toNextPrediction int
	nextWasPredicted bool
	firedPredicted   bool
	beatsSinceOctave int
	beatsSincePhase  int

	// log-Gaussian weight cache, keyed on (period, tightness)
	weightPeriod    int
	weightTightness float64
	weights         [weightSpan]float64
	weightCount     int

	// beat expectation window cache, keyed on period
	expectPeriod int
	expectCount  int
	expectation  [maxBeatPeriod]float64
	future       [maxBeatPeriod]float64

	lastBeatMs uint32
	ibis       [stabilityRingSize]float64
	ibiWrite   int
	ibiCount   int
	stability  float64
}

// NewTracker returns a tracker with the stock tuning at a 120 BPM starting
// period. Onsets must be assigned before the first Update.
func NewTracker() *Tracker {
	t := &Tracker{
		Alpha:              0.9,
		Tightness:          5.0,
		ThresholdFactor:    1.0,
		ConfidenceDecay:    0.98,
		WarmupBeats:        8,
		TimingOffset:       2.0,
		SnapWindow:         3,
		PhaseCorrection:    0.3,
		OctaveCheckEnabled: true,
		OctaveCheckBeats:   16,
		OctaveScoreRatio:   1.2,
		PhaseCheckEnabled:  true,
		PhaseCheckBeats:    8,
		PhaseCheckRatio:    1.3,
		BPMMin:             60,
		StabilityWindow:    8,
	}
	t.Reset()
	return t
}

// Reset restores the tracker to its boot state without touching tuning.
func (t *Tracker) Reset() {
	for i := range t.cbss {
		t.cbss[i] = 0
	}
	t.sampleCount = 0
	t.cbssMean = 0
	t.period = 30
	t.pendingPeriod = -1
	t.lastBeatSample = 0
	t.lastTransientSample = -1
	t.beatCount = 0
	t.confidence = 0
	t.phase = 0
	t.toNextBeat = 15
	t.toNextPrediction = 10
	t.nextWasPredicted = false
	t.firedPredicted = false
	t.beatsSinceOctave = 0
	t.beatsSincePhase = 0
	t.weightPeriod = 0
	t.weightTightness = 0
	t.weightCount = 0
	t.expectPeriod = 0
	t.expectCount = 0
	t.lastBeatMs = 0
	t.ibiWrite = 0
	t.ibiCount = 0
	t.stability = 0
}

// MarkTransient records that the ensemble fired a transient this frame.
// When the transient lands within a quarter period of the beat grid and at
// least three beats have been tracked, the beat anchor is nudged toward it
// to bleed off accumulated phase drift.
func (t *Tracker) MarkTransient() {
	t.lastTransientSample = t.sampleCount

	if t.PhaseCorrection > 0 && t.beatCount > 2 && t.period >= 10 {
		T := t.period
		elapsed := t.sampleCount - t.lastBeatSample
		phaseError := elapsed % T
		if phaseError > T/2 {
			phaseError -= T
		}

		window := T / 4
		if phaseError != 0 && phaseError > -window && phaseError < window {
			correction := int(float64(phaseError) * t.PhaseCorrection)
			if correction != 0 {
				t.lastBeatSample += correction
			}
		}
	}
}

// ApplyTempo installs a new beat period in frames. With deferToBeat set and
// at least one beat already tracked, the change is parked until the next
// declared beat so the phase ramp never jumps mid-beat.
func (t *Tracker) ApplyTempo(periodSamples int, deferToBeat bool) {
	if periodSamples < 1 {
		return
	}
	if deferToBeat && t.beatCount > 0 {
		t.pendingPeriod = periodSamples
		return
	}
	t.period = periodSamples
}

// Update scores one frame of onset strength and advances the beat
// countdowns. nowMs feeds the inter-beat stability clock.
func (t *Tracker) Update(onset float64, nowMs uint32) Result {
	var res Result
	res.CounterShift = t.updateScore(onset)

	t.toNextBeat--
	t.toNextPrediction--

	if t.toNextPrediction <= 0 {
		t.predictBeat()
	}

	if t.toNextBeat <= 0 {
		last := t.sampleCount - 1
		if last < 0 {
			last = 0
		}
		current := t.cbss[last%bufferSize]

		above := t.ThresholdFactor <= 0 || current > t.ThresholdFactor*t.cbssMean
		if above && !t.recentOnsetEnergy() {
			// The score and its running mean decay together during
			// silence, so the adaptive threshold alone cannot shut
			// the gate. A beat also needs audible onset energy
			// somewhere in the last period.
			above = false
		}
		if above {
			t.declareBeat(nowMs)
			res.Beat = true
			res.Predicted = t.firedPredicted
		}

		// The countdown always resets, even when the threshold
		// suppressed the beat, so a stale countdown cannot re-fire
		// every frame during silence.
		T := t.period
		if T < 10 {
			T = 10
		}
		t.toNextBeat = T
		t.toNextPrediction = T / 2
		t.nextWasPredicted = false

		if res.Beat {
			t.runPeriodicChecks()
		}
	}

	if !res.Beat {
		t.confidence *= t.ConfidenceDecay
	}

	T := t.period
	if T < 10 {
		T = 10
	}
	phase := math.Mod(float64(t.sampleCount-t.lastBeatSample)/float64(T), 1)
	if phase < 0 {
		phase++
	}
	t.phase = dsp.Finite(phase)

	return res
}

// recentOnsetEnergy reports whether any onset within the last beat period
// rose above the activity floor.
func (t *Tracker) recentOnsetEnergy() bool {
	if t.Onsets == nil {
		return true
	}
	n := t.period
	if c := t.Onsets.Count(); n > c {
		n = c
	}
	for i := 0; i < n; i++ {
		if t.Onsets.Latest(i) > onsetActivityFloor {
			return true
		}
	}
	return false
}

// updateScore runs the CBSS recursion for one frame and returns the
// counter shift if a renormalization happened.
func (t *Tracker) updateScore(onset float64) int {
	T := t.period
	if T < 10 {
		T = 10
	}
	t.recomputeWeights(T)

	// Best weighted score in the window [n-2T, n-T/2].
	maxWeighted := 0.0
	for i := 0; i < t.weightCount; i++ {
		idx := t.sampleCount - (T/2 + i)
		if idx < 0 {
			continue
		}
		v := t.cbss[idx%bufferSize] * t.weights[i]
		if v > maxWeighted {
			maxWeighted = v
		}
	}

	alpha := t.Alpha
	if t.WarmupBeats > 0 && t.beatCount < t.WarmupBeats {
		alpha *= 0.55
	}

	value := (1-alpha)*onset + alpha*maxWeighted
	t.cbss[t.sampleCount%bufferSize] = value
	t.cbssMean = t.cbssMean*0.992 + value*0.008
	t.sampleCount++

	if t.sampleCount > renormThreshold {
		return t.renormalize()
	}
	return 0
}

// renormalize rebases the absolute sample counter onto the ring size,
// preserving every relative offset the tracker holds.
func (t *Tracker) renormalize() int {
	shift := t.sampleCount - bufferSize
	t.sampleCount -= shift
	t.lastBeatSample -= shift
	if t.lastBeatSample < 0 {
		t.lastBeatSample = 0
	}
	t.lastTransientSample -= shift
	if t.lastTransientSample < 0 {
		t.lastTransientSample = -1
	}
	return shift
}

func (t *Tracker) declareBeat(nowMs uint32) {
	if t.SnapWindow > 0 && t.Onsets != nil && t.Onsets.Count() > 0 {
		// Anchor the beat at the strongest raw onset just behind the
		// countdown position. Each beat pulls the grid a little closer
		// to where onsets actually land.
		bestOSS := -1.0
		bestOffset := 0
		for d := 0; d <= t.SnapWindow; d++ {
			if d >= t.Onsets.Count() {
				break
			}
			oss := t.Onsets.Latest(d)
			if oss > bestOSS {
				bestOSS = oss
				bestOffset = d
			}
		}
		t.lastBeatSample = t.sampleCount - bestOffset
	} else {
		t.lastBeatSample = t.sampleCount
	}

	if t.beatCount < 65535 {
		t.beatCount++
	}
	t.confidence = dsp.Clamp01(t.confidence + 0.15)
	t.updateStability(nowMs)

	// Captured before the countdown reset clears the flag, so callers
	// see whether prediction timed the beat that just fired.
	t.firedPredicted = t.nextWasPredicted

	if t.pendingPeriod > 0 {
		t.period = t.pendingPeriod
		t.pendingPeriod = -1
	}
}

// runPeriodicChecks fires the octave and phase scans on their beat
// cadences. It runs after the countdown reset so a re-timed countdown
// sticks.
func (t *Tracker) runPeriodicChecks() {
	if t.OctaveCheckEnabled {
		t.beatsSinceOctave++
		if t.beatsSinceOctave >= t.OctaveCheckBeats {
			t.checkOctaveAlternative()
			t.beatsSinceOctave = 0
		}
	}
	if t.PhaseCheckEnabled {
		t.beatsSincePhase++
		if t.beatsSincePhase >= t.PhaseCheckBeats {
			t.checkPhaseAlignment()
			t.beatsSincePhase = 0
		}
	}
}

// updateStability folds a fresh inter-beat interval into the coefficient
// of variation estimate. Intervals outside 200-2000ms are ignored.
func (t *Tracker) updateStability(nowMs uint32) {
	if t.lastBeatMs == 0 {
		t.lastBeatMs = nowMs
		return
	}

	ibi := float64(nowMs - t.lastBeatMs)
	t.lastBeatMs = nowMs

	if ibi < 200 || ibi > 2000 {
		return
	}

	t.ibis[t.ibiWrite] = ibi
	t.ibiWrite = (t.ibiWrite + 1) % stabilityRingSize
	if t.ibiCount < stabilityRingSize {
		t.ibiCount++
	}

	if t.ibiCount < 4 {
		t.stability = 0
		return
	}

	count := t.ibiCount
	if t.StabilityWindow > 0 && count > t.StabilityWindow {
		count = t.StabilityWindow
	}

	sum := 0.0
	for i := 0; i < count; i++ {
		idx := (t.ibiWrite - 1 - i + stabilityRingSize) % stabilityRingSize
		sum += t.ibis[idx]
	}
	mean := sum / float64(count)

	variance := 0.0
	for i := 0; i < count; i++ {
		idx := (t.ibiWrite - 1 - i + stabilityRingSize) % stabilityRingSize
		diff := t.ibis[idx] - mean
		variance += diff * diff
	}
	variance /= float64(count)

	cv := 1.0
	if mean > 0 {
		cv = math.Sqrt(variance) / mean
	}

	// CV of 0.02 maps to perfectly stable, 0.17 and above to unstable.
	t.stability = dsp.Clamp01(1 - (cv-0.02)/0.15)
}

// Period returns the working beat period in frames.
func (t *Tracker) Period() int { return t.period }

// Phase returns the current beat phase in [0,1), 0 meaning on the beat.
func (t *Tracker) Phase() float64 { return t.phase }

// Confidence returns the beat confidence accumulated from declared beats.
func (t *Tracker) Confidence() float64 { return t.confidence }

// Stability returns the inter-beat interval regularity in [0,1].
func (t *Tracker) Stability() float64 { return t.stability }

// BeatCount returns how many beats have been declared since reset.
func (t *Tracker) BeatCount() int { return t.beatCount }

// SampleCount returns the absolute frame index of the next score sample.
func (t *Tracker) SampleCount() int { return t.sampleCount }

// TimeToNextBeat returns the countdown to the next beat in frames.
func (t *Tracker) TimeToNextBeat() int { return t.toNextBeat }

// LastFiredPredicted reports whether the most recent beat's timing came
// from midpoint prediction.
func (t *Tracker) LastFiredPredicted() bool { return t.firedPredicted }

// SinceTransient returns frames elapsed since the last marked transient,
// or -1 when none has been seen.
func (t *Tracker) SinceTransient() int {
	if t.lastTransientSample < 0 {
		return -1
	}
	return t.sampleCount - t.lastTransientSample
}

// ScoreMean returns the running CBSS mean used by the beat gate.
func (t *Tracker) ScoreMean() float64 { return t.cbssMean }
