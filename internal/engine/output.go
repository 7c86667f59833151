package engine

import (
	"math"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

// AudioControl is the engine's sole output: everything a lighting
// generator needs, nothing about how it was computed. Rebuilt every
// frame; consumers treat it as read-only.
type AudioControl struct {
	// Energy is the perceived loudness in [0, 1], lifted near beats
	// when the rhythm is trustworthy.
	Energy float64
	// Pulse is the percussive transient strength in [0, 1], emphasized
	// on the beat grid and damped between beats.
	Pulse float64
	// Phase is the beat phase in [0, 1); 0 lands on the beat.
	Phase float64
	// RhythmStrength is how confidently a rhythm is being tracked,
	// in [0, 1].
	RhythmStrength float64
	// OnsetDensity is the smoothed transient rate in onsets per second.
	OnsetDensity float64
	// LoudMode reports sustained near-full-scale input, letting effects
	// switch to a high-energy palette.
	LoudMode bool
}

// Pulse emphasis across the beat cycle. On-beat transients read as the
// rhythm; off-beat ones read as texture.
const (
	pulseOnBeatGain  = 1.2
	pulseOffBeatGain = 0.5

	energyBeatBoost = 0.4

	// Above this energy, transients compress progressively (to half at
	// full scale) so saturated passages do not strobe.
	pulseCompressKnee = 0.8

	// Onset density nudge on rhythm strength, centered at the density
	// of a typical beat-driven track.
	densityCenter = 3.0
	densitySpan   = 3.0
	densityNudge  = 0.1
)

// updateOnsetDensity maintains a once-per-second EMA of the transient
// rate. Counting over a full window instead of per-frame keeps the
// value meaningful at any frame rate.
func (e *Engine) updateOnsetDensity(dt float64) {
	e.densityWindowMs += dt * 1000
	if e.densityWindowMs < 1000 {
		return
	}
	e.densityWindowMs -= 1000
	e.onsetDensity = 0.7*e.onsetDensity + 0.3*float64(e.densityCount)
	e.densityCount = 0
}

// beatProximity maps phase distance from the nearest beat into [0, 1]:
// 1 exactly on the beat, falling linearly to 0 at the edge of the
// transition zone.
func beatProximity(phase, zone float64) float64 {
	d := math.Min(phase, 1-phase)
	if zone <= 0 || d >= zone {
		return 0
	}
	return 1 - d/zone
}

// synthesize folds the frame's analysis into the public control. The
// periodicity strength gates every rhythm-derived embellishment, so a
// weak or absent rhythm degrades to plain level/transient passthrough.
func (e *Engine) synthesize(transient float64) AudioControl {
	strength := e.estimator.Strength()
	phase := e.tracker.Phase()
	confidence := e.tracker.Confidence()
	level := e.level.scaled()

	energy := level
	if strength > e.params.ActivationThreshold {
		prox := beatProximity(phase, 0.5)
		energy = dsp.Clamp01(level * (1 + energyBeatBoost*prox*strength))
	}

	pulse := transient
	if transient > 0 {
		prox := beatProximity(phase, e.params.PulseTransition)
		gain := pulseOffBeatGain + (pulseOnBeatGain-pulseOffBeatGain)*prox
		modulated := dsp.Clamp01(transient * gain)
		// Blend toward the unmodulated transient as periodicity fades:
		// without a trusted grid there is no "on-beat" to reward.
		pulse = transient + (modulated-transient)*dsp.Clamp01(strength)
	}
	if energy > pulseCompressKnee {
		over := (energy - pulseCompressKnee) / (1 - pulseCompressKnee)
		pulse *= 1 - 0.5*over
	}

	rs := 0.6*strength + 0.4*confidence
	if thr := e.params.ActivationThreshold; thr > 0 && rs < thr {
		// Quadratic knee below the activation point: weak evidence
		// fades out smoothly instead of flickering around a hard gate.
		rs = rs * rs / thr
	}
	rs += densityNudge * dsp.Clamp((e.onsetDensity-densityCenter)/densitySpan, -1, 1)

	return AudioControl{
		Energy:         dsp.Clamp01(dsp.Finite(energy)),
		Pulse:          dsp.Clamp01(dsp.Finite(pulse)),
		Phase:          dsp.Finite(phase),
		RhythmStrength: dsp.Clamp01(dsp.Finite(rs)),
		OnsetDensity:   dsp.Finite(e.onsetDensity),
		LoudMode:       e.level.loud(),
	}
}
