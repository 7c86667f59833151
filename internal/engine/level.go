package engine

import (
	"math"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

// levelFollower tracks the perceived input loudness: an asymmetric
// attack/release envelope over the mean absolute PCM amplitude, plus a
// hysteretic loud-mode latch for sustained near-full-scale material.
// In loud mode the scaled level runs through a logarithmic law so the
// top of the range keeps visible contrast instead of pinning at 1.
type levelFollower struct {
	AttackTau  float64 // seconds, envelope rise
	ReleaseTau float64 // seconds, envelope fall

	LoudEngageLevel  float64 // envelope above this arms loud mode
	LoudReleaseLevel float64 // envelope below this disarms it
	LoudEngageMs     float64 // sustain required before engaging
	LoudReleaseMs    float64 // sustain required before releasing

	batchSum   float64
	batchCount int

	envelope float64
	loudMode bool
	holdMs   float64
}

func newLevelFollower() *levelFollower {
	return &levelFollower{
		AttackTau:        0.005,
		ReleaseTau:       0.25,
		LoudEngageLevel:  0.85,
		LoudReleaseLevel: 0.55,
		LoudEngageMs:     1200,
		LoudReleaseMs:    3000,
	}
}

// accumulate folds a PCM batch into the pending frame measurement.
func (l *levelFollower) accumulate(samples []int16) {
	for _, s := range samples {
		v := float64(s)
		if v < 0 {
			v = -v
		}
		l.batchSum += v / 32768.0
	}
	l.batchCount += len(samples)
}

// update advances the envelope by one frame. Frames with no new samples
// release toward zero so a stalled capture path reads as silence.
func (l *levelFollower) update(dt float64) {
	target := 0.0
	if l.batchCount > 0 {
		target = l.batchSum / float64(l.batchCount)
		l.batchSum = 0
		l.batchCount = 0
	}

	tau := l.ReleaseTau
	if target > l.envelope {
		tau = l.AttackTau
	}
	l.envelope += dsp.SmoothingFactor(dt, tau) * (target - l.envelope)
	l.envelope = dsp.Clamp01(dsp.Finite(l.envelope))

	if l.loudMode {
		if l.envelope < l.LoudReleaseLevel {
			l.holdMs += dt * 1000
			if l.holdMs >= l.LoudReleaseMs {
				l.loudMode = false
				l.holdMs = 0
			}
		} else {
			l.holdMs = 0
		}
	} else {
		if l.envelope > l.LoudEngageLevel {
			l.holdMs += dt * 1000
			if l.holdMs >= l.LoudEngageMs {
				l.loudMode = true
				l.holdMs = 0
			}
		} else {
			l.holdMs = 0
		}
	}
}

// raw returns the unscaled envelope in [0, 1].
func (l *levelFollower) raw() float64 { return l.envelope }

// scaled returns the perceptually scaled level. Loud mode swaps in a
// log law with a 1.2 gain, clamped, so crushed masters still breathe.
func (l *levelFollower) scaled() float64 {
	if !l.loudMode {
		return l.envelope
	}
	v := math.Log1p(6*l.envelope) / math.Log(7) * 1.2
	return dsp.Clamp01(v)
}

// loud reports whether loud mode is currently latched.
func (l *levelFollower) loud() bool { return l.loudMode }

func (l *levelFollower) reset() {
	l.batchSum = 0
	l.batchCount = 0
	l.envelope = 0
	l.loudMode = false
	l.holdMs = 0
}
