package onset

import (
	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

// Calibrated per-detector defaults. Weights and thresholds are kept even
// for detectors that ship disabled so re-enabling one at runtime starts
// from a sane operating point.
var (
	defaultWeights    = [NumKinds]float64{0.35, 0.20, 0.20, 0.45, 0.13, 0.12}
	defaultThresholds = [NumKinds]float64{3.5, 1.4, 4.0, 3.0, 2.0, 2.5}
	defaultEnabled    = [NumKinds]bool{true, false, true, true, false, false}

	// Agreement boost by number of detectors that fired. Noise rarely
	// trips several independent algorithms in the same frame; real
	// transients do. A lone detection is strongly discounted.
	defaultAgreementBoosts = [NumKinds + 1]float64{0, 0.5, 0.9, 1.0, 1.1, 1.15, 1.2}
)

// Output is the fused verdict for one frame.
type Output struct {
	// TransientStrength is the weighted, agreement-scaled strength in
	// [0, 1], zero when suppressed by the cooldown or noise gate.
	TransientStrength float64
	// Confidence is the agreement boost capped at 1. It is reported even
	// when the cooldown suppresses the transient, so tuning sessions can
	// see what fusion would have produced.
	Confidence float64
	// Agreement counts the detectors that fired this frame.
	Agreement int
	// Dominant is the firing detector with the highest strength.
	Dominant Kind
}

// Fusion combines per-detector results with fixed calibrated weights and
// agreement-based scaling, then applies a unified cooldown and a noise
// gate. The cooldown runs after fusion: individual detectors stay free
// to fire every frame, but the ensemble emits at most one transient per
// cooldown window.
type Fusion struct {
	configs         [NumKinds]Config
	agreementBoosts [NumKinds + 1]float64
	lastTransientMs uint32
	tempoHintBPM    float64

	// CooldownMs is the base refractory period between fused transients.
	CooldownMs uint32
	// AdaptiveCooldown shortens the cooldown at fast tempos so sixteenth
	// patterns at 170+ BPM are not swallowed.
	AdaptiveCooldown bool
	// MinConfidence drops detections whose self-assessed confidence is
	// below this floor before they are counted.
	MinConfidence float64
	// MinLevel is the noise gate: below this envelope level nothing is
	// emitted at all.
	MinLevel float64
}

// Cooldown bounds for the tempo-adaptive path.
const (
	minCooldownMs = 40
	maxCooldownMs = 150
)

// NewFusion returns a fusion stage at calibrated defaults.
func NewFusion() *Fusion {
	f := &Fusion{
		CooldownMs:       250,
		AdaptiveCooldown: true,
		MinConfidence:    0.40,
		MinLevel:         0.025,
	}
	f.ResetDefaults()
	return f
}

// ResetDefaults restores the calibrated weights, thresholds, enables and
// agreement boosts.
func (f *Fusion) ResetDefaults() {
	for i := 0; i < NumKinds; i++ {
		f.configs[i] = Config{
			Weight:    defaultWeights[i],
			Threshold: defaultThresholds[i],
			Enabled:   defaultEnabled[i],
		}
	}
	f.agreementBoosts = defaultAgreementBoosts
	f.lastTransientMs = 0
	f.tempoHintBPM = 0
}

// ResetState clears runtime state (cooldown clock, tempo hint) while
// keeping the current configuration.
func (f *Fusion) ResetState() {
	f.lastTransientMs = 0
	f.tempoHintBPM = 0
}

// Configure replaces one detector's fusion config.
func (f *Fusion) Configure(kind Kind, cfg Config) {
	if int(kind) < NumKinds {
		f.configs[kind] = cfg
	}
}

// GetConfig returns one detector's fusion config.
func (f *Fusion) GetConfig(kind Kind) Config {
	if int(kind) < NumKinds {
		return f.configs[kind]
	}
	return Config{}
}

// AgreementBoost returns the boost applied when count detectors fire.
func (f *Fusion) AgreementBoost(count int) float64 {
	if count < 0 {
		return 0
	}
	if count > NumKinds {
		count = NumKinds
	}
	return f.agreementBoosts[count]
}

// SetTempoHint feeds the current tempo estimate to the adaptive
// cooldown. Zero disables adaptation.
func (f *Fusion) SetTempoHint(bpm float64) { f.tempoHintBPM = bpm }

// EffectiveCooldownMs is the cooldown in force right now: the base value
// or, with a tempo hint, one sixth of the beat period clamped to
// [40, 150] ms and never above the base.
func (f *Fusion) EffectiveCooldownMs() uint32 {
	if !f.AdaptiveCooldown || f.tempoHintBPM <= 0 {
		return f.CooldownMs
	}
	beatPeriodMs := 60000 / f.tempoHintBPM
	cd := uint32(dsp.Clamp(beatPeriodMs/6, minCooldownMs, maxCooldownMs))
	if cd > f.CooldownMs {
		cd = f.CooldownMs
	}
	return cd
}

// Fuse combines one frame of detector results. level is the current
// envelope level for the noise gate; timestampMs drives the cooldown
// with wraparound-safe unsigned arithmetic.
func (f *Fusion) Fuse(results *[NumKinds]Result, timestampMs uint32, level float64) Output {
	var out Output

	agreement := 0
	weightedSum := 0.0
	activeWeight := 0.0
	maxStrength := 0.0

	for i := 0; i < NumKinds; i++ {
		if !f.configs[i].Enabled {
			continue
		}
		r := results[i]
		if !r.Detected || r.Confidence < f.MinConfidence {
			continue
		}
		agreement++
		weightedSum += r.Strength * f.configs[i].Weight
		activeWeight += f.configs[i].Weight
		if r.Strength > maxStrength {
			maxStrength = r.Strength
			out.Dominant = Kind(i)
		}
	}

	combined := 0.0
	if activeWeight > 0 {
		combined = weightedSum / activeWeight
	}

	boost := f.AgreementBoost(agreement)
	fused := combined * boost
	if fused > 1 {
		fused = 1
	}

	elapsed := timestampMs - f.lastTransientMs
	cooldownOver := elapsed > f.EffectiveCooldownMs()
	gateOpen := level >= f.MinLevel

	if fused > 0.01 && cooldownOver && gateOpen {
		out.TransientStrength = fused
		f.lastTransientMs = timestampMs
	}

	out.Confidence = dsp.Clamp01(boost)
	out.Agreement = agreement
	return out
}
