// Package engine ties the analysis pipeline together: spectral frames
// feed the onset ensemble, the ensemble's continuous flux becomes the
// onset strength signal, periodicity analysis estimates tempo, the beat
// tracker places the grid, and an output stage folds everything into
// one AudioControl per frame.
//
// An Engine is single-caller: one goroutine pushes samples
// and calls Update at the animation rate. Nothing here locks; callers
// that expose the engine to other goroutines hold their own mutex
// between whole Update calls.
package engine

import (
	"github.com/Jdubz/blinky-time-sub003/internal/beat"
	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
	"github.com/Jdubz/blinky-time-sub003/internal/onset"
	"github.com/Jdubz/blinky-time-sub003/internal/spectral"
	"github.com/Jdubz/blinky-time-sub003/internal/tempo"
)

// bandWeightUpdateMs is the cadence for re-learning adaptive band
// weights. Matches a few autocorrelation cycles of fresh history.
const bandWeightUpdateMs = 2000

// Engine runs the full rhythm analysis pipeline. Construct with New,
// feed PCM with PushSamples, and call Update once per frame with the
// elapsed wall-clock time.
type Engine struct {
	ensemble  *onset.Ensemble
	estimator *tempo.Estimator
	tracker   *beat.Tracker
	level     *levelFollower
	smoother  *tempo.Smoother

	params Params

	clockMs    float64
	nowMs      uint32
	lastBandMs uint32

	prevOdf       float64
	lastBeat      bool
	lastPredicted bool
	beatBPM       float64

	densityWindowMs float64
	densityCount    int
	onsetDensity    float64

	control AudioControl
}

// New builds an engine at calibrated defaults. The tracker reads the
// estimator's onset history directly and reports octave switches back,
// so tempo and beat state can never describe two different signals.
func New() *Engine {
	e := &Engine{
		ensemble:  onset.NewEnsemble(),
		estimator: tempo.NewEstimator(),
		tracker:   beat.NewTracker(),
		level:     newLevelFollower(),
		smoother:  tempo.NewSmoother(3),
	}
	e.tracker.Onsets = e.estimator.Stream()
	e.tracker.Follower = e.estimator
	e.params = DefaultParams()
	e.ApplyParams(e.params)
	return e
}

// PushSamples feeds signed 16-bit mono PCM captured since the last
// Update. Batches may arrive in any size; the analyzers accumulate
// until a full window is ready.
func (e *Engine) PushSamples(samples []int16) {
	e.level.accumulate(samples)
	e.ensemble.AddSamples(samples)
}

// Update advances the pipeline by one frame and returns the control
// snapshot for it. dt is the elapsed time in seconds; implausible
// values are clamped so a stalled caller cannot corrupt the clock.
func (e *Engine) Update(dt float64) AudioControl {
	dt = dsp.Clamp(dsp.Finite(dt), 0.001, 0.25)
	e.clockMs += dt * 1000
	e.nowMs = uint32(e.clockMs)

	e.level.update(dt)

	out := e.ensemble.Update(e.level.scaled(), e.level.raw(), e.nowMs, dt)

	transient := out.TransientStrength
	if transient > 0 {
		e.estimator.RecordOnset(e.tracker.SampleCount())
		e.tracker.MarkTransient()
		e.densityCount++
	}
	e.updateOnsetDensity(dt)

	raw := e.odfValue(transient)
	smoothed := e.smoother.Apply(raw)
	e.estimator.Advance(smoothed, raw, e.nowMs)

	if upd, ok := e.estimator.Run(e.nowMs, e.onsetDensity); ok {
		e.tracker.ApplyTempo(upd.PeriodSamples, true)
		e.ensemble.Fusion().SetTempoHint(upd.BPM)
		e.beatBPM = upd.BPM
	}

	res := e.tracker.Update(smoothed, e.nowMs)
	if res.CounterShift != 0 {
		e.estimator.ShiftOnsets(res.CounterShift)
	}
	e.lastBeat = res.Beat
	e.lastPredicted = res.Predicted

	if e.params.AdaptiveBandWeights && e.nowMs-e.lastBandMs >= bandWeightUpdateMs {
		e.lastBandMs = e.nowMs
		e.ensemble.Flux().Weights.Update(e.params.BPMMin, e.params.BPMMax, e.frameRate())
	}

	e.control = e.synthesize(transient)
	return e.control
}

// odfValue selects the onset detection function feeding tempo and beat
// tracking. The unified band flux is the production source; the rest
// exist for tuning sessions that need to isolate one feature.
func (e *Engine) odfValue(transient float64) float64 {
	flux := e.ensemble.Flux()
	var v float64
	switch e.params.OdfSource {
	case "level":
		v = e.level.raw()
	case "bassFlux":
		v = flux.BassFlux()
	case "bassEnergy":
		v = e.bassEnergy()
	case "bassRatio":
		total := e.ensemble.Spectral().TotalEnergy()
		if total > 1e-6 {
			v = dsp.Clamp01(e.bassEnergy() / total)
		}
	case "centroid":
		v = dsp.Clamp01(e.ensemble.Spectral().SpectralCentroid() / 4000)
	case "onsets":
		if transient > 0 {
			v = 1
		}
	default: // "flux"
		v = flux.CombinedFlux()
	}

	v = dsp.Finite(v)
	e.prevOdf = v
	return v
}

func (e *Engine) bassEnergy() float64 {
	mags := e.ensemble.Spectral().Magnitudes()
	sum := 0.0
	for k := spectral.BassBandMin; k <= spectral.BassBandMax && k < len(mags); k++ {
		sum += mags[k]
	}
	return sum / float64(spectral.BassBandMax-spectral.BassBandMin+1)
}

// frameRate reports the measured analysis rate in frames per second,
// falling back to the nominal rate before enough history exists.
func (e *Engine) frameRate() float64 {
	if spm := e.estimator.ACF().SamplesPerMs(); spm > 0 {
		return spm * 1000
	}
	return 60
}

// ApplyParams pushes a tuning snapshot into every component. Safe to
// call between any two Update calls; nothing reallocates.
func (e *Engine) ApplyParams(p Params) {
	e.params = p

	acf := e.estimator.ACF()
	acf.BPMMin = p.BPMMin
	acf.BPMMax = p.BPMMax
	e.tracker.BPMMin = p.BPMMin
	if p.TempoIntervalMs > 0 {
		e.estimator.IntervalMs = uint32(p.TempoIntervalMs)
	}
	e.estimator.SmoothingFactor = dsp.Clamp(p.TempoSmoothing, 0, 0.99)
	e.estimator.ActivationThreshold = p.ActivationThreshold

	e.smoother.Width = p.OdfSmoothWidth

	flux := e.ensemble.Flux()
	flux.Weights.SetDefaults(p.BandWeightBass, p.BandWeightMid, p.BandWeightHigh)
	flux.Weights.Enabled = p.AdaptiveBandWeights
	flux.HiResBass = p.HiResBass
	e.ensemble.Bass().Enabled = p.HiResBass

	state := e.estimator.State()
	state.AcfWeight = p.BayesAcfWeight
	state.FtWeight = p.BayesFtWeight
	state.CombWeight = p.BayesCombWeight
	state.IoiWeight = p.BayesIoiWeight
	state.PriorWeight = p.BayesPriorWeight
	state.Lambda = p.TransitionLambda
	state.PriorCenter = p.PriorCenter
	state.PriorWidth = p.PriorWidth
	state.PosteriorFloor = p.PosteriorFloor
	state.HalfLagRatio = p.HalfLagRatio
	state.TwoThirdsLagRatio = p.TwoThirdsLagRatio
	state.DoubleLagRatio = p.DoubleLagRatio
	state.DisambigNudge = p.DisambigNudge

	e.estimator.Comb().FeedbackGain = dsp.Clamp(p.CombFeedback, 0, 0.99)

	e.tracker.Alpha = dsp.Clamp(p.CbssAlpha, 0, 0.99)
	e.tracker.Tightness = p.CbssTightness
	e.tracker.ThresholdFactor = p.CbssThresholdFactor
	e.tracker.TimingOffset = p.TimingOffset
	e.tracker.PhaseCorrection = dsp.Clamp(p.PhaseCorrection, 0, 1)

	fusion := e.ensemble.Fusion()
	if p.CooldownMs > 0 {
		fusion.CooldownMs = uint32(p.CooldownMs)
	}
	fusion.AdaptiveCooldown = p.AdaptiveCooldown
	fusion.MinConfidence = p.MinConfidence
	fusion.MinLevel = p.NoiseGateLevel

	for name, d := range p.Detectors {
		if kind, ok := onset.ParseKind(name); ok {
			e.ensemble.ConfigureDetector(kind, onset.Config{
				Weight:    d.Weight,
				Threshold: d.Threshold,
				Enabled:   d.Enabled,
			})
		}
	}
}

// Params returns the tuning snapshot most recently applied.
func (e *Engine) Params() Params { return e.params }

// SetParam assigns one named field and applies the result immediately.
func (e *Engine) SetParam(name string, value float64) error {
	p := e.params
	if err := p.Set(name, value); err != nil {
		return err
	}
	e.ApplyParams(p)
	return nil
}

// GetParam reads one named field from the live tuning.
func (e *Engine) GetParam(name string) (float64, error) {
	return e.params.Get(name)
}

// Control returns the most recent AudioControl without advancing.
func (e *Engine) Control() AudioControl { return e.control }

// BPM returns the smoothed tempo estimate.
func (e *Engine) BPM() float64 { return e.estimator.BPM() }

// PeriodicityStrength reports how rhythmic the input currently is.
func (e *Engine) PeriodicityStrength() float64 { return e.estimator.Strength() }

// LastBeat reports whether the most recent Update declared a beat.
func (e *Engine) LastBeat() bool { return e.lastBeat }

// LastPredicted reports whether that beat came from the tempo grid
// rather than a scored onset peak.
func (e *Engine) LastPredicted() bool { return e.lastPredicted }

// NowMs returns the engine's millisecond clock.
func (e *Engine) NowMs() uint32 { return e.nowMs }

// PredictNextBeatMs estimates the time to the next beat in
// milliseconds, corrected for tempo drift: when the tempo is still
// accelerating the grid arrives earlier than the frozen period says.
func (e *Engine) PredictNextBeatMs() float64 {
	frames := float64(e.tracker.TimeToNextBeat())
	if frames < 0 {
		frames = 0
	}
	spm := e.estimator.ACF().SamplesPerMs()
	if spm <= 0 {
		spm = 0.06
	}
	ms := frames / spm

	bpm := e.estimator.BPM()
	if v := e.estimator.Velocity(); v != 0 && bpm > 0 {
		ms *= bpm / (bpm + v*ms/2000)
	}
	return dsp.Finite(ms)
}

// Tempo exposes the tempo subsystem for status and tuning.
func (e *Engine) Tempo() *tempo.Estimator { return e.estimator }

// Tracker exposes the beat tracker for status and tuning.
func (e *Engine) Tracker() *beat.Tracker { return e.tracker }

// Ensemble exposes the onset detection chain for status and tuning.
func (e *Engine) Ensemble() *onset.Ensemble { return e.ensemble }

// Reset restores boot state while keeping the applied tuning, so the
// same input sequence replays to the same output sequence.
func (e *Engine) Reset() {
	e.ensemble.Reset()
	e.estimator.Reset()
	e.tracker.Reset()
	e.level.reset()
	e.smoother.Reset()

	e.clockMs = 0
	e.nowMs = 0
	e.lastBandMs = 0
	e.prevOdf = 0
	e.lastBeat = false
	e.lastPredicted = false
	e.beatBPM = 0
	e.densityWindowMs = 0
	e.densityCount = 0
	e.onsetDensity = 0
	e.control = AudioControl{}

	e.ApplyParams(e.params)
}
