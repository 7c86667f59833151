package onset

import (
	"github.com/Jdubz/blinky-time-sub003/internal/spectral"
)

// Ensemble owns the spectral analyzers, the voting detectors, the
// band-weighted flux stage and fusion, and runs them in a fixed order
// each frame. It is single-goroutine like everything downstream of the
// sample feed.
type Ensemble struct {
	spectralAnalyzer *spectral.Analyzer
	bassAnalyzer     *spectral.BassAnalyzer

	detectors [NumKinds]Detector
	flux      *BandFlux
	fusion    *Fusion

	frame       Frame
	lastResults [NumKinds]Result
	lastOutput  Output

	// freshSpectral reports whether the most recent Update consumed a
	// newly computed spectral frame. The unified onset signal only
	// advances on fresh frames.
	freshSpectral bool
}

// NewEnsemble builds the full detection chain at calibrated defaults.
func NewEnsemble() *Ensemble {
	e := &Ensemble{
		spectralAnalyzer: spectral.NewAnalyzer(),
		bassAnalyzer:     spectral.NewBassAnalyzer(),
		flux:             NewBandFlux(),
		fusion:           NewFusion(),
	}
	e.detectors = [NumKinds]Detector{
		KindDrummer:       NewDrummerDetector(),
		KindSpectralFlux:  NewSpectralFluxDetector(),
		KindHFC:           NewHFCDetector(),
		KindBassBand:      NewBassBandDetector(),
		KindComplexDomain: NewComplexDomainDetector(),
		KindNovelty:       NewNoveltyDetector(),
	}
	// Detector-side configs start from the same calibrated table the
	// fusion stage uses, so both views agree from the first frame.
	for i := 0; i < NumKinds; i++ {
		e.detectors[i].Configure(e.fusion.GetConfig(Kind(i)))
	}
	return e
}

// AddSamples feeds PCM to both analyzers. Frames are computed lazily in
// Update once a full window has accumulated.
func (e *Ensemble) AddSamples(samples []int16) {
	e.spectralAnalyzer.AddSamples(samples)
	e.bassAnalyzer.AddSamples(samples)
}

// Update runs one detection frame: process any pending analysis windows,
// run the enabled detectors and the band flux, and fuse the votes.
// level is the perceptually scaled envelope level, rawLevel the unscaled
// one; timestampMs drives cooldowns.
func (e *Ensemble) Update(level, rawLevel float64, timestampMs uint32, dt float64) Output {
	if e.spectralAnalyzer.HasSamples() {
		e.spectralAnalyzer.Process()
	}
	e.bassAnalyzer.Process()

	e.freshSpectral = e.spectralAnalyzer.FrameReady()

	e.frame = Frame{
		Level:         level,
		RawLevel:      rawLevel,
		TimestampMs:   timestampMs,
		SpectralValid: e.freshSpectral || e.spectralAnalyzer.HasPreviousFrame(),
		Magnitudes:    e.spectralAnalyzer.Magnitudes(),
		Phases:        e.spectralAnalyzer.Phases(),
		MelBands:      e.spectralAnalyzer.MelBands(),
		BassValid:     e.bassAnalyzer.Enabled && e.bassAnalyzer.HasPreviousFrame(),
	}
	if e.frame.BassValid {
		e.frame.BassMagnitudes = e.bassAnalyzer.Magnitudes()
	}

	for i := 0; i < NumKinds; i++ {
		if !e.detectors[i].GetConfig().Enabled {
			e.lastResults[i] = Result{}
			continue
		}
		e.lastResults[i] = e.detectors[i].Detect(&e.frame, dt)
	}

	// The flux stage only advances on fresh frames; re-running it on a
	// stale frame would push duplicates into its history.
	if e.freshSpectral {
		e.flux.Process(&e.frame)
	}

	e.spectralAnalyzer.ResetFrameReady()
	e.bassAnalyzer.ResetFrameReady()

	e.lastOutput = e.fusion.Fuse(&e.lastResults, timestampMs, level)
	return e.lastOutput
}

// FreshSpectral reports whether the last Update consumed a new spectral
// frame, meaning Flux().CombinedFlux() advanced.
func (e *Ensemble) FreshSpectral() bool { return e.freshSpectral }

// Detector returns one voting detector for inspection or tuning.
func (e *Ensemble) Detector(kind Kind) Detector {
	if int(kind) < NumKinds {
		return e.detectors[kind]
	}
	return nil
}

// Flux returns the non-voting band-weighted flux stage.
func (e *Ensemble) Flux() *BandFlux { return e.flux }

// Fusion returns the fusion stage.
func (e *Ensemble) Fusion() *Fusion { return e.fusion }

// Spectral returns the 256-point analyzer.
func (e *Ensemble) Spectral() *spectral.Analyzer { return e.spectralAnalyzer }

// Bass returns the optional 512-point bass analyzer.
func (e *Ensemble) Bass() *spectral.BassAnalyzer { return e.bassAnalyzer }

// LastResults returns the per-detector votes from the most recent frame.
func (e *Ensemble) LastResults() [NumKinds]Result { return e.lastResults }

// LastOutput returns the most recent fused verdict.
func (e *Ensemble) LastOutput() Output { return e.lastOutput }

// SetDetectorWeight updates a detector's vote weight in both the fusion
// table and the detector's own config.
func (e *Ensemble) SetDetectorWeight(kind Kind, weight float64) {
	if int(kind) >= NumKinds {
		return
	}
	cfg := e.fusion.GetConfig(kind)
	cfg.Weight = weight
	e.fusion.Configure(kind, cfg)
	e.detectors[kind].Configure(cfg)
}

// SetDetectorThreshold updates a detector's threshold in both views.
func (e *Ensemble) SetDetectorThreshold(kind Kind, threshold float64) {
	if int(kind) >= NumKinds {
		return
	}
	cfg := e.fusion.GetConfig(kind)
	cfg.Threshold = threshold
	e.fusion.Configure(kind, cfg)
	e.detectors[kind].Configure(cfg)
}

// SetDetectorEnabled toggles a detector in both views.
func (e *Ensemble) SetDetectorEnabled(kind Kind, enabled bool) {
	if int(kind) >= NumKinds {
		return
	}
	cfg := e.fusion.GetConfig(kind)
	cfg.Enabled = enabled
	e.fusion.Configure(kind, cfg)
	e.detectors[kind].Configure(cfg)
}

// ConfigureDetector replaces a detector's full config in both views.
func (e *Ensemble) ConfigureDetector(kind Kind, cfg Config) {
	if int(kind) >= NumKinds {
		return
	}
	e.fusion.Configure(kind, cfg)
	e.detectors[kind].Configure(cfg)
}

// Reset clears all runtime state while keeping tuning: analyzers,
// detector histories, flux history and the fusion cooldown clock.
func (e *Ensemble) Reset() {
	e.spectralAnalyzer.Reset()
	e.bassAnalyzer.Reset()
	for i := 0; i < NumKinds; i++ {
		e.detectors[i].Reset()
	}
	e.flux.Reset()
	e.fusion.ResetState()
	e.frame = Frame{}
	e.lastResults = [NumKinds]Result{}
	e.lastOutput = Output{}
	e.freshSpectral = false
}
