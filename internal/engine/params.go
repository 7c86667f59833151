package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Jdubz/blinky-time-sub003/internal/onset"
)

// DetectorParams is the tunable surface of one voting detector.
type DetectorParams struct {
	Weight    float64 `json:"weight" yaml:"weight"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Enabled   bool    `json:"enabled" yaml:"enabled"`
}

// Params is the full numeric tuning surface of the engine. Every field
// maps onto a live component field and can change at runtime without
// reallocation; ApplyParams pushes a snapshot into the pipeline.
//
// PriorCenter and PriorWidth reshape precomputed tables, so they take
// effect on the next Reset rather than mid-stream.
type Params struct {
	// Tempo range and update cadence.
	BPMMin          float64 `json:"bpmMin" yaml:"bpmMin"`
	BPMMax          float64 `json:"bpmMax" yaml:"bpmMax"`
	TempoIntervalMs int     `json:"tempoIntervalMs" yaml:"tempoIntervalMs"`
	TempoSmoothing  float64 `json:"tempoSmoothing" yaml:"tempoSmoothing"`

	// Onset strength construction.
	OdfSource           string  `json:"odfSource" yaml:"odfSource"`
	OdfSmoothWidth      int     `json:"odfSmoothWidth" yaml:"odfSmoothWidth"`
	BandWeightBass      float64 `json:"bandWeightBass" yaml:"bandWeightBass"`
	BandWeightMid       float64 `json:"bandWeightMid" yaml:"bandWeightMid"`
	BandWeightHigh      float64 `json:"bandWeightHigh" yaml:"bandWeightHigh"`
	AdaptiveBandWeights bool    `json:"adaptiveBandWeights" yaml:"adaptiveBandWeights"`
	HiResBass           bool    `json:"hiResBass" yaml:"hiResBass"`

	// Probabilistic tempo model.
	BayesAcfWeight    float64 `json:"bayesAcfWeight" yaml:"bayesAcfWeight"`
	BayesFtWeight     float64 `json:"bayesFtWeight" yaml:"bayesFtWeight"`
	BayesCombWeight   float64 `json:"bayesCombWeight" yaml:"bayesCombWeight"`
	BayesIoiWeight    float64 `json:"bayesIoiWeight" yaml:"bayesIoiWeight"`
	BayesPriorWeight  float64 `json:"bayesPriorWeight" yaml:"bayesPriorWeight"`
	TransitionLambda  float64 `json:"transitionLambda" yaml:"transitionLambda"`
	PriorCenter       float64 `json:"priorCenter" yaml:"priorCenter"`
	PriorWidth        float64 `json:"priorWidth" yaml:"priorWidth"`
	PosteriorFloor    float64 `json:"posteriorFloor" yaml:"posteriorFloor"`
	HalfLagRatio      float64 `json:"halfLagRatio" yaml:"halfLagRatio"`
	TwoThirdsLagRatio float64 `json:"twoThirdsLagRatio" yaml:"twoThirdsLagRatio"`
	DoubleLagRatio    float64 `json:"doubleLagRatio" yaml:"doubleLagRatio"`
	DisambigNudge     float64 `json:"disambigNudge" yaml:"disambigNudge"`

	// Comb resonator bank.
	CombFeedback float64 `json:"combFeedback" yaml:"combFeedback"`

	// Beat tracking.
	CbssAlpha           float64 `json:"cbssAlpha" yaml:"cbssAlpha"`
	CbssTightness       float64 `json:"cbssTightness" yaml:"cbssTightness"`
	CbssThresholdFactor float64 `json:"cbssThresholdFactor" yaml:"cbssThresholdFactor"`
	TimingOffset        float64 `json:"timingOffset" yaml:"timingOffset"`
	PhaseCorrection     float64 `json:"phaseCorrection" yaml:"phaseCorrection"`

	// Ensemble fusion.
	CooldownMs       int     `json:"cooldownMs" yaml:"cooldownMs"`
	AdaptiveCooldown bool    `json:"adaptiveCooldown" yaml:"adaptiveCooldown"`
	MinConfidence    float64 `json:"minConfidence" yaml:"minConfidence"`
	NoiseGateLevel   float64 `json:"noiseGateLevel" yaml:"noiseGateLevel"`

	// Output synthesis.
	ActivationThreshold float64 `json:"activationThreshold" yaml:"activationThreshold"`
	PulseTransition     float64 `json:"pulseTransition" yaml:"pulseTransition"`

	// Per-detector tuning, keyed by detector name (drummer, spectral,
	// hfc, bass, complex, novelty).
	Detectors map[string]DetectorParams `json:"detectors" yaml:"detectors"`
}

// DefaultParams returns the calibrated defaults, matching the stock
// construction of every component.
func DefaultParams() Params {
	p := Params{
		BPMMin:          60,
		BPMMax:          200,
		TempoIntervalMs: 500,
		TempoSmoothing:  0.7,

		OdfSource:      "flux",
		OdfSmoothWidth: 3,
		BandWeightBass: 2.0,
		BandWeightMid:  1.5,
		BandWeightHigh: 0.1,

		BayesAcfWeight:    0.3,
		BayesFtWeight:     2,
		BayesCombWeight:   1,
		BayesIoiWeight:    2,
		BayesPriorWeight:  1,
		TransitionLambda:  0.15,
		PriorCenter:       120,
		PriorWidth:        40,
		PosteriorFloor:    0.02,
		HalfLagRatio:      0.5,
		TwoThirdsLagRatio: 0.6,
		DoubleLagRatio:    0.8,
		DisambigNudge:     0.3,

		CombFeedback: 0.84,

		CbssAlpha:           0.9,
		CbssTightness:       5,
		CbssThresholdFactor: 1,
		TimingOffset:        2,
		PhaseCorrection:     0.3,

		CooldownMs:       250,
		AdaptiveCooldown: true,
		MinConfidence:    0.40,
		NoiseGateLevel:   0.025,

		ActivationThreshold: 0.25,
		PulseTransition:     0.15,

		Detectors: make(map[string]DetectorParams, onset.NumKinds),
	}
	for k := 0; k < onset.NumKinds; k++ {
		cfg := defaultDetectorConfig(onset.Kind(k))
		p.Detectors[onset.Kind(k).String()] = DetectorParams{
			Weight:    cfg.Weight,
			Threshold: cfg.Threshold,
			Enabled:   cfg.Enabled,
		}
	}
	return p
}

func defaultDetectorConfig(k onset.Kind) onset.Config {
	f := onset.NewFusion()
	return f.GetConfig(k)
}

func boolValue(v float64) bool { return v != 0 }

func floatValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Set assigns one field by its wire name. Booleans accept 0/nonzero.
// Detector fields use dotted names such as "drummer.threshold" or
// "bass.enabled". Unknown names return an error; values are not range
// checked here, the receiving component clamps where it must.
func (p *Params) Set(name string, value float64) error {
	if det, field, ok := strings.Cut(name, "."); ok {
		return p.setDetector(det, field, value)
	}
	switch name {
	case "bpmMin":
		p.BPMMin = value
	case "bpmMax":
		p.BPMMax = value
	case "tempoIntervalMs":
		p.TempoIntervalMs = int(value)
	case "tempoSmoothing":
		p.TempoSmoothing = value
	case "odfSmoothWidth":
		p.OdfSmoothWidth = int(value)
	case "bandWeightBass":
		p.BandWeightBass = value
	case "bandWeightMid":
		p.BandWeightMid = value
	case "bandWeightHigh":
		p.BandWeightHigh = value
	case "adaptiveBandWeights":
		p.AdaptiveBandWeights = boolValue(value)
	case "hiResBass":
		p.HiResBass = boolValue(value)
	case "bayesAcfWeight":
		p.BayesAcfWeight = value
	case "bayesFtWeight":
		p.BayesFtWeight = value
	case "bayesCombWeight":
		p.BayesCombWeight = value
	case "bayesIoiWeight":
		p.BayesIoiWeight = value
	case "bayesPriorWeight":
		p.BayesPriorWeight = value
	case "transitionLambda":
		p.TransitionLambda = value
	case "priorCenter":
		p.PriorCenter = value
	case "priorWidth":
		p.PriorWidth = value
	case "posteriorFloor":
		p.PosteriorFloor = value
	case "halfLagRatio":
		p.HalfLagRatio = value
	case "twoThirdsLagRatio":
		p.TwoThirdsLagRatio = value
	case "doubleLagRatio":
		p.DoubleLagRatio = value
	case "disambigNudge":
		p.DisambigNudge = value
	case "combFeedback":
		p.CombFeedback = value
	case "cbssAlpha":
		p.CbssAlpha = value
	case "cbssTightness":
		p.CbssTightness = value
	case "cbssThresholdFactor":
		p.CbssThresholdFactor = value
	case "timingOffset":
		p.TimingOffset = value
	case "phaseCorrection":
		p.PhaseCorrection = value
	case "cooldownMs":
		p.CooldownMs = int(value)
	case "adaptiveCooldown":
		p.AdaptiveCooldown = boolValue(value)
	case "minConfidence":
		p.MinConfidence = value
	case "noiseGateLevel":
		p.NoiseGateLevel = value
	case "activationThreshold":
		p.ActivationThreshold = value
	case "pulseTransition":
		p.PulseTransition = value
	default:
		return fmt.Errorf("unknown parameter %q", name)
	}
	return nil
}

func (p *Params) setDetector(det, field string, value float64) error {
	if _, ok := onset.ParseKind(det); !ok {
		return fmt.Errorf("unknown detector %q", det)
	}
	if p.Detectors == nil {
		p.Detectors = make(map[string]DetectorParams)
	}
	d := p.Detectors[det]
	switch field {
	case "weight":
		d.Weight = value
	case "threshold":
		d.Threshold = value
	case "enabled":
		d.Enabled = boolValue(value)
	default:
		return fmt.Errorf("unknown detector field %q", field)
	}
	p.Detectors[det] = d
	return nil
}

// Get reads one field by its wire name; booleans report 0 or 1. The
// string-valued odfSource is not readable through this surface.
func (p *Params) Get(name string) (float64, error) {
	if det, field, ok := strings.Cut(name, "."); ok {
		return p.getDetector(det, field)
	}
	switch name {
	case "bpmMin":
		return p.BPMMin, nil
	case "bpmMax":
		return p.BPMMax, nil
	case "tempoIntervalMs":
		return float64(p.TempoIntervalMs), nil
	case "tempoSmoothing":
		return p.TempoSmoothing, nil
	case "odfSmoothWidth":
		return float64(p.OdfSmoothWidth), nil
	case "bandWeightBass":
		return p.BandWeightBass, nil
	case "bandWeightMid":
		return p.BandWeightMid, nil
	case "bandWeightHigh":
		return p.BandWeightHigh, nil
	case "adaptiveBandWeights":
		return floatValue(p.AdaptiveBandWeights), nil
	case "hiResBass":
		return floatValue(p.HiResBass), nil
	case "bayesAcfWeight":
		return p.BayesAcfWeight, nil
	case "bayesFtWeight":
		return p.BayesFtWeight, nil
	case "bayesCombWeight":
		return p.BayesCombWeight, nil
	case "bayesIoiWeight":
		return p.BayesIoiWeight, nil
	case "bayesPriorWeight":
		return p.BayesPriorWeight, nil
	case "transitionLambda":
		return p.TransitionLambda, nil
	case "priorCenter":
		return p.PriorCenter, nil
	case "priorWidth":
		return p.PriorWidth, nil
	case "posteriorFloor":
		return p.PosteriorFloor, nil
	case "halfLagRatio":
		return p.HalfLagRatio, nil
	case "twoThirdsLagRatio":
		return p.TwoThirdsLagRatio, nil
	case "doubleLagRatio":
		return p.DoubleLagRatio, nil
	case "disambigNudge":
		return p.DisambigNudge, nil
	case "combFeedback":
		return p.CombFeedback, nil
	case "cbssAlpha":
		return p.CbssAlpha, nil
	case "cbssTightness":
		return p.CbssTightness, nil
	case "cbssThresholdFactor":
		return p.CbssThresholdFactor, nil
	case "timingOffset":
		return p.TimingOffset, nil
	case "phaseCorrection":
		return p.PhaseCorrection, nil
	case "cooldownMs":
		return float64(p.CooldownMs), nil
	case "adaptiveCooldown":
		return floatValue(p.AdaptiveCooldown), nil
	case "minConfidence":
		return p.MinConfidence, nil
	case "noiseGateLevel":
		return p.NoiseGateLevel, nil
	case "activationThreshold":
		return p.ActivationThreshold, nil
	case "pulseTransition":
		return p.PulseTransition, nil
	}
	return 0, fmt.Errorf("unknown parameter %q", name)
}

func (p *Params) getDetector(det, field string) (float64, error) {
	d, ok := p.Detectors[det]
	if !ok {
		if _, known := onset.ParseKind(det); !known {
			return 0, fmt.Errorf("unknown detector %q", det)
		}
	}
	switch field {
	case "weight":
		return d.Weight, nil
	case "threshold":
		return d.Threshold, nil
	case "enabled":
		return floatValue(d.Enabled), nil
	}
	return 0, fmt.Errorf("unknown detector field %q", field)
}

// FieldNames lists every settable numeric field, detector fields
// included, sorted for stable display on the control surface.
func (p *Params) FieldNames() []string {
	names := []string{
		"bpmMin", "bpmMax", "tempoIntervalMs", "tempoSmoothing",
		"odfSmoothWidth", "bandWeightBass", "bandWeightMid", "bandWeightHigh",
		"adaptiveBandWeights", "hiResBass",
		"bayesAcfWeight", "bayesFtWeight", "bayesCombWeight", "bayesIoiWeight",
		"bayesPriorWeight", "transitionLambda", "priorCenter", "priorWidth",
		"posteriorFloor", "halfLagRatio", "twoThirdsLagRatio", "doubleLagRatio",
		"disambigNudge", "combFeedback", "cbssAlpha", "cbssTightness",
		"cbssThresholdFactor", "timingOffset", "phaseCorrection",
		"cooldownMs", "adaptiveCooldown", "minConfidence", "noiseGateLevel",
		"activationThreshold", "pulseTransition",
	}
	for k := 0; k < onset.NumKinds; k++ {
		det := onset.Kind(k).String()
		names = append(names, det+".weight", det+".threshold", det+".enabled")
	}
	sort.Strings(names)
	return names
}
