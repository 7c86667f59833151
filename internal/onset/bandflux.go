package onset

import (
	"math"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
	"github.com/viterin/vek"
)

// FFT bin ranges for the three flux bands at 62.5 Hz per bin.
const (
	fluxBassMin = 1  // 62.5 Hz
	fluxBassMax = 7  // exclusive; bins 1-6 cover 62.5-375 Hz
	fluxMidMin  = 7
	fluxMidMax  = 33 // exclusive; bins 7-32 cover 437-2000 Hz
	fluxHighMin = 33

	// Analysis stops at bin 64 (4 kHz). Percussive energy above that is
	// cymbal wash, which the high-band weight already nearly mutes.
	fluxMaxBins = 64

	fluxHistoryLen  = 3
	fluxBassBinsMax = 12
)

// BandFlux is the band-weighted SuperFlux onset detection function:
// half-wave rectified change of the log-compressed spectrum against a
// 3-bin max-filtered reference frame, summed per band and combined with
// band weights. Max-filtering the reference suppresses vibrato and
// tremolo, which wobble single bins, while broadband attacks that lift
// many adjacent bins pass through.
//
// BandFlux does not vote in the ensemble. Its continuous combined flux
// is the onset strength signal the tempo and beat trackers consume; the
// thresholded Result is exposed for telemetry and tuning.
type BandFlux struct {
	cfg Config

	history      [fluxHistoryLen][fluxMaxBins]float64
	historyCount int
	// diffFrames selects how many frames back the reference sits.
	diffFrames int

	logMag [fluxMaxBins]float64
	maxRef [fluxMaxBins]float64
	diff   [fluxMaxBins]float64

	bassFlux     float64
	midFlux      float64
	highFlux     float64
	combinedFlux float64
	prevCombined float64
	averageFlux  float64
	frameCount   int

	bassHistory      [fluxHistoryLen][fluxBassBinsMax]float64
	bassHistoryCount int
	hiResBassFlux    float64

	// Weights learns data-driven band weights when enabled; otherwise
	// Current() returns the fixed defaults.
	Weights *BandWeighting

	lastRaw          float64
	currentThreshold float64

	// Gamma is the per-bin log compression strength.
	Gamma float64
	// MinOnsetDelta is the minimum one-frame flux jump; slow swells
	// (pads, crescendos) rise far slower than any percussive attack.
	MinOnsetDelta float64
	// HiResBass substitutes the 512-point Goertzel bass spectrum for the
	// FFT bass bins when the frame carries one.
	HiResBass bool
	// MaxBin caps the analyzed bin range.
	MaxBin int
}

// NewBandFlux returns the flux builder at calibrated defaults. The
// additive detection threshold travels in cfg.Threshold.
func NewBandFlux() *BandFlux {
	return &BandFlux{
		cfg:           Config{Weight: 0, Threshold: 0.3, Enabled: true},
		diffFrames:    1,
		Weights:       newBandWeighting([numFluxBands]float64{2.0, 1.5, 0.1}),
		Gamma:         20,
		MinOnsetDelta: 0.3,
		MaxBin:        fluxMaxBins,
	}
}

func (b *BandFlux) Configure(cfg Config) { b.cfg = cfg }

// GetConfig returns the current tuning.
func (b *BandFlux) GetConfig() Config { return b.cfg }

// LastRaw returns the most recent combined flux before thresholding.
func (b *BandFlux) LastRaw() float64 { return b.lastRaw }

// CurrentThreshold returns the most recent effective threshold.
func (b *BandFlux) CurrentThreshold() float64 { return b.currentThreshold }

// CombinedFlux is the pre-threshold onset strength for the current
// frame. This is the unified ODF value.
func (b *BandFlux) CombinedFlux() float64 { return b.combinedFlux }

// BassFlux returns the bass band component of the current flux.
func (b *BandFlux) BassFlux() float64 { return b.bassFlux }

// MidFlux returns the mid band component of the current flux.
func (b *BandFlux) MidFlux() float64 { return b.midFlux }

// HighFlux returns the high band component of the current flux.
func (b *BandFlux) HighFlux() float64 { return b.highFlux }

// Reset clears all history and learned state.
func (b *BandFlux) Reset() {
	b.historyCount = 0
	b.bassHistoryCount = 0
	b.bassFlux = 0
	b.midFlux = 0
	b.highFlux = 0
	b.combinedFlux = 0
	b.prevCombined = 0
	b.averageFlux = 0
	b.frameCount = 0
	b.hiResBassFlux = 0
	b.lastRaw = 0
	b.currentThreshold = 0
	for f := range b.history {
		for k := range b.history[f] {
			b.history[f][k] = 0
		}
		for k := range b.bassHistory[f] {
			b.bassHistory[f][k] = 0
		}
	}
	b.Weights.Reset()
}

// Process consumes one spectral frame, updates the continuous flux and
// returns the thresholded detection result. Without valid spectral data
// it leaves all state untouched and returns no detection.
func (b *BandFlux) Process(frame *Frame) Result {
	if !b.cfg.Enabled || !frame.SpectralValid {
		return Result{}
	}

	bins := b.MaxBin
	if bins > len(frame.Magnitudes) {
		bins = len(frame.Magnitudes)
	}
	if bins > fluxMaxBins {
		bins = fluxMaxBins
	}

	for k := 0; k < bins; k++ {
		b.logMag[k] = math.Log1p(b.Gamma * frame.Magnitudes[k])
	}
	for k := bins; k < fluxMaxBins; k++ {
		b.logMag[k] = 0
	}

	useHiResBass := b.HiResBass && frame.BassValid
	var bassLogMag [fluxBassBinsMax]float64
	bassBins := 0
	if useHiResBass {
		bassBins = len(frame.BassMagnitudes)
		if bassBins > fluxBassBinsMax {
			bassBins = fluxBassBinsMax
		}
		for k := 0; k < bassBins; k++ {
			bassLogMag[k] = math.Log1p(b.Gamma * frame.BassMagnitudes[k])
		}
	}

	// First frame only seeds the history; there is no delta yet.
	if b.historyCount == 0 {
		b.pushHistory(bins)
		if useHiResBass {
			b.pushBassHistory(bassLogMag[:bassBins])
		}
		return Result{}
	}

	b.buildMaxRef(bins)
	b.computeBandFlux(bins)

	if useHiResBass && b.bassHistoryCount > 0 {
		b.bassFlux = b.hiResBass(bassLogMag[:bassBins])
	} else {
		b.hiResBassFlux = 0
	}

	w := b.Weights.Current()
	b.combinedFlux = w[0]*b.bassFlux + w[1]*b.midFlux + w[2]*b.highFlux
	b.lastRaw = b.combinedFlux

	if b.Weights.Enabled {
		b.Weights.Push(b.bassFlux, b.midFlux, b.highFlux)
	}

	b.frameCount++
	effectiveThreshold := b.averageFlux + b.cfg.Threshold
	b.currentThreshold = effectiveThreshold

	// Hi-hat rejection: flux confined to the high band alone is not a
	// beat-carrying onset.
	hiHatOnly := b.highFlux > 0.01 && b.bassFlux < 0.005 && b.midFlux < 0.005

	detected := b.combinedFlux > effectiveThreshold && !hiHatOnly

	// Sharpness gate: kicks jump from near zero to full flux in one
	// frame; pads rise a couple of percent per frame.
	if detected && b.MinOnsetDelta > 0 {
		if b.combinedFlux-b.prevCombined < b.MinOnsetDelta {
			detected = false
		}
	}

	var result Result
	if detected {
		excess := b.combinedFlux - effectiveThreshold
		strength := dsp.Clamp01(excess / math.Max(b.cfg.Threshold, 0.01))
		result = hit(strength, b.confidence())
	}

	// The running mean adapts only on non-detection frames once warm, so
	// loud onsets cannot inflate their own threshold. Cold start adapts
	// fast regardless to get off the floor.
	if b.frameCount < 10 {
		b.averageFlux += 0.2 * (b.combinedFlux - b.averageFlux)
	} else if !detected {
		b.averageFlux += 0.02 * (b.combinedFlux - b.averageFlux)
	}

	b.prevCombined = b.combinedFlux
	b.pushHistory(bins)
	if useHiResBass {
		b.pushBassHistory(bassLogMag[:bassBins])
	}

	return result
}

// buildMaxRef writes the 3-bin max filter of the reference frame into
// maxRef using pairwise slice maxima over shifted views.
func (b *BandFlux) buildMaxRef(bins int) {
	ref := b.referenceFrame()
	if bins == 1 {
		b.maxRef[0] = ref[0]
		return
	}
	inner := b.maxRef[1 : bins-1]
	vek.Maximum_Into(inner, ref[0:bins-2], ref[1:bins-1])
	vek.Maximum_Inplace(inner, ref[2:bins])
	b.maxRef[0] = ref[0]
	b.maxRef[bins-1] = ref[bins-1]
}

func (b *BandFlux) computeBandFlux(bins int) {
	d := b.diff[:bins]
	vek.Sub_Into(d, b.logMag[:bins], b.maxRef[:bins])
	vek.MaximumNumber_Inplace(d, 0)

	b.bassFlux = bandMean(d, fluxBassMin, fluxBassMax)
	b.midFlux = bandMean(d, fluxMidMin, fluxMidMax)
	b.highFlux = bandMean(d, fluxHighMin, bins)
}

func bandMean(d []float64, lo, hi int) float64 {
	if hi > len(d) {
		hi = len(d)
	}
	if hi <= lo {
		return 0
	}
	return vek.Sum(d[lo:hi]) / float64(hi-lo)
}

// hiResBass computes bass flux from the Goertzel bins. The result is
// normalized by the FFT bass bin count, not the Goertzel bin count: both
// cover the same frequency span, so dividing by the doubled bin count
// would halve the flux for the same physical kick.
func (b *BandFlux) hiResBass(bassLogMag []float64) float64 {
	ref := b.bassReferenceFrame()
	n := len(bassLogMag)
	flux := 0.0
	for k := 0; k < n; k++ {
		refVal := ref[k]
		if k > 0 && ref[k-1] > refVal {
			refVal = ref[k-1]
		}
		if k < n-1 && ref[k+1] > refVal {
			refVal = ref[k+1]
		}
		if d := bassLogMag[k] - refVal; d > 0 {
			flux += d
		}
	}
	b.hiResBassFlux = flux / float64(fluxBassMax-fluxBassMin)
	return b.hiResBassFlux
}

func (b *BandFlux) confidence() float64 {
	ratio := b.combinedFlux / math.Max(b.averageFlux, 0.001)
	ratioConf := dsp.Clamp01((ratio - 1) / 3)
	absConf := dsp.Clamp01(b.combinedFlux)
	conf := 0.7*ratioConf + 0.3*absConf
	return dsp.Clamp01(conf*0.8 + 0.2)
}

func (b *BandFlux) pushHistory(bins int) {
	for f := fluxHistoryLen - 1; f > 0; f-- {
		b.history[f] = b.history[f-1]
	}
	copy(b.history[0][:bins], b.logMag[:bins])
	for k := bins; k < fluxMaxBins; k++ {
		b.history[0][k] = 0
	}
	if b.historyCount < fluxHistoryLen {
		b.historyCount++
	}
}

func (b *BandFlux) referenceFrame() *[fluxMaxBins]float64 {
	idx := b.diffFrames - 1
	if idx >= b.historyCount {
		idx = b.historyCount - 1
	}
	if idx < 0 {
		idx = 0
	}
	return &b.history[idx]
}

func (b *BandFlux) pushBassHistory(bassLogMag []float64) {
	for f := fluxHistoryLen - 1; f > 0; f-- {
		b.bassHistory[f] = b.bassHistory[f-1]
	}
	copy(b.bassHistory[0][:], bassLogMag)
	for k := len(bassLogMag); k < fluxBassBinsMax; k++ {
		b.bassHistory[0][k] = 0
	}
	if b.bassHistoryCount < fluxHistoryLen {
		b.bassHistoryCount++
	}
}

func (b *BandFlux) bassReferenceFrame() *[fluxBassBinsMax]float64 {
	idx := b.diffFrames - 1
	if idx >= b.bassHistoryCount {
		idx = b.bassHistoryCount - 1
	}
	if idx < 0 {
		idx = 0
	}
	return &b.bassHistory[idx]
}
