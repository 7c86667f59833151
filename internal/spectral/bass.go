package spectral

import (
	"math"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

const (
	// BassWindowSize is the long analysis window used for bass bins,
	// giving 31.25 Hz resolution at the analysis rate.
	BassWindowSize = 512

	// BassHopSize keeps the bass analyzer frame-aligned with the main
	// analyzer: one bass frame per 256-sample hop, 50% overlap.
	BassHopSize = 256

	// NumBassBins covers 31.25 Hz through 375 Hz.
	NumBassBins  = 12
	bassFirstBin = 1
)

// BassAnalyzer resolves low frequencies with a 512-sample window,
// computing only the bins that matter via the Goertzel algorithm instead
// of a full FFT. Disabled by default; the standard 256-point analysis is
// usually enough.
type BassAnalyzer struct {
	Enabled bool

	CompressorEnabled bool
	CompThresholdDb   float64
	CompRatio         float64
	CompKneeDb        float64
	CompMakeupDb      float64
	CompAttackTau     float64
	CompReleaseTau    float64

	WhitenEnabled bool
	WhitenDecay   float64
	WhitenFloor   float64

	sampleBuffer   []int16
	writeIndex     int
	totalWritten   int
	newSampleCount int

	magnitudes     []float64
	prevMagnitudes []float64
	binRunningMax  []float64

	goertzelCoeff []float64
	window        []float64
	windowed      []float64

	smoothedGainDb float64
	cachedAttackA  float64
	cachedReleaseA float64
	lastAttackTau  float64
	lastReleaseTau float64

	frameReady   bool
	hasPrevFrame bool
}

// NewBassAnalyzer returns a disabled bass analyzer with calibrated
// compressor and whitening defaults. The slow whitening decay keeps bass
// onsets visible across long sustained notes.
func NewBassAnalyzer() *BassAnalyzer {
	b := &BassAnalyzer{
		CompressorEnabled: true,
		CompThresholdDb:   -30,
		CompRatio:         3,
		CompKneeDb:        15,
		CompMakeupDb:      6,
		CompAttackTau:     0.001,
		CompReleaseTau:    2.0,
		WhitenEnabled:     true,
		WhitenDecay:       0.997,
		WhitenFloor:       0.001,

		sampleBuffer:   make([]int16, BassWindowSize),
		magnitudes:     make([]float64, NumBassBins),
		prevMagnitudes: make([]float64, NumBassBins),
		binRunningMax:  make([]float64, NumBassBins),
		goertzelCoeff:  make([]float64, NumBassBins),
		window:         hammingWindow(BassWindowSize),
		windowed:       make([]float64, BassWindowSize),
	}
	for i := range b.goertzelCoeff {
		k := i + bassFirstBin
		b.goertzelCoeff[i] = 2 * math.Cos(2*math.Pi*float64(k)/BassWindowSize)
	}
	b.updateCompressorAlphas()
	return b
}

// AddSamples appends PCM and reports whether a hop's worth of new samples
// is pending. Returns false while disabled.
func (b *BassAnalyzer) AddSamples(samples []int16) bool {
	if !b.Enabled {
		return false
	}
	for _, s := range samples {
		b.sampleBuffer[b.writeIndex] = s
		b.writeIndex = (b.writeIndex + 1) % BassWindowSize
		b.newSampleCount++
	}
	if b.totalWritten < BassWindowSize {
		b.totalWritten += len(samples)
	}
	return b.newSampleCount >= BassHopSize
}

// Process computes the next bass frame once a hop has accumulated. The
// first frame waits for a full window.
func (b *BassAnalyzer) Process() {
	if !b.Enabled || b.newSampleCount < BassHopSize {
		return
	}
	// The first frame waits until one full window of real samples has
	// been written; priming counts lifetime samples so steady hop-sized
	// feeds still get there.
	if b.totalWritten < BassWindowSize {
		b.newSampleCount = 0
		return
	}

	copy(b.prevMagnitudes, b.magnitudes)

	for i := 0; i < BassWindowSize; i++ {
		idx := (b.writeIndex + i) % BassWindowSize
		b.windowed[i] = float64(b.sampleBuffer[idx]) / 32768.0 * b.window[i]
	}

	for bin := 0; bin < NumBassBins; bin++ {
		b.magnitudes[bin] = dsp.Finite(goertzelMagnitude(b.windowed, b.goertzelCoeff[bin]))
	}

	b.applyCompressor()
	b.whitenMagnitudes()

	b.frameReady = true
	b.hasPrevFrame = true
	b.newSampleCount = 0
}

// goertzelMagnitude computes |DFT[k]| for one bin over the windowed
// samples. coeff is 2*cos(2*pi*k/N).
func goertzelMagnitude(windowed []float64, coeff float64) float64 {
	var s1, s2 float64
	for _, x := range windowed {
		s0 := x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	magSq := s1*s1 + s2*s2 - coeff*s1*s2
	if magSq < 0 {
		magSq = 0
	}
	return math.Sqrt(magSq)
}

func (b *BassAnalyzer) applyCompressor() {
	if !b.CompressorEnabled {
		b.smoothedGainDb *= 0.9
		return
	}

	var sumSq float64
	for _, m := range b.magnitudes {
		sumSq += m * m
	}
	rms := math.Sqrt(sumSq / NumBassBins)
	if rms < 1e-10 {
		rms = 1e-10
	}
	rmsDb := 20 * math.Log10(rms)

	var gainDb float64
	halfKnee := b.CompKneeDb * 0.5
	diff := rmsDb - b.CompThresholdDb
	switch {
	case diff <= -halfKnee:
		gainDb = 0
	case diff >= halfKnee:
		gainDb = (1 - 1/b.CompRatio) * (b.CompThresholdDb - rmsDb)
	default:
		x := diff + halfKnee
		gainDb = (1/b.CompRatio - 1) * x * x / (2 * b.CompKneeDb)
	}
	gainDb += b.CompMakeupDb

	if b.CompAttackTau != b.lastAttackTau || b.CompReleaseTau != b.lastReleaseTau {
		b.updateCompressorAlphas()
	}
	alpha := b.cachedReleaseA
	if gainDb < b.smoothedGainDb {
		alpha = b.cachedAttackA
	}
	b.smoothedGainDb += alpha * (gainDb - b.smoothedGainDb)

	linearGain := math.Pow(10, b.smoothedGainDb/20)
	if math.IsNaN(linearGain) || math.IsInf(linearGain, 0) {
		linearGain = 1
	}
	for i := range b.magnitudes {
		b.magnitudes[i] *= linearGain
	}
}

func (b *BassAnalyzer) updateCompressorAlphas() {
	const hopPeriod = float64(BassHopSize) / float64(SampleRate)
	b.cachedAttackA = 1.0
	b.cachedReleaseA = 1.0
	if b.CompAttackTau > 0 {
		b.cachedAttackA = 1 - math.Exp(-hopPeriod/b.CompAttackTau)
	}
	if b.CompReleaseTau > 0 {
		b.cachedReleaseA = 1 - math.Exp(-hopPeriod/b.CompReleaseTau)
	}
	b.lastAttackTau = b.CompAttackTau
	b.lastReleaseTau = b.CompReleaseTau
}

func (b *BassAnalyzer) whitenMagnitudes() {
	if !b.WhitenEnabled {
		return
	}
	for i := range b.magnitudes {
		cur := b.magnitudes[i]
		decayed := b.binRunningMax[i] * b.WhitenDecay
		if cur > decayed {
			b.binRunningMax[i] = cur
		} else {
			b.binRunningMax[i] = decayed
		}
		maxVal := b.binRunningMax[i]
		if maxVal < b.WhitenFloor {
			maxVal = b.WhitenFloor
		}
		b.magnitudes[i] = cur / maxVal
	}
}

// FrameReady reports whether a new bass frame is pending consumption.
func (b *BassAnalyzer) FrameReady() bool { return b.frameReady }

// ResetFrameReady clears the frame-ready flag.
func (b *BassAnalyzer) ResetFrameReady() { b.frameReady = false }

// HasPreviousFrame reports whether PrevMagnitudes is meaningful.
func (b *BassAnalyzer) HasPreviousFrame() bool { return b.hasPrevFrame }

// Magnitudes returns the current bass magnitudes. Reused across frames.
func (b *BassAnalyzer) Magnitudes() []float64 { return b.magnitudes }

// PrevMagnitudes returns the previous bass frame. Reused across frames.
func (b *BassAnalyzer) PrevMagnitudes() []float64 { return b.prevMagnitudes }

// Reset restores initial state, keeping tuning and the enabled flag.
func (b *BassAnalyzer) Reset() {
	b.writeIndex = 0
	b.totalWritten = 0
	b.newSampleCount = 0
	b.frameReady = false
	b.hasPrevFrame = false
	b.smoothedGainDb = 0
	for i := range b.sampleBuffer {
		b.sampleBuffer[i] = 0
	}
	for i := range b.magnitudes {
		b.magnitudes[i] = 0
		b.prevMagnitudes[i] = 0
		b.binRunningMax[i] = 0
	}
}
