// Package spectral turns raw PCM into per-frame spectral features: FFT
// magnitudes and phases, mel band energies, and a high-resolution bass
// spectrum. All analyzers here are single-goroutine; callers synchronize.
package spectral

import (
	"math"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

const (
	// FFTSize is the analysis window in samples. With no overlap this
	// yields one frame per 16 ms at the analysis rate.
	FFTSize = 256

	// SampleRate is the fixed internal analysis rate in Hz.
	SampleRate = 16000

	// NumBins is the number of usable magnitude bins per frame.
	NumBins = FFTSize / 2

	// BinFreqHz is the width of one FFT bin in Hz.
	BinFreqHz = float64(SampleRate) / FFTSize

	// NumMelBands is the number of mel filterbank channels.
	NumMelBands = 26

	// Perceptual band edges over the magnitude bins.
	BassBandMin = 1
	BassBandMax = 6
	MidBandMin  = 7
	MidBandMax  = 32
	HighBandMin = 33
	HighBandMax = NumBins

	framePeriod = float64(FFTSize) / float64(SampleRate)

	melWhitenDecay = 0.97
	melWhitenFloor = 0.01
)

// Analyzer computes windowed FFT frames with adaptive gain reduction
// (a soft-knee spectral compressor) and per-bin whitening. Detectors read
// the previous frame through PrevMagnitudes/PrevMelBands, so the analyzer
// snapshots its outputs before each new frame overwrites them.
type Analyzer struct {
	// Compressor tuning. The compressor runs on magnitude RMS in dB and
	// smooths its gain with asymmetric attack/release time constants.
	CompressorEnabled bool
	CompThresholdDb   float64
	CompRatio         float64
	CompKneeDb        float64
	CompMakeupDb      float64
	CompAttackTau     float64
	CompReleaseTau    float64

	// Whitening tuning. Each bin is normalized by its own running peak
	// so sustained tones flatten to 1.0 and onsets stand out.
	WhitenEnabled bool
	WhitenDecay   float64
	WhitenFloor   float64

	fft    *fourier.FFT
	window []float64
	coeffs []complex128

	sampleBuffer []int16
	writeIndex   int
	sampleCount  int

	windowed       []float64
	magnitudes     []float64
	phases         []float64
	prevMagnitudes []float64
	melInput       []float64
	melBands       []float64
	prevMelBands   []float64

	// melScale converts raw FFT magnitudes to amplitude units, so a
	// full-scale sine peaks at 1.0 and the filterbank's -60..0 dB
	// mapping keeps its dynamic range.
	melScale float64

	filterbank *MelFilterbank

	binRunningMax []float64
	melRunningMax []float64

	smoothedGainDb   float64
	cachedAttackA    float64
	cachedReleaseA   float64
	lastAttackTau    float64
	lastReleaseTau   float64
	totalEnergy      float64
	spectralCentroid float64

	frameReady   bool
	hasPrevFrame bool
}

// NewAnalyzer returns an analyzer with compressor and whitening enabled
// at their calibrated defaults.
func NewAnalyzer() *Analyzer {
	a := &Analyzer{
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

		fft:            fourier.NewFFT(FFTSize),
		window:         hammingWindow(FFTSize),
		coeffs:         make([]complex128, FFTSize/2+1),
		sampleBuffer:   make([]int16, FFTSize),
		windowed:       make([]float64, FFTSize),
		magnitudes:     make([]float64, NumBins),
		phases:         make([]float64, NumBins),
		prevMagnitudes: make([]float64, NumBins),
		melInput:       make([]float64, NumBins),
		melBands:       make([]float64, NumMelBands),
		prevMelBands:   make([]float64, NumMelBands),
		filterbank:     NewMelFilterbank(NumMelBands, FFTSize, SampleRate, 60, 8000),
		binRunningMax:  make([]float64, NumBins),
		melRunningMax:  make([]float64, NumMelBands),
	}
	a.melScale = 2 / vek.Sum(a.window)
	// The mel running max starts at the top of the dB mapping, not at
	// zero; otherwise the first frames whiten every band with any
	// energy to exactly 1.0 and band ordering is lost.
	for i := range a.melRunningMax {
		a.melRunningMax[i] = 1
	}
	a.updateCompressorAlphas()
	return a
}

func hammingWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// AddSamples appends PCM to the accumulation buffer and reports whether a
// full analysis window is pending.
func (a *Analyzer) AddSamples(samples []int16) bool {
	for _, s := range samples {
		a.sampleBuffer[a.writeIndex] = s
		a.writeIndex = (a.writeIndex + 1) % FFTSize
		a.sampleCount++
	}
	return a.sampleCount >= FFTSize
}

// HasSamples reports whether enough PCM has accumulated for Process.
func (a *Analyzer) HasSamples() bool { return a.sampleCount >= FFTSize }

// Process consumes the accumulated window and computes the next frame.
// It is a no-op until a full window is available.
func (a *Analyzer) Process() {
	if a.sampleCount < FFTSize {
		return
	}

	// Snapshot the fully processed previous frame before overwriting.
	copy(a.prevMagnitudes, a.magnitudes)
	copy(a.prevMelBands, a.melBands)

	// Oldest-first readout: writeIndex points at the oldest sample.
	for i := 0; i < FFTSize; i++ {
		idx := (a.writeIndex + i) % FFTSize
		a.windowed[i] = float64(a.sampleBuffer[idx]) / 32768.0
	}
	vek.Mul_Inplace(a.windowed, a.window)

	a.coeffs = a.fft.Coefficients(a.coeffs, a.windowed)
	for i := 0; i < NumBins; i++ {
		re := real(a.coeffs[i])
		im := imag(a.coeffs[i])
		a.magnitudes[i] = dsp.Finite(math.Sqrt(re*re + im*im))
		a.phases[i] = dsp.Finite(math.Atan2(im, re))
	}

	// Mel bands read the spectrum in amplitude units before the
	// compressor's gain state touches it.
	vek.MulNumber_Into(a.melInput, a.magnitudes, a.melScale)

	a.applyCompressor()
	a.computeDerivedFeatures()
	a.filterbank.Apply(a.melInput, a.melBands)
	a.whitenMelBands()
	a.whitenMagnitudes()

	a.frameReady = true
	a.hasPrevFrame = true
	a.sampleCount = 0
}

// applyCompressor reduces gain when the broadband magnitude RMS rises
// above threshold, with a soft knee and asymmetric smoothing. DC (bin 0)
// is excluded from the level estimate.
func (a *Analyzer) applyCompressor() {
	if !a.CompressorEnabled {
		a.smoothedGainDb *= 0.9
		return
	}

	m := a.magnitudes[1:]
	rms := math.Sqrt(vek.Dot(m, m) / float64(len(m)))
	if rms < 1e-10 {
		rms = 1e-10
	}
	rmsDb := 20 * math.Log10(rms)

	var gainDb float64
	halfKnee := a.CompKneeDb * 0.5
	diff := rmsDb - a.CompThresholdDb
	switch {
	case diff <= -halfKnee:
		gainDb = 0
	case diff >= halfKnee:
		gainDb = (1 - 1/a.CompRatio) * (a.CompThresholdDb - rmsDb)
	default:
		x := diff + halfKnee
		gainDb = (1/a.CompRatio - 1) * x * x / (2 * a.CompKneeDb)
	}
	gainDb += a.CompMakeupDb

	if a.CompAttackTau != a.lastAttackTau || a.CompReleaseTau != a.lastReleaseTau {
		a.updateCompressorAlphas()
	}
	alpha := a.cachedReleaseA
	if gainDb < a.smoothedGainDb {
		alpha = a.cachedAttackA
	}
	a.smoothedGainDb += alpha * (gainDb - a.smoothedGainDb)

	linearGain := math.Pow(10, a.smoothedGainDb/20)
	if math.IsNaN(linearGain) || math.IsInf(linearGain, 0) {
		linearGain = 1
	}
	vek.MulNumber_Inplace(a.magnitudes, linearGain)
}

func (a *Analyzer) updateCompressorAlphas() {
	a.cachedAttackA = 1.0
	a.cachedReleaseA = 1.0
	if a.CompAttackTau > 0 {
		a.cachedAttackA = 1 - math.Exp(-framePeriod/a.CompAttackTau)
	}
	if a.CompReleaseTau > 0 {
		a.cachedReleaseA = 1 - math.Exp(-framePeriod/a.CompReleaseTau)
	}
	a.lastAttackTau = a.CompAttackTau
	a.lastReleaseTau = a.CompReleaseTau
}

// computeDerivedFeatures runs on compressed but not yet whitened
// magnitudes, so energy and centroid track the actual spectrum shape.
func (a *Analyzer) computeDerivedFeatures() {
	m := a.magnitudes[1:]
	a.totalEnergy = dsp.Finite(vek.Dot(m, m))

	var weighted, total float64
	for i := 1; i < NumBins; i++ {
		weighted += float64(i) * a.magnitudes[i]
		total += a.magnitudes[i]
	}
	if total > 1e-9 {
		a.spectralCentroid = dsp.Finite(weighted / total * BinFreqHz)
	} else {
		a.spectralCentroid = 0
	}
}

func (a *Analyzer) whitenMelBands() {
	for i := range a.melBands {
		cur := a.melBands[i]
		decayed := a.melRunningMax[i] * melWhitenDecay
		if cur > decayed {
			a.melRunningMax[i] = cur
		} else {
			a.melRunningMax[i] = decayed
		}
		maxVal := a.melRunningMax[i]
		if maxVal < melWhitenFloor {
			maxVal = melWhitenFloor
		}
		a.melBands[i] = cur / maxVal
	}
}

func (a *Analyzer) whitenMagnitudes() {
	if !a.WhitenEnabled {
		return
	}
	for i := range a.magnitudes {
		cur := a.magnitudes[i]
		decayed := a.binRunningMax[i] * a.WhitenDecay
		if cur > decayed {
			a.binRunningMax[i] = cur
		} else {
			a.binRunningMax[i] = decayed
		}
		maxVal := a.binRunningMax[i]
		if maxVal < a.WhitenFloor {
			maxVal = a.WhitenFloor
		}
		a.magnitudes[i] = cur / maxVal
	}
}

// FrameReady reports whether a frame has been produced since the last
// ResetFrameReady.
func (a *Analyzer) FrameReady() bool { return a.frameReady }

// ResetFrameReady clears the frame-ready flag after consumers have read
// the frame.
func (a *Analyzer) ResetFrameReady() { a.frameReady = false }

// HasPreviousFrame reports whether at least one frame has been processed,
// making the Prev* accessors meaningful.
func (a *Analyzer) HasPreviousFrame() bool { return a.hasPrevFrame }

// Magnitudes returns the whitened magnitude spectrum of the current
// frame. The slice is reused across frames; callers must not retain it.
func (a *Analyzer) Magnitudes() []float64 { return a.magnitudes }

// Phases returns the phase spectrum of the current frame. The slice is
// reused across frames.
func (a *Analyzer) Phases() []float64 { return a.phases }

// MelBands returns the whitened, log-compressed mel band energies in
// [0, 1]. The slice is reused across frames.
func (a *Analyzer) MelBands() []float64 { return a.melBands }

// PrevMagnitudes returns the previous frame's magnitude spectrum.
func (a *Analyzer) PrevMagnitudes() []float64 { return a.prevMagnitudes }

// PrevMelBands returns the previous frame's mel band energies.
func (a *Analyzer) PrevMelBands() []float64 { return a.prevMelBands }

// TotalEnergy returns the compressed spectrum energy of the current
// frame, DC excluded.
func (a *Analyzer) TotalEnergy() float64 { return a.totalEnergy }

// SpectralCentroid returns the magnitude-weighted mean frequency in Hz.
func (a *Analyzer) SpectralCentroid() float64 { return a.spectralCentroid }

// Reset restores the analyzer to its initial state, keeping tuning.
func (a *Analyzer) Reset() {
	a.writeIndex = 0
	a.sampleCount = 0
	a.frameReady = false
	a.hasPrevFrame = false
	a.smoothedGainDb = 0
	a.totalEnergy = 0
	a.spectralCentroid = 0
	for i := range a.sampleBuffer {
		a.sampleBuffer[i] = 0
	}
	zero := func(s []float64) {
		for i := range s {
			s[i] = 0
		}
	}
	zero(a.magnitudes)
	zero(a.phases)
	zero(a.prevMagnitudes)
	zero(a.melInput)
	zero(a.melBands)
	zero(a.prevMelBands)
	zero(a.binRunningMax)
	for i := range a.melRunningMax {
		a.melRunningMax[i] = 1
	}
}
