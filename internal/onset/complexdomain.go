package onset

import (
	"math"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
	"github.com/Jdubz/blinky-time-sub003/internal/spectral"
)

// ComplexDomainDetector predicts each bin's phase by linear extrapolation
// and accumulates magnitude-weighted phase deviation. Soft onsets that
// barely move the magnitude spectrum still disturb the phase trajectory,
// which is what this detector is for.
//
// Phase prediction uses circular differences: the wrapped delta between
// the two previous frames is extrapolated from the most recent phase, so
// bins crossing the ±π boundary do not produce spurious deviation.
type ComplexDomainDetector struct {
	baseDetector

	prevPhases     [spectral.NumBins]float64
	prevPrevPhases [spectral.NumBins]float64
	frameCount     int

	currentCD float64
	averageCD float64

	minBin int
	maxBin int
}

// NewComplexDomainDetector returns a complex-domain detector over bins 1-63.
func NewComplexDomainDetector() *ComplexDomainDetector {
	return &ComplexDomainDetector{
		minBin: 1,
		maxBin: 64,
	}
}

// Kind implements Detector.
func (d *ComplexDomainDetector) Kind() Kind { return KindComplexDomain }

// Reset implements Detector.
func (d *ComplexDomainDetector) Reset() {
	d.resetBase()
	d.frameCount = 0
	d.currentCD = 0
	d.averageCD = 0
	for i := range d.prevPhases {
		d.prevPhases[i] = 0
		d.prevPrevPhases[i] = 0
	}
}

// SetAnalysisRange restricts which bins contribute.
func (d *ComplexDomainDetector) SetAnalysisRange(minBin, maxBin int) {
	if minBin < 0 {
		minBin = 0
	}
	if maxBin > spectral.NumBins {
		maxBin = spectral.NumBins
	}
	d.minBin = minBin
	d.maxBin = maxBin
	if d.minBin >= d.maxBin {
		d.minBin = 1
		d.maxBin = 64
	}
}

// Detect implements Detector.
func (d *ComplexDomainDetector) Detect(frame *Frame, dt float64) Result {
	if !d.cfg.Enabled || !frame.SpectralValid {
		return Result{}
	}

	// Two frames of phase history are needed for prediction.
	if d.frameCount < 2 {
		d.shiftPhases(frame.Phases)
		d.frameCount++
		return Result{}
	}

	d.currentCD = d.computeDeviation(frame.Magnitudes, frame.Phases)

	const alpha = 0.05
	d.averageCD += alpha * (d.currentCD - d.averageCD)

	d.lastRaw = d.currentCD
	localMedian := d.localMedian()
	effectiveThreshold := math.Max(localMedian*d.cfg.Threshold, 0.001)
	d.currentThreshold = effectiveThreshold
	d.pushThreshold(d.currentCD)

	var result Result
	if d.currentCD > effectiveThreshold {
		ratio := d.currentCD / math.Max(localMedian, 0.001)
		strength := dsp.Clamp01((ratio - d.cfg.Threshold) / d.cfg.Threshold)
		confidence := dsp.Clamp01(dsp.Clamp01((ratio-1)/3)*0.75 + 0.15)
		result = hit(strength, confidence)
	}

	d.shiftPhases(frame.Phases)
	return result
}

func (d *ComplexDomainDetector) shiftPhases(phases []float64) {
	n := len(phases)
	if n > spectral.NumBins {
		n = spectral.NumBins
	}
	for i := 0; i < n; i++ {
		d.prevPrevPhases[i] = d.prevPhases[i]
		d.prevPhases[i] = phases[i]
	}
}

func (d *ComplexDomainDetector) computeDeviation(magnitudes, phases []float64) float64 {
	actualMax := d.maxBin
	if actualMax > len(magnitudes) {
		actualMax = len(magnitudes)
	}
	var cd float64
	binsAnalyzed := 0
	for i := d.minBin; i < actualMax; i++ {
		phaseDelta := wrapPhase(d.prevPhases[i] - d.prevPrevPhases[i])
		targetPhase := d.prevPhases[i] + phaseDelta
		phaseDev := math.Abs(wrapPhase(phases[i] - targetPhase))
		cd += magnitudes[i] * phaseDev
		binsAnalyzed++
	}
	if binsAnalyzed > 0 {
		cd /= float64(binsAnalyzed)
	}
	return cd
}

func wrapPhase(phase float64) float64 {
	if math.IsNaN(phase) || math.IsInf(phase, 0) {
		return 0
	}
	phase = math.Mod(phase, 2*math.Pi)
	if phase > math.Pi {
		phase -= 2 * math.Pi
	}
	if phase < -math.Pi {
		phase += 2 * math.Pi
	}
	return phase
}
