package onset

import (
	"math"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
	"github.com/Jdubz/blinky-time-sub003/internal/spectral"
)

// NoveltyDetector measures the cosine distance between consecutive mel
// frames. Being amplitude-independent, it responds to spectral shape
// changes (chord changes, instrument entries) that flux detectors miss.
// Steady-state material sits below 0.02; real changes reach 0.1-0.5.
type NoveltyDetector struct {
	baseDetector

	hasPrevFrame bool
	prevMelBands [spectral.NumMelBands]float64

	currentNovelty float64
	averageNovelty float64
}

// NewNoveltyDetector returns a spectral novelty detector.
func NewNoveltyDetector() *NoveltyDetector {
	return &NoveltyDetector{}
}

// Kind implements Detector.
func (d *NoveltyDetector) Kind() Kind { return KindNovelty }

// Reset implements Detector.
func (d *NoveltyDetector) Reset() {
	d.resetBase()
	d.hasPrevFrame = false
	d.currentNovelty = 0
	d.averageNovelty = 0
	for i := range d.prevMelBands {
		d.prevMelBands[i] = 0
	}
}

// Detect implements Detector.
func (d *NoveltyDetector) Detect(frame *Frame, dt float64) Result {
	if !d.cfg.Enabled || !frame.SpectralValid {
		return Result{}
	}

	melBands := frame.MelBands

	if !d.hasPrevFrame {
		d.saveMelBands(melBands)
		d.hasPrevFrame = true
		return Result{}
	}

	d.currentNovelty = d.cosineDistance(melBands)

	const alpha = 0.05
	d.averageNovelty += alpha * (d.currentNovelty - d.averageNovelty)

	d.lastRaw = d.currentNovelty
	localMedian := d.localMedian()
	effectiveThreshold := math.Max(localMedian*d.cfg.Threshold, 0.001)
	d.currentThreshold = effectiveThreshold
	d.pushThreshold(d.currentNovelty)

	var result Result
	if d.currentNovelty > effectiveThreshold {
		ratio := d.currentNovelty / math.Max(localMedian, 0.001)
		strength := dsp.Clamp01((ratio - d.cfg.Threshold) / d.cfg.Threshold)
		confidence := dsp.Clamp01(dsp.Clamp01((ratio-1)/3)*0.8 + 0.15)
		result = hit(strength, confidence)
	}

	d.saveMelBands(melBands)
	return result
}

func (d *NoveltyDetector) saveMelBands(melBands []float64) {
	n := len(melBands)
	if n > spectral.NumMelBands {
		n = spectral.NumMelBands
	}
	for i := 0; i < n; i++ {
		d.prevMelBands[i] = melBands[i]
	}
}

func (d *NoveltyDetector) cosineDistance(melBands []float64) float64 {
	n := len(melBands)
	if n > spectral.NumMelBands {
		n = spectral.NumMelBands
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += melBands[i] * d.prevMelBands[i]
		normA += melBands[i] * melBands[i]
		normB += d.prevMelBands[i] * d.prevMelBands[i]
	}
	denominator := math.Sqrt(normA) * math.Sqrt(normB)
	if denominator < 1e-10 {
		return 0 // both frames silent, no novelty
	}
	similarity := dsp.Clamp01(dot / denominator)
	return 1 - similarity
}
