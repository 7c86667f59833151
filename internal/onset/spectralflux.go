package onset

import (
	"math"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
	"github.com/Jdubz/blinky-time-sub003/internal/spectral"
)

// SpectralFluxDetector computes SuperFlux over the mel bands: half-wave
// rectified difference against a lag-2 reference that has been max
// filtered across neighboring bands. The lag-2 comparison gives onsets
// time to develop; the max filter suppresses vibrato and pitch wobble.
type SpectralFluxDetector struct {
	baseDetector

	melLag1     [spectral.NumMelBands]float64
	melLag2     [spectral.NumMelBands]float64
	frameCount  int
	currentFlux float64
	averageFlux float64
}

// NewSpectralFluxDetector returns a mel SuperFlux detector.
func NewSpectralFluxDetector() *SpectralFluxDetector {
	return &SpectralFluxDetector{}
}

// Kind implements Detector.
func (d *SpectralFluxDetector) Kind() Kind { return KindSpectralFlux }

// Reset implements Detector.
func (d *SpectralFluxDetector) Reset() {
	d.resetBase()
	d.frameCount = 0
	d.currentFlux = 0
	d.averageFlux = 0
	for i := range d.melLag1 {
		d.melLag1[i] = 0
		d.melLag2[i] = 0
	}
}

// Detect implements Detector.
func (d *SpectralFluxDetector) Detect(frame *Frame, dt float64) Result {
	if !d.cfg.Enabled || !frame.SpectralValid {
		return Result{}
	}

	melBands := frame.MelBands

	// Two frames of history are needed for the lag-2 reference.
	if d.frameCount < 2 {
		d.shiftHistory(melBands)
		d.frameCount++
		return Result{}
	}

	d.currentFlux = d.melSuperFlux(melBands)

	const alpha = 0.05
	d.averageFlux += alpha * (d.currentFlux - d.averageFlux)

	d.lastRaw = d.currentFlux
	localMedian := d.localMedian()
	effectiveThreshold := math.Max(localMedian*d.cfg.Threshold, 0.001)
	d.currentThreshold = effectiveThreshold
	d.pushThreshold(d.currentFlux)

	var result Result
	if d.currentFlux > effectiveThreshold {
		ratio := d.currentFlux / math.Max(localMedian, 0.001)
		strength := dsp.Clamp01((ratio - d.cfg.Threshold) / d.cfg.Threshold)
		result = hit(strength, d.confidence(d.currentFlux, localMedian))
	}

	d.shiftHistory(melBands)
	return result
}

func (d *SpectralFluxDetector) shiftHistory(melBands []float64) {
	n := len(melBands)
	if n > spectral.NumMelBands {
		n = spectral.NumMelBands
	}
	for i := 0; i < n; i++ {
		d.melLag2[i] = d.melLag1[i]
		d.melLag1[i] = melBands[i]
	}
}

func (d *SpectralFluxDetector) melSuperFlux(melBands []float64) float64 {
	n := len(melBands)
	if n > spectral.NumMelBands {
		n = spectral.NumMelBands
	}
	var flux float64
	for i := 0; i < n; i++ {
		left := d.melLag2[i]
		if i > 0 {
			left = d.melLag2[i-1]
		}
		right := d.melLag2[i]
		if i < n-1 {
			right = d.melLag2[i+1]
		}
		maxRef := math.Max(math.Max(left, d.melLag2[i]), right)

		if diff := melBands[i] - maxRef; diff > 0 {
			flux += diff
		}
	}
	if n > 0 {
		flux /= float64(n)
	}
	return flux
}

func (d *SpectralFluxDetector) confidence(flux, median float64) float64 {
	ratioConf := dsp.Clamp01((flux/math.Max(median, 0.001) - 1) / 3)
	stabilityConf := 0.7
	if d.averageFlux > 0.001 {
		stabilityConf = dsp.Clamp01(flux / d.averageFlux / 4)
	}
	conf := (ratioConf + stabilityConf) * 0.5
	return dsp.Clamp01(conf*0.85 + 0.15)
}
