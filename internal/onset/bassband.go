package onset

import (
	"math"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

const maxBassBins = 8

// BassBandDetector watches half-wave rectified flux on the lowest bins
// (62-375 Hz) for kick drums. Two extra gates reject room rumble: an
// absolute flux floor, and a sharpness requirement on the bass energy
// jump so gradual changes (HVAC, traffic) cannot fire.
type BassBandDetector struct {
	baseDetector

	hasPrevFrame       bool
	prevBassMagnitudes [maxBassBins]float64
	prevBassEnergy     float64

	currentFlux float64
	averageFlux float64
	sharpness   float64

	minBin int
	maxBin int

	// MinAbsoluteFlux is the absolute flux floor.
	MinAbsoluteFlux float64
	// SharpnessThreshold is the minimum energy change ratio.
	SharpnessThreshold float64
}

// NewBassBandDetector returns a bass band detector over bins 1-5.
func NewBassBandDetector() *BassBandDetector {
	return &BassBandDetector{
		minBin:             1,
		maxBin:             6,
		MinAbsoluteFlux:    0.03,
		SharpnessThreshold: 2.0,
	}
}

// Kind implements Detector.
func (d *BassBandDetector) Kind() Kind { return KindBassBand }

// Reset implements Detector.
func (d *BassBandDetector) Reset() {
	d.resetBase()
	d.hasPrevFrame = false
	d.prevBassEnergy = 0
	d.currentFlux = 0
	d.averageFlux = 0
	d.sharpness = 0
	for i := range d.prevBassMagnitudes {
		d.prevBassMagnitudes[i] = 0
	}
}

// Detect implements Detector.
func (d *BassBandDetector) Detect(frame *Frame, dt float64) Result {
	if !d.cfg.Enabled || !frame.SpectralValid {
		return Result{}
	}

	magnitudes := frame.Magnitudes

	if !d.hasPrevFrame {
		d.saveMagnitudes(magnitudes)
		d.hasPrevFrame = true
		return Result{}
	}

	d.currentFlux = d.bassFlux(magnitudes)
	energy := d.bassEnergy(magnitudes)

	// Sharpness: ratio of energy change, symmetric for rises and drops.
	// Sudden spikes are real hits; gradual drift is room noise.
	if d.prevBassEnergy > 0.001 {
		ratio := energy / d.prevBassEnergy
		if ratio > 1 {
			d.sharpness = ratio
		} else {
			d.sharpness = 1 / ratio
		}
	} else if energy > 0.01 {
		d.sharpness = 10
	} else {
		d.sharpness = 1
	}
	d.prevBassEnergy = energy

	const alpha = 0.05
	d.averageFlux += alpha * (d.currentFlux - d.averageFlux)

	d.lastRaw = d.currentFlux
	localMedian := d.localMedian()
	effectiveThreshold := math.Max(localMedian*d.cfg.Threshold, d.MinAbsoluteFlux)
	d.currentThreshold = effectiveThreshold
	d.pushThreshold(d.currentFlux)

	isLoudEnough := d.currentFlux > effectiveThreshold
	aboveFloor := d.currentFlux > d.MinAbsoluteFlux
	isSharpEnough := d.sharpness > d.SharpnessThreshold

	var result Result
	if isLoudEnough && aboveFloor && isSharpEnough {
		ratio := d.currentFlux / math.Max(localMedian, 0.001)
		strength := dsp.Clamp01((ratio - d.cfg.Threshold) / d.cfg.Threshold)
		result = hit(strength, d.confidence(d.currentFlux, localMedian, d.sharpness))
	}

	d.saveMagnitudes(magnitudes)
	return result
}

func (d *BassBandDetector) saveMagnitudes(magnitudes []float64) {
	binsToSave := d.maxBin
	if binsToSave > len(magnitudes) {
		binsToSave = len(magnitudes)
	}
	for i := d.minBin; i < binsToSave && (i-d.minBin) < maxBassBins; i++ {
		d.prevBassMagnitudes[i-d.minBin] = magnitudes[i]
	}
}

func (d *BassBandDetector) bassFlux(magnitudes []float64) float64 {
	actualMax := d.maxBin
	if actualMax > len(magnitudes) {
		actualMax = len(magnitudes)
	}
	var flux float64
	binsAnalyzed := 0
	for i := d.minBin; i < actualMax; i++ {
		prevIdx := i - d.minBin
		if prevIdx >= maxBassBins {
			break
		}
		if diff := magnitudes[i] - d.prevBassMagnitudes[prevIdx]; diff > 0 {
			flux += diff
		}
		binsAnalyzed++
	}
	if binsAnalyzed > 0 {
		flux /= float64(binsAnalyzed)
	}
	return flux
}

func (d *BassBandDetector) bassEnergy(magnitudes []float64) float64 {
	actualMax := d.maxBin
	if actualMax > len(magnitudes) {
		actualMax = len(magnitudes)
	}
	var energy float64
	for i := d.minBin; i < actualMax; i++ {
		energy += magnitudes[i] * magnitudes[i]
	}
	return energy
}

func (d *BassBandDetector) confidence(flux, median, sharpness float64) float64 {
	ratioConf := dsp.Clamp01((flux/math.Max(median, 0.001) - 1) / 3)
	sharpConf := dsp.Clamp01((sharpness - 1) / 4)
	base := ratioConf*0.6 + sharpConf*0.4
	return dsp.Clamp01(base*0.85 + 0.15)
}
