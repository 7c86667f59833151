package onset

import (
	"math"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

// HFCDetector measures high-frequency content with quadratic bin
// weighting over 2-8 kHz. Percussive attacks spike the HFC; the
// sustain-reject counter keeps cymbal wash and sibilance from retriggering.
type HFCDetector struct {
	baseDetector

	currentHFC float64
	prevHFC    float64
	averageHFC float64

	minBin int
	maxBin int

	// AttackMultiplier is the required frame-over-frame HFC rise.
	AttackMultiplier float64
	// SustainRejectFrames caps how long HFC may stay elevated before
	// detections are suppressed (~167ms at 60 fps).
	SustainRejectFrames int

	elevatedFrameCount int
}

// NewHFCDetector returns an HFC detector covering 2-8 kHz.
func NewHFCDetector() *HFCDetector {
	return &HFCDetector{
		minBin:              32,
		maxBin:              128,
		AttackMultiplier:    1.2,
		SustainRejectFrames: 10,
	}
}

// Kind implements Detector.
func (d *HFCDetector) Kind() Kind { return KindHFC }

// Reset implements Detector.
func (d *HFCDetector) Reset() {
	d.resetBase()
	d.currentHFC = 0
	d.prevHFC = 0
	d.averageHFC = 0
	d.elevatedFrameCount = 0
}

// SetAnalysisRange restricts which bins contribute, falling back to the
// defaults when the range is degenerate.
func (d *HFCDetector) SetAnalysisRange(minBin, maxBin int) {
	if minBin < 0 {
		minBin = 0
	}
	d.minBin = minBin
	d.maxBin = maxBin
	if d.minBin >= d.maxBin {
		d.minBin = 32
		d.maxBin = 128
	}
}

// Detect implements Detector.
func (d *HFCDetector) Detect(frame *Frame, dt float64) Result {
	if !d.cfg.Enabled || !frame.SpectralValid {
		return Result{}
	}

	d.prevHFC = d.currentHFC
	d.currentHFC = d.computeHFC(frame.Magnitudes)

	const alpha = 0.05
	d.averageHFC += alpha * (d.currentHFC - d.averageHFC)

	d.lastRaw = d.currentHFC
	localMedian := d.localMedian()
	effectiveThreshold := math.Max(localMedian*d.cfg.Threshold, 0.001)
	d.currentThreshold = effectiveThreshold
	d.pushThreshold(d.currentHFC)

	// Count consecutive elevated frames to distinguish sharp attacks
	// from sustained HF content. Skip until the average stabilizes,
	// otherwise any signal looks elevated for the first ~167ms.
	if d.averageHFC > 0.001 && d.currentHFC > d.averageHFC*1.5 {
		d.elevatedFrameCount++
	} else {
		d.elevatedFrameCount = 0
	}

	isLoudEnough := d.currentHFC > effectiveThreshold
	isRising := d.currentHFC > d.prevHFC*d.AttackMultiplier
	isNotSustained := d.elevatedFrameCount < d.SustainRejectFrames

	if isLoudEnough && isRising && isNotSustained {
		ratio := d.currentHFC / math.Max(localMedian, 0.001)
		strength := dsp.Clamp01((ratio - d.cfg.Threshold) / d.cfg.Threshold)
		return hit(strength, d.confidence(d.currentHFC, localMedian))
	}
	return Result{}
}

func (d *HFCDetector) computeHFC(magnitudes []float64) float64 {
	actualMax := d.maxBin
	if actualMax > len(magnitudes) {
		actualMax = len(magnitudes)
	}
	var hfc, weightSum float64
	for i := d.minBin; i < actualMax; i++ {
		weight := float64(i * i)
		hfc += magnitudes[i] * weight
		weightSum += weight
	}
	if weightSum > 0 {
		hfc /= weightSum
	}
	return hfc
}

func (d *HFCDetector) confidence(hfc, median float64) float64 {
	ratioConf := dsp.Clamp01((hfc/math.Max(median, 0.001) - 1) / 4)
	attackRatio := 2.0
	if d.prevHFC > 0.001 {
		attackRatio = hfc / d.prevHFC
	}
	attackConf := dsp.Clamp01((attackRatio - 1) / 2)
	conf := (ratioConf + attackConf) * 0.5
	return dsp.Clamp01(conf*0.8 + 0.1)
}
