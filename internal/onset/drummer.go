package onset

import (
	"math"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

const attackBufferSize = 4 // ~67ms of envelope history at 60 fps

// DrummerDetector is the time-domain detector: it fires when the envelope
// level is loud relative to its local median, clearly above the level
// from ~67ms ago, and rising sharply frame-over-frame. The rise-rate gate
// rejects slow swells and crescendos.
type DrummerDetector struct {
	baseDetector

	attackBuffer      [attackBufferSize]float64
	attackIdx         int
	attackInitialized bool
	recentAverage     float64
	prevLevel         float64

	// AttackMultiplier is the required rise over the ~67ms baseline.
	AttackMultiplier float64
	// AverageTau is the envelope average time constant in seconds.
	AverageTau float64
	// MinRiseRate is the minimum frame-over-frame level increase.
	MinRiseRate float64
}

// NewDrummerDetector returns a drummer detector at calibrated defaults.
func NewDrummerDetector() *DrummerDetector {
	return &DrummerDetector{
		AttackMultiplier: 1.1,
		AverageTau:       0.8,
		MinRiseRate:      0.04,
	}
}

// Kind implements Detector.
func (d *DrummerDetector) Kind() Kind { return KindDrummer }

// Reset implements Detector.
func (d *DrummerDetector) Reset() {
	d.resetBase()
	d.attackIdx = 0
	d.attackInitialized = false
	d.recentAverage = 0
	d.prevLevel = 0
	for i := range d.attackBuffer {
		d.attackBuffer[i] = 0
	}
}

// Detect implements Detector.
func (d *DrummerDetector) Detect(frame *Frame, dt float64) Result {
	if !d.cfg.Enabled {
		return Result{}
	}

	level := frame.Level

	alpha := dsp.SmoothingFactor(dt, d.AverageTau)
	d.recentAverage += alpha * (level - d.recentAverage)

	// Oldest ring entry is the pre-attack baseline.
	baseline := d.attackBuffer[d.attackIdx]
	if !d.attackInitialized {
		for i := range d.attackBuffer {
			d.attackBuffer[i] = level
		}
		d.attackInitialized = true
	}

	localMedian := d.localMedian()
	effectiveThreshold := math.Max(localMedian*d.cfg.Threshold, 0.001)
	d.lastRaw = level
	d.currentThreshold = effectiveThreshold

	isLoudEnough := level > effectiveThreshold
	isAttacking := level > baseline*d.AttackMultiplier
	isSharpRise := (level - d.prevLevel) > d.MinRiseRate

	var result Result
	if isLoudEnough && isAttacking && isSharpRise {
		ratio := level / math.Max(localMedian, 0.001)
		strength := dsp.Clamp01((ratio - d.cfg.Threshold) / d.cfg.Threshold)
		result = hit(strength, d.confidence(level, localMedian, ratio))
	}

	d.attackBuffer[d.attackIdx] = level
	d.attackIdx = (d.attackIdx + 1) % attackBufferSize
	d.prevLevel = level
	d.pushThreshold(level)

	return result
}

func (d *DrummerDetector) confidence(level, median, ratio float64) float64 {
	ratioConf := dsp.Clamp01((ratio - 1) / 3)
	snrConf := dsp.Clamp01((level/math.Max(median, 0.001) - 1) / 2)
	conf := math.Sqrt(ratioConf * snrConf)
	// Never fully confident on time-domain evidence alone.
	return dsp.Clamp01(conf*0.9 + 0.1)
}
