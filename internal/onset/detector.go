package onset

import (
	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

// Kind identifies one of the voting detectors. Values index the
// ensemble's detector and config tables.
type Kind uint8

const (
	KindDrummer Kind = iota
	KindSpectralFlux
	KindHFC
	KindBassBand
	KindComplexDomain
	KindNovelty

	// NumKinds is the number of voting detectors.
	NumKinds = 6
)

var kindNames = [NumKinds]string{
	"drummer", "spectral", "hfc", "bass", "complex", "novelty",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ParseKind resolves a detector name as used on the control surface.
func ParseKind(name string) (Kind, bool) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), true
		}
	}
	return 0, false
}

// Result is a single detector's verdict for one frame.
type Result struct {
	// Strength is how far the detection value exceeded its threshold,
	// normalized to [0, 1].
	Strength float64
	// Confidence is the detector's self-assessed reliability in [0, 1].
	Confidence float64
	Detected   bool
}

func hit(strength, confidence float64) Result {
	return Result{
		Strength:   dsp.Clamp01(strength),
		Confidence: dsp.Clamp01(confidence),
		Detected:   true,
	}
}

// Config is the per-detector tuning shared between the fusion stage and
// the detector itself.
type Config struct {
	// Weight is the detector's vote weight in fusion.
	Weight float64 `json:"weight" yaml:"weight"`
	// Threshold scales the adaptive threshold. For most detectors it
	// multiplies the local median; for the band flux detector it is an
	// additive delta above the running mean.
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Enabled   bool    `json:"enabled" yaml:"enabled"`
}

// Detector is one onset detection algorithm. Detectors are stateful,
// keep their own adaptive thresholds, and are called once per frame.
type Detector interface {
	Detect(frame *Frame, dt float64) Result
	Kind() Kind
	Configure(cfg Config)
	GetConfig() Config
	Reset()

	// LastRaw returns the most recent pre-threshold detection value.
	LastRaw() float64
	// CurrentThreshold returns the most recent effective threshold.
	CurrentThreshold() float64
}

const thresholdBufferSize = 16

// baseDetector carries the state every detector shares: its config, the
// local-median threshold ring, and debug values.
type baseDetector struct {
	cfg              Config
	thresholdBuffer  [thresholdBufferSize]float64
	thresholdIdx     int
	thresholdCount   int
	medianScratch    [thresholdBufferSize]float64
	lastRaw          float64
	currentThreshold float64
}

func (b *baseDetector) Configure(cfg Config) { b.cfg = cfg }
func (b *baseDetector) GetConfig() Config    { return b.cfg }

func (b *baseDetector) LastRaw() float64          { return b.lastRaw }
func (b *baseDetector) CurrentThreshold() float64 { return b.currentThreshold }

// localMedian returns the median of the recent detection values, or a
// cold-start floor while fewer than 3 values have been recorded.
func (b *baseDetector) localMedian() float64 {
	const coldStartMinimum = 0.01
	if b.thresholdCount < 3 {
		return coldStartMinimum
	}
	return dsp.Median(b.thresholdBuffer[:b.thresholdCount], b.medianScratch[:])
}

func (b *baseDetector) pushThreshold(value float64) {
	b.thresholdBuffer[b.thresholdIdx] = value
	b.thresholdIdx = (b.thresholdIdx + 1) % thresholdBufferSize
	if b.thresholdCount < thresholdBufferSize {
		b.thresholdCount++
	}
}

func (b *baseDetector) resetBase() {
	b.thresholdIdx = 0
	b.thresholdCount = 0
	b.lastRaw = 0
	b.currentThreshold = 0
	for i := range b.thresholdBuffer {
		b.thresholdBuffer[i] = 0
	}
}
