package tempo

import (
	"github.com/viterin/vek"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

// maxCorrelationSize bounds the stored correlation curve. The harmonic
// range extends to four times the fundamental lag range so the tempo model
// can weigh subdivision evidence.
const maxCorrelationSize = 256

// Autocorrelation scores the periodicity of the onset strength signal over
// the musically plausible lag range. Results stay valid until the next
// Analyze call.
type Autocorrelation struct {
	BPMMin float64
	BPMMax float64

	// AdaptiveThreshold subtracts a centered local mean from the signal and
	// half-wave rectifies the residual before scoring, removing
	// arrangement-level dynamics such as slow swells.
	AdaptiveThreshold bool
	ThresholdWindow   int // local-mean half window, frames per side

	// MeanSubtraction removes the global mean so sustained pads do not
	// correlate at every lag.
	MeanSubtraction bool

	linear      [BufferSize]float64
	correlation [maxCorrelationSize]float64

	minLag          int
	maxLag          int
	correlationSize int
	harmonicSize    int
	bestLag         int
	samplesPerMs    float64
	avgEnergy       float64
	strength        float64
}

func NewAutocorrelation(bpmMin, bpmMax float64) *Autocorrelation {
	return &Autocorrelation{
		BPMMin:          bpmMin,
		BPMMax:          bpmMax,
		ThresholdWindow: 15,
		MeanSubtraction: true,
	}
}

// Analyze recomputes the correlation curve from the stream. It returns
// false when the buffer is too short or the signal too quiet to score a
// curve; a quiet buffer also decays the periodicity strength.
func (a *Autocorrelation) Analyze(oss *Stream) bool {
	count := oss.Count()
	if count < 60 {
		return false
	}

	// Measure the real frame rate from capture timestamps. An implausible
	// span means the clock glitched; fall back to the nominal rate.
	spanMs := oss.SpanMs()
	if spanMs <= 0 || spanMs > 10000 {
		spanMs = 6000
	}
	samplesPerMs := float64(count) / float64(spanMs)

	minLag := int(60000.0 / a.BPMMax * samplesPerMs)
	if minLag < 10 {
		minLag = 10
	}
	maxLag := int(60000.0 / a.BPMMin * samplesPerMs)
	if maxLag > count/2 {
		maxLag = count / 2
	}
	if minLag >= maxLag {
		return false
	}

	n := oss.CopyValues(a.linear[:])
	values := a.linear[:n]

	if a.AdaptiveThreshold {
		a.subtractLocalMean(values)
	}

	signalEnergy := vek.Dot(values, values)
	maxOss := vek.Max(values)

	// Silence or near-silence: decay confidence instead of scoring noise.
	if signalEnergy < 0.01 || maxOss < 0.05 {
		a.strength *= 0.8
		return false
	}

	harmonicMaxLag := 4 * maxLag
	if harmonicMaxLag > count/2 {
		harmonicMaxLag = count / 2
	}
	harmonicSize := harmonicMaxLag - minLag + 1
	if harmonicSize > maxCorrelationSize {
		harmonicSize = maxCorrelationSize
	}
	correlationSize := maxLag - minLag + 1
	if correlationSize > harmonicSize {
		correlationSize = harmonicSize
	}

	for i := 0; i < harmonicSize; i++ {
		a.correlation[i] = 0
	}

	if a.MeanSubtraction {
		mean := vek.Mean(values)
		vek.SubNumber_Inplace(values, mean)
		signalEnergy -= float64(n) * mean * mean
		if signalEnergy < 0.001 {
			signalEnergy = 0.001
		}
	}

	maxCorrelation := 0.0
	bestLag := minLag
	for lag := minLag; lag <= harmonicMaxLag; lag++ {
		idx := lag - minLag
		if idx >= maxCorrelationSize {
			break
		}
		pairs := n - lag
		if pairs <= 0 {
			continue
		}
		corr := vek.Dot(values[lag:], values[:pairs]) / float64(pairs)
		a.correlation[idx] = corr
		if lag <= maxLag && corr > maxCorrelation {
			maxCorrelation = corr
			bestLag = lag
		}
	}

	avgEnergy := signalEnergy / float64(n)
	normalized := maxCorrelation / (avgEnergy + 0.001)
	a.strength = 0.7*a.strength + 0.3*dsp.Clamp01(normalized*1.5)

	// Longer lags accumulate correlation from slower envelope structure.
	// Dividing by lag flattens that bias before the tempo model consumes
	// the curve.
	for i := 0; i < harmonicSize; i++ {
		a.correlation[i] /= float64(minLag + i)
	}

	a.minLag = minLag
	a.maxLag = maxLag
	a.correlationSize = correlationSize
	a.harmonicSize = harmonicSize
	a.bestLag = bestLag
	a.samplesPerMs = samplesPerMs
	a.avgEnergy = avgEnergy
	return true
}

// subtractLocalMean runs in place: the windows of later samples see earlier
// samples already rectified.
func (a *Autocorrelation) subtractLocalMean(values []float64) {
	half := a.ThresholdWindow
	if half < 1 {
		half = 1
	}
	for i := range values {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi > len(values)-1 {
			hi = len(values) - 1
		}
		sum := 0.0
		for j := lo; j <= hi; j++ {
			sum += values[j]
		}
		v := values[i] - sum/float64(hi-lo+1)
		if v < 0 {
			v = 0
		}
		values[i] = v
	}
}

// Correlation returns the lag-normalized correlation curve indexed by
// lag-MinLag. The slice is reused across Analyze calls.
func (a *Autocorrelation) Correlation() []float64 { return a.correlation[:a.harmonicSize] }

// MinLag is the shortest scored lag in frames.
func (a *Autocorrelation) MinLag() int { return a.minLag }

// MaxLag is the longest fundamental lag in frames.
func (a *Autocorrelation) MaxLag() int { return a.maxLag }

// CorrelationSize is the number of fundamental-range entries in Correlation.
func (a *Autocorrelation) CorrelationSize() int { return a.correlationSize }

// HarmonicSize is the total number of entries in Correlation, extending to
// four times the fundamental range when the buffer allows.
func (a *Autocorrelation) HarmonicSize() int { return a.harmonicSize }

// BestLag is the fundamental-range lag with the strongest correlation from
// the last successful Analyze.
func (a *Autocorrelation) BestLag() int { return a.bestLag }

// SamplesPerMs is the measured analysis frame rate.
func (a *Autocorrelation) SamplesPerMs() float64 { return a.samplesPerMs }

// AvgEnergy is the per-sample signal energy used to normalize observations.
func (a *Autocorrelation) AvgEnergy() float64 { return a.avgEnergy }

// Strength reports how periodic the onset signal currently is, in [0, 1].
// It rises when a strong correlation peak exists and decays through silence.
func (a *Autocorrelation) Strength() float64 { return a.strength }

func (a *Autocorrelation) Reset() {
	a.linear = [BufferSize]float64{}
	a.correlation = [maxCorrelationSize]float64{}
	a.minLag = 0
	a.maxLag = 0
	a.correlationSize = 0
	a.harmonicSize = 0
	a.bestLag = 0
	a.samplesPerMs = 0
	a.avgEnergy = 0
	a.strength = 0
}
