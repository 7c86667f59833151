package onset

import (
	"math"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
	"github.com/viterin/vek"
)

const (
	numFluxBands = 3

	// ~2 seconds of per-band flux history at 60 fps; enough for ACF lags
	// down to 56 BPM.
	bandHistoryLen = 128

	// Autocorrelation needs about a second of data to mean anything.
	bandMinSamples = 60
)

// BandWeighting learns data-driven band combination weights from the
// rhythmic quality of each band's flux stream. A band earns weight only
// when three gates agree: its flux is periodic (autocorrelation), its
// peaks coincide with the other bands (cross-band correlation; real
// beats hit several bands at once, vibrato does not), and its envelope
// is peaky rather than sustained (crest factor). When any gate fails
// the fixed default weights apply unchanged.
type BandWeighting struct {
	Enabled bool

	buffers  [numFluxBands]*dsp.Ring[float64]
	defaults [numFluxBands]float64
	weights  [numFluxBands]float64

	periodicity [numFluxBands]float64
	crossCorr   [numFluxBands]float64
	peakiness   [numFluxBands]float64
	synchrony   float64

	// Linearized, mean-subtracted copies of the band histories; refilled
	// each Update.
	centered [numFluxBands][]float64
	variance [numFluxBands]float64
	scratch  []float64
	otherSum []float64
}

func newBandWeighting(defaults [numFluxBands]float64) *BandWeighting {
	w := &BandWeighting{
		defaults: defaults,
		weights:  defaults,
		scratch:  make([]float64, bandHistoryLen),
		otherSum: make([]float64, bandHistoryLen),
	}
	for i := range w.buffers {
		w.buffers[i] = dsp.NewRing[float64](bandHistoryLen)
		w.centered[i] = make([]float64, bandHistoryLen)
	}
	return w
}

// SetDefaults replaces the fixed fallback weights.
func (w *BandWeighting) SetDefaults(bass, mid, high float64) {
	w.defaults = [numFluxBands]float64{bass, mid, high}
	if !w.adaptiveActive() {
		w.weights = w.defaults
	}
}

// Current returns the effective band weights for flux combination.
func (w *BandWeighting) Current() [numFluxBands]float64 {
	if !w.Enabled {
		return w.defaults
	}
	return w.weights
}

// Synchrony reports the mean cross-band correlation from the last
// Update, for telemetry.
func (w *BandWeighting) Synchrony() float64 { return w.synchrony }

// Push records one frame of per-band flux.
func (w *BandWeighting) Push(bass, mid, high float64) {
	w.buffers[0].Push(bass)
	w.buffers[1].Push(mid)
	w.buffers[2].Push(high)
}

// Reset drops all history and restores the default weights.
func (w *BandWeighting) Reset() {
	for i := range w.buffers {
		w.buffers[i].Reset()
		w.periodicity[i] = 0
		w.crossCorr[i] = 0
		w.peakiness[i] = 0
	}
	w.synchrony = 0
	w.weights = w.defaults
}

// Update recomputes the three gate metrics and the effective weights.
// Called on the autocorrelation cadence, not per frame.
func (w *BandWeighting) Update(bpmMin, bpmMax, frameRate float64) {
	if !w.Enabled {
		w.weights = w.defaults
		return
	}
	n := w.buffers[0].Count()
	if n < bandMinSamples {
		for i := range w.crossCorr {
			w.crossCorr[i] = 0
			w.peakiness[i] = 0
		}
		w.synchrony = 0
		w.weights = w.defaults
		return
	}

	w.linearize(n)

	minLag := int(frameRate * 60 / bpmMax)
	maxLag := int(frameRate * 60 / bpmMin)
	if maxLag > n/2 {
		maxLag = n / 2
	}
	if minLag < 1 {
		minLag = 1
	}

	for band := 0; band < numFluxBands; band++ {
		corr := 0.0
		if maxLag > minLag {
			corr = w.bandAutocorrelation(band, n, minLag, maxLag)
		}
		// Fast EMA so a new groove registers within two updates.
		w.periodicity[band] = 0.5*w.periodicity[band] + 0.5*corr
	}

	w.computeCrossBand(n)
	w.computePeakiness(n)
	w.combine()
}

func (w *BandWeighting) linearize(n int) {
	for band := 0; band < numFluxBands; band++ {
		c := w.centered[band][:n]
		w.buffers[band].CopyTo(c)
		mean := vek.Mean(c)
		vek.SubNumber_Inplace(c, mean)
		w.variance[band] = vek.Dot(c, c)
	}
}

// bandAutocorrelation returns the maximum variance-normalized
// correlation over the BPM-derived lag range.
func (w *BandWeighting) bandAutocorrelation(band, n, minLag, maxLag int) float64 {
	if w.variance[band] < 1e-4 {
		return 0
	}
	c := w.centered[band][:n]
	maxCorr := 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		corr := vek.Dot(c[lag:], c[:n-lag]) / w.variance[band]
		if corr > maxCorr {
			maxCorr = corr
		}
	}
	return maxCorr
}

// computeCrossBand correlates each band against the sum of the others.
func (w *BandWeighting) computeCrossBand(n int) {
	total := 0.0
	for band := 0; band < numFluxBands; band++ {
		if w.variance[band] < 1e-4 {
			w.crossCorr[band] = 0
			continue
		}
		other := w.otherSum[:n]
		for i := range other {
			other[i] = 0
		}
		for o := 0; o < numFluxBands; o++ {
			if o != band {
				vek.Add_Inplace(other, w.centered[o][:n])
			}
		}
		otherVar := vek.Dot(other, other)
		if otherVar < 1e-4 {
			w.crossCorr[band] = 0
			continue
		}
		cov := vek.Dot(w.centered[band][:n], other)
		w.crossCorr[band] = dsp.Clamp01(cov / math.Sqrt(w.variance[band]*otherVar))
		total += w.crossCorr[band]
	}
	w.synchrony = total / numFluxBands
}

// computePeakiness maps each band's crest factor (max over RMS) to
// [0, 1]. A sine sits near 1.4, impulsive signals above 5.
func (w *BandWeighting) computePeakiness(n int) {
	for band := 0; band < numFluxBands; band++ {
		raw := w.scratch[:n]
		w.buffers[band].CopyTo(raw)
		rms := math.Sqrt(vek.Dot(raw, raw) / float64(n))
		if rms <= 0.001 {
			w.peakiness[band] = 0
			continue
		}
		crest := vek.Max(raw) / rms
		w.peakiness[band] = dsp.Clamp01((crest - 1.5) / 3.5)
	}
}

func (w *BandWeighting) combine() {
	var effective [numFluxBands]float64
	total, maxEff := 0.0, 0.0
	for i := 0; i < numFluxBands; i++ {
		syncFactor := 0.3 + 0.7*w.crossCorr[i]
		peakFactor := 0.5 + 0.5*w.peakiness[i]
		effective[i] = w.periodicity[i] * syncFactor * peakFactor
		total += effective[i]
		if effective[i] > maxEff {
			maxEff = effective[i]
		}
	}

	avg := total / numFluxBands
	if total <= 0.1 || avg <= 0.15 || w.synchrony <= 0.3 {
		w.weights = w.defaults
		return
	}

	dominance := maxEff / total * numFluxBands
	strengthFactor := dsp.Clamp01((avg - 0.15) / 0.35)
	dominanceFactor := dsp.Clamp01((dominance - 1) / 2)
	syncFactor := dsp.Clamp01((w.synchrony - 0.3) / 0.4)
	blend := strengthFactor * dominanceFactor * syncFactor * 0.7

	defaultSum := w.defaults[0] + w.defaults[1] + w.defaults[2]
	sum := 0.0
	for i := 0; i < numFluxBands; i++ {
		w.weights[i] = blend*(effective[i]/total)*defaultSum + (1-blend)*w.defaults[i]
		sum += w.weights[i]
	}
	// Rescale to the default weight mass so the combined flux keeps the
	// scale the additive thresholds were calibrated against.
	if sum > 0 {
		for i := range w.weights {
			w.weights[i] *= defaultSum / sum
		}
	}
}

func (w *BandWeighting) adaptiveActive() bool {
	return w.Enabled && w.weights != w.defaults
}
