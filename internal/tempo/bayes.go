package tempo

import (
	"math"

	"github.com/viterin/vek"

	"github.com/Jdubz/blinky-time-sub003/internal/dsp"
)

// TempoState fuses four periodicity observations over a shared set of tempo
// bins: the autocorrelation curve, a Goertzel sweep of the onset signal,
// comb resonator energies, and an inter-onset-interval histogram. Belief
// diffuses through a transition model between updates, so the estimate
// rides out short stretches of weak evidence.
type TempoState struct {
	// Transition model.
	Lambda         float64 // drift tolerance as a fraction of bin BPM
	HarmonicWeight float64 // transition bonus between harmonically related bins

	// Tempo preference absent evidence.
	PriorCenter float64
	PriorWidth  float64
	PriorWeight float64 // exponent on the static prior each update; 0 disables

	// Observation channel exponents. 1 passes a channel through unchanged,
	// 0 mutes it, above 1 sharpens its influence.
	AcfWeight  float64
	FtWeight   float64
	CombWeight float64
	IoiWeight  float64

	FtEnabled   bool
	IoiEnabled  bool
	CombEnabled bool

	// PosteriorFloor blends a uniform distribution into the posterior so
	// no bin ever starves to zero.
	PosteriorFloor float64

	// Harmonic error correction thresholds, each a fraction of the winning
	// bin's own correlation.
	HalfLagRatio      float64 // half-lag evidence this strong doubles the tempo
	TwoThirdsLagRatio float64 // two-thirds-lag evidence moves to 1.5x
	DoubleLagRatio    float64 // double-lag evidence halves the tempo
	DisambigNudge     float64 // posterior mass moved toward a corrected bin

	// Transient density octave discriminator.
	DensityEnabled    bool
	DensityTarget     float64 // transients per beat; 0 selects the min/max band
	DensityMinPerBeat float64
	DensityMaxPerBeat float64
	DensityPenaltyExp float64

	bins [NumBins]float64
	lags [NumBins]int

	prior       [NumBins]float64
	posterior   [NumBins]float64
	staticPrior [NumBins]float64
	rayleigh    [NumBins]float64

	trans         [NumBins][NumBins]float64
	transLambda   float64
	transHarmonic float64

	bestBin    int
	prediction [NumBins]float64
	ossScratch [BufferSize]float64

	// Last observation vectors, kept for status reporting.
	lastAcfObs  [NumBins]float64
	lastFtObs   [NumBins]float64
	lastCombObs [NumBins]float64
	lastIoiObs  [NumBins]float64
}

// NewTempoState builds a model over the bank's bin layout with the default
// tuning.
func NewTempoState(bank *CombBank) *TempoState {
	t := &TempoState{
		Lambda:         0.15,
		HarmonicWeight: 0.3,
		PriorCenter:    120,
		PriorWidth:     40,
		PriorWeight:    1,
		AcfWeight:      0.3,
		FtWeight:       2,
		CombWeight:     1,
		IoiWeight:      2,
		FtEnabled:      true,
		IoiEnabled:     true,
		CombEnabled:    true,
		PosteriorFloor: 0.02,

		HalfLagRatio:      0.5,
		TwoThirdsLagRatio: 0.6,
		DoubleLagRatio:    0.8,
		DisambigNudge:     0.3,

		DensityEnabled:    true,
		DensityMinPerBeat: 0.5,
		DensityMaxPerBeat: 4,
		DensityPenaltyExp: 2,
	}
	for i := 0; i < NumBins; i++ {
		t.bins[i] = bank.FilterBPM(i)
		t.lags[i] = int(FramesPerMinute/t.bins[i] + 0.5)
	}
	t.Reset()
	return t
}

// Reset rebuilds the priors and transition model from the current tuning
// and discards accumulated belief.
func (t *TempoState) Reset() {
	sum := 0.0
	for i := range t.bins {
		diff := t.bins[i] - t.PriorCenter
		t.prior[i] = math.Exp(-0.5 * diff * diff / (t.PriorWidth * t.PriorWidth))
		sum += t.prior[i]
	}
	if sum > 1e-9 {
		vek.MulNumber_Inplace(t.prior[:], 1/sum)
	}

	// The static prior keeps pulling the posterior toward the center at
	// every update. Floored rather than normalized so distant bins are
	// damped, not erased.
	for i := range t.bins {
		diff := t.bins[i] - t.PriorCenter
		g := math.Exp(-0.5 * diff * diff / (t.PriorWidth * t.PriorWidth))
		if g < 0.01 {
			g = 0.01
		}
		t.staticPrior[i] = g
	}

	// Rayleigh weighting over lag, peaked at the lag of 120 BPM, shapes
	// the autocorrelation channel toward perceptually likely tempi.
	sigma := FramesPerMinute / 120.0
	maxR := 0.0
	for i := range t.lags {
		lag := float64(t.lags[i])
		w := lag / (sigma * sigma) * math.Exp(-lag*lag/(2*sigma*sigma))
		t.rayleigh[i] = w
		if w > maxR {
			maxR = w
		}
	}
	if maxR > 0 {
		vek.MulNumber_Inplace(t.rayleigh[:], 1/maxR)
	}

	t.posterior = t.prior
	t.bestBin = NumBins / 2
	t.lastAcfObs = [NumBins]float64{}
	t.lastFtObs = [NumBins]float64{}
	t.lastCombObs = [NumBins]float64{}
	t.lastIoiObs = [NumBins]float64{}
	t.buildTransitionMatrix()
}

// buildTransitionMatrix precomputes bin-to-bin transition weights: a narrow
// Gaussian for tempo drift plus bonuses between harmonically related bins
// so octave corrections do not have to walk through every bin in between.
func (t *TempoState) buildTransitionMatrix() {
	for i := range t.bins {
		for j := range t.bins {
			diff := t.bins[i] - t.bins[j]
			sigma := t.Lambda * t.bins[j]
			if sigma < 1 {
				sigma = 1
			}
			narrow := math.Exp(-0.5 * diff * diff / (sigma * sigma))

			ratio := t.bins[i] / t.bins[j]
			bonus := 0.0
			if d := ratio - 2; math.Abs(d) < 0.15 {
				bonus = t.HarmonicWeight * math.Exp(-d*d*100)
			}
			if d := ratio - 0.5; math.Abs(d) < 0.15 {
				if b := t.HarmonicWeight * math.Exp(-d*d*100); b > bonus {
					bonus = b
				}
			}
			if d := ratio - 1.5; math.Abs(d) < 0.1 {
				if b := t.HarmonicWeight * 0.5 * math.Exp(-d*d*200); b > bonus {
					bonus = b
				}
			}
			if d := ratio - 2.0/3.0; math.Abs(d) < 0.1 {
				if b := t.HarmonicWeight * 0.5 * math.Exp(-d*d*200); b > bonus {
					bonus = b
				}
			}
			t.trans[i][j] = narrow + bonus
		}
	}

	// Column-normalize: the outgoing mass of each source bin sums to 1.
	for j := range t.bins {
		sum := 0.0
		for i := range t.bins {
			sum += t.trans[i][j]
		}
		if sum > 1e-9 {
			for i := range t.bins {
				t.trans[i][j] /= sum
			}
		}
	}
	t.transLambda = t.Lambda
	t.transHarmonic = t.HarmonicWeight
}

// Fuse runs one belief update from a freshly analyzed correlation curve and
// returns the interpolated tempo estimate in BPM. The caller decides
// whether the estimate is trustworthy enough to apply, typically by gating
// on the autocorrelation strength.
func (t *TempoState) Fuse(acf *Autocorrelation, bank *CombBank, ioi *IOIRecord, oss *Stream, onsetDensity float64) float64 {
	if t.Lambda != t.transLambda || t.HarmonicWeight != t.transHarmonic {
		t.buildTransitionMatrix()
	}

	// Prediction: diffuse the prior through the transition model.
	for i := range t.prediction {
		t.prediction[i] = vek.Dot(t.trans[i][:], t.prior[:])
	}
	if sum := vek.Sum(t.prediction[:]); sum > 1e-9 {
		vek.MulNumber_Inplace(t.prediction[:], 1/sum)
	}

	t.computeAcfObservations(acf)

	if t.FtEnabled && oss.Count() >= 60 {
		t.computeFtObservations(oss)
	} else {
		for i := range t.lastFtObs {
			t.lastFtObs[i] = 1
		}
	}
	if t.FtWeight != 1 {
		for i := range t.lastFtObs {
			t.lastFtObs[i] = math.Pow(t.lastFtObs[i], t.FtWeight)
		}
	}

	if t.CombEnabled {
		for i := range t.lastCombObs {
			e := bank.FilterEnergy(i)
			if e < 0.01 {
				e = 0.01
			}
			t.lastCombObs[i] = e
		}
	} else {
		for i := range t.lastCombObs {
			t.lastCombObs[i] = 1
		}
	}
	if t.CombWeight != 1 {
		for i := range t.lastCombObs {
			t.lastCombObs[i] = math.Pow(t.lastCombObs[i], t.CombWeight)
		}
	}

	if t.IoiEnabled && ioi.Count() >= 8 {
		t.computeIoiObservations(ioi)
	} else {
		for i := range t.lastIoiObs {
			t.lastIoiObs[i] = 1
		}
	}
	if t.IoiWeight != 1 {
		for i := range t.lastIoiObs {
			t.lastIoiObs[i] = math.Pow(t.lastIoiObs[i], t.IoiWeight)
		}
	}

	sum := 0.0
	for i := range t.posterior {
		weightedPrior := 1.0
		if t.PriorWeight == 1 {
			weightedPrior = t.staticPrior[i]
		} else if t.PriorWeight != 0 {
			weightedPrior = math.Pow(t.staticPrior[i], t.PriorWeight)
		}
		p := t.prediction[i] * weightedPrior * t.lastAcfObs[i] * t.lastFtObs[i] * t.lastCombObs[i] * t.lastIoiObs[i]
		t.posterior[i] = p
		sum += p
	}
	if sum <= 1e-9 {
		for i := range t.posterior {
			t.posterior[i] = 1.0 / NumBins
		}
	} else {
		vek.MulNumber_Inplace(t.posterior[:], 1/sum)
	}

	t.applyDensityDiscriminator(onsetDensity)
	t.applyPosteriorFloor()

	best := 0
	for i := 1; i < NumBins; i++ {
		if t.posterior[i] > t.posterior[best] {
			best = i
		}
	}
	t.bestBin = best

	t.correctHarmonicError(acf)

	estimate := t.interpolateBPM()
	t.prior = t.posterior
	return estimate
}

// computeAcfObservations folds the correlation curve at one to four times
// each bin's lag into a single per-bin score.
func (t *TempoState) computeAcfObservations(acf *Autocorrelation) {
	corr := acf.Correlation()
	minLag := acf.MinLag()
	harmonicSize := acf.HarmonicSize()
	avgEnergy := acf.AvgEnergy()

	for i := range t.lastAcfObs {
		lag := t.lags[i]
		comb := 0.0
		harmonicsUsed := 0

		// Window width grows with the harmonic to absorb lag quantization
		// error; the sum divides by the width so wider windows do not
		// outvote the fundamental.
		for h := 1; h <= 4; h++ {
			center := h*lag - minLag
			if center < 0 || center >= harmonicSize {
				continue
			}
			windowSum := 0.0
			for off := 1 - h; off <= h-1; off++ {
				if idx := center + off; idx >= 0 && idx < harmonicSize {
					windowSum += corr[idx]
				}
			}
			comb += windowSum / float64(2*h-1)
			harmonicsUsed++
		}

		obs := 0.01
		if harmonicsUsed > 0 {
			obs = comb * t.rayleigh[i] / (avgEnergy + 0.001)
			if obs < 0.01 {
				obs = 0.01
			}
		}
		t.lastAcfObs[i] = obs
	}
	if t.AcfWeight != 1 {
		for i := range t.lastAcfObs {
			t.lastAcfObs[i] = math.Pow(t.lastAcfObs[i], t.AcfWeight)
		}
	}
}

// computeFtObservations evaluates the onset signal's spectrum at each bin's
// lag frequency with Goertzel recurrences, O(N) per bin against a full FFT
// whose resolution would be wasted on 20 sparse frequencies.
func (t *TempoState) computeFtObservations(oss *Stream) {
	n := oss.CopyValues(t.ossScratch[:])
	values := t.ossScratch[:n]
	mean := vek.Mean(values)

	for b := range t.lastFtObs {
		lag := t.lags[b]
		if lag < 5 {
			t.lastFtObs[b] = 0.01
			continue
		}
		omega := 2 * math.Pi / float64(lag)
		coeff := 2 * math.Cos(omega)

		s1, s2 := 0.0, 0.0
		for _, v := range values {
			s0 := (v - mean) + coeff*s1 - s2
			s2 = s1
			s1 = s0
		}
		magSq := s1*s1 + s2*s2 - coeff*s1*s2
		if magSq < 0.01 {
			magSq = 0.01
		}
		t.lastFtObs[b] = magSq
	}

	// Magnitudes scale with amplitude squared; normalizing by the mean
	// across bins keeps the channel exponent amplitude-independent.
	ftMean := vek.Sum(t.lastFtObs[:]) / NumBins
	if ftMean > 0.01 {
		vek.MulNumber_Inplace(t.lastFtObs[:], 1/ftMean)
	}
}

// computeIoiObservations counts onset interval matches per bin. Bins start
// at the multiplicative neutral 1: an interval histogram with no matches
// carries no evidence either way, unlike the correlation channel where a
// missing peak argues against a bin.
func (t *TempoState) computeIoiObservations(ioi *IOIRecord) {
	for i := range t.lastIoiObs {
		t.lastIoiObs[i] = 1
	}

	// Intervals past three times the slowest bin's lag cannot match any
	// bin, directly or folded.
	maxInterval := t.lags[NumBins-1] * 3

	n := ioi.Count()
	for i := 0; i < n; i++ {
		newer := ioi.Latest(i)
		for j := i + 1; j < n; j++ {
			interval := newer - ioi.Latest(j)
			if interval <= 0 {
				continue
			}
			if interval > maxInterval {
				break
			}
			for b := range t.lastIoiObs {
				lag := t.lags[b]
				diff := interval - lag
				if diff < 0 {
					diff = -diff
				}
				// +-2 frames (~33ms) of onset timing jitter.
				if diff <= 2 {
					t.lastIoiObs[b]++
				}
				// A doubled interval reads as a skipped beat, half weight.
				if interval >= lag*2-2 && interval <= lag*2+2 {
					t.lastIoiObs[b] += 0.5
				}
			}
		}
	}
}

func (t *TempoState) applyDensityDiscriminator(density float64) {
	if !t.DensityEnabled || density <= 0.1 {
		return
	}
	for i := range t.posterior {
		perBeat := 60 * density / t.bins[i]
		penalty := 1.0
		switch {
		case t.DensityTarget > 0:
			diff := (perBeat - t.DensityTarget) / t.DensityTarget
			penalty = math.Exp(-t.DensityPenaltyExp * diff * diff)
		case perBeat < t.DensityMinPerBeat:
			diff := (t.DensityMinPerBeat - perBeat) / t.DensityMinPerBeat
			penalty = math.Exp(-t.DensityPenaltyExp * diff * diff)
		case perBeat > t.DensityMaxPerBeat:
			diff := (perBeat - t.DensityMaxPerBeat) / t.DensityMaxPerBeat
			penalty = math.Exp(-t.DensityPenaltyExp * diff * diff)
		}
		t.posterior[i] *= penalty
	}
	if sum := vek.Sum(t.posterior[:]); sum > 1e-9 {
		vek.MulNumber_Inplace(t.posterior[:], 1/sum)
	}
}

func (t *TempoState) applyPosteriorFloor() {
	a := dsp.Clamp(t.PosteriorFloor, 0, 0.5)
	if a <= 0 {
		return
	}
	for i := range t.posterior {
		t.posterior[i] = (1-a)*t.posterior[i] + a/NumBins
	}
}

// correctHarmonicError re-checks the winning bin against the correlation
// curve for the classic octave and 3:2 meter confusions and, when a check
// fires, moves the estimate and a slice of posterior mass to the corrected
// bin. Checks run in priority order: double tempo, 1.5x, then half.
func (t *TempoState) correctHarmonicError(acf *Autocorrelation) {
	corr := acf.Correlation()
	minLag := acf.MinLag()
	size := acf.CorrelationSize()
	harmonicSize := acf.HarmonicSize()

	bestLag := t.lags[t.bestBin]
	idx := bestLag - minLag
	if idx < 0 || idx >= size {
		return
	}
	bestAcf := corr[idx]
	if bestAcf <= 0.001 {
		return
	}

	pre := t.bestBin
	corrected := false

	// Strong correlation at half the winning lag means the winner sat an
	// octave low.
	halfLag := bestLag / 2
	if hIdx := halfLag - minLag; hIdx >= 0 && hIdx < size && corr[hIdx] > t.HalfLagRatio*bestAcf {
		if bin, ok := t.closestBin(FramesPerMinute / float64(halfLag)); ok {
			t.bestBin = bin
			corrected = true
		}
	}

	if !corrected {
		twoThirdsLag := bestLag * 2 / 3
		if tIdx := twoThirdsLag - minLag; tIdx >= 0 && tIdx < size && corr[tIdx] > t.TwoThirdsLagRatio*bestAcf {
			if bin, ok := t.closestBin(FramesPerMinute / float64(twoThirdsLag)); ok {
				t.bestBin = bin
				corrected = true
			}
		}
	}

	// Double lag means the winner tracked a subdivision. The doubled lag
	// lives past the fundamental window, so this check reads the extended
	// harmonic range of the curve.
	if !corrected {
		doubleLag := bestLag * 2
		if dIdx := doubleLag - minLag; dIdx >= 0 && dIdx < harmonicSize && corr[dIdx] > t.DoubleLagRatio*bestAcf {
			if bin, ok := t.closestBin(FramesPerMinute / float64(doubleLag)); ok {
				t.bestBin = bin
				corrected = true
			}
		}
	}

	if corrected && t.DisambigNudge > 0 {
		n := dsp.Clamp(t.DisambigNudge, 0, 0.5)
		transfer := t.posterior[pre] * n
		t.posterior[pre] -= transfer
		t.posterior[t.bestBin] += transfer
	}
}

// closestBin finds the bin nearest bpm, requiring it to land within 10% of
// the requested tempo.
func (t *TempoState) closestBin(bpm float64) (int, bool) {
	best := 0
	bestDiff := math.Abs(t.bins[0] - bpm)
	for i := 1; i < NumBins; i++ {
		if d := math.Abs(t.bins[i] - bpm); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	if bestDiff < bpm*0.1 {
		return best, true
	}
	return 0, false
}

// interpolateBPM refines the winning bin by fitting a parabola through the
// posterior at the bin and its neighbors.
func (t *TempoState) interpolateBPM() float64 {
	b := t.bestBin
	estimate := t.bins[b]
	if b <= 0 || b >= NumBins-1 {
		return estimate
	}
	y0, y1, y2 := t.posterior[b-1], t.posterior[b], t.posterior[b+1]
	denom := 2 * (2*y1 - y0 - y2)
	if math.Abs(denom) <= 1e-9 {
		return estimate
	}
	delta := dsp.Clamp((y0-y2)/denom, -0.5, 0.5)
	if delta > 0 {
		return estimate + delta*(t.bins[b+1]-t.bins[b])
	}
	return estimate + delta*(t.bins[b]-t.bins[b-1])
}

// NudgeToward moves 30% of the winning bin's posterior mass to the bin
// nearest bpm and re-seeds the prior from the result. Callers use this to
// make the model follow a tempo switch decided outside the fusion loop.
// No-op when bpm lands too far from every bin.
func (t *TempoState) NudgeToward(bpm float64) {
	bin, ok := t.closestBin(bpm)
	if !ok || bin == t.bestBin {
		return
	}
	transfer := t.posterior[t.bestBin] * 0.3
	t.posterior[t.bestBin] -= transfer
	t.posterior[bin] += transfer
	copy(t.prior[:], t.posterior[:])
	t.bestBin = bin
}

// BestBin returns the current maximum a posteriori bin index.
func (t *TempoState) BestBin() int { return t.bestBin }

// BinBPM returns the tempo of bin i.
func (t *TempoState) BinBPM(i int) float64 { return t.bins[i] }

// BinLag returns the beat period of bin i in analysis frames.
func (t *TempoState) BinLag(i int) int { return t.lags[i] }

// Posterior returns the live belief vector. It is reused across updates.
func (t *TempoState) Posterior() []float64 { return t.posterior[:] }

// AcfObservations returns the autocorrelation channel from the last update.
func (t *TempoState) AcfObservations() []float64 { return t.lastAcfObs[:] }

// FtObservations returns the Goertzel channel from the last update.
func (t *TempoState) FtObservations() []float64 { return t.lastFtObs[:] }

// CombObservations returns the resonator channel from the last update.
func (t *TempoState) CombObservations() []float64 { return t.lastCombObs[:] }

// IoiObservations returns the interval channel from the last update.
func (t *TempoState) IoiObservations() []float64 { return t.lastIoiObs[:] }
