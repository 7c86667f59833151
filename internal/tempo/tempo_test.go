package tempo

import (
	"math"
	"testing"
)

// frameTs returns a capture timestamp for an analysis frame at the nominal
// 60 Hz rate.
func frameTs(frame int) uint32 {
	return 1000 + uint32(math.Round(float64(frame)*1000.0/60.0))
}

// impulseStream fills a stream with a width-one impulse train.
func impulseStream(period, frames int) *Stream {
	s := NewStream()
	for f := 0; f < frames; f++ {
		v := 0.0
		if f%period == 0 {
			v = 1
		}
		s.Push(v, frameTs(f))
	}
	return s
}

// syntheticACF builds a correlation curve with chosen values at chosen
// lags, mimicking the field layout of a real analysis pass.
func syntheticACF(points map[int]float64) *Autocorrelation {
	a := NewAutocorrelation(60, 200)
	a.minLag = 18
	a.maxLag = 62
	a.correlationSize = 45
	a.harmonicSize = 111
	for lag, v := range points {
		a.correlation[lag-a.minLag] = v
	}
	return a
}

func TestCombBankLayout(t *testing.T) {
	c := NewCombBank()
	if c.FilterLag(0) != combMinLag || c.FilterLag(NumBins-1) != combMaxLag {
		t.Fatalf("lag range = [%d, %d], want [%d, %d]",
			c.FilterLag(0), c.FilterLag(NumBins-1), combMinLag, combMaxLag)
	}
	prev := 0
	for i := 0; i < NumBins; i++ {
		lag := c.FilterLag(i)
		if lag <= prev {
			t.Fatalf("bin %d lag %d not above previous %d", i, lag, prev)
		}
		prev = lag
		want := FramesPerMinute / float64(lag)
		if math.Abs(c.FilterBPM(i)-want) > 1e-9 {
			t.Fatalf("bin %d BPM = %f, want %f", i, c.FilterBPM(i), want)
		}
	}
}

func TestCombBankTracksImpulsePeriod(t *testing.T) {
	c := NewCombBank()
	const period = 35 // bin 7, ~102.9 BPM

	// 1190 is a multiple of the period, so the final call carries an
	// impulse and the matched resonator's energy spike is fresh.
	for f := 0; f <= 1190; f++ {
		v := 0.0
		if f%period == 0 {
			v = 1
		}
		c.Process(v)
	}

	if c.PeakIndex() != 7 {
		t.Fatalf("peak index = %d (%.1f BPM), want 7", c.PeakIndex(), c.PeakBPM())
	}
	want := FramesPerMinute / period
	if math.Abs(c.PeakBPM()-want) > 1e-9 {
		t.Fatalf("peak BPM = %f, want %f", c.PeakBPM(), want)
	}
	if c.PeakConfidence() <= 0.2 {
		t.Fatalf("peak confidence = %f, want > 0.2", c.PeakConfidence())
	}
	if p := c.PeakPhase(); p < 0 || p >= 1 {
		t.Fatalf("peak phase = %f, want in [0, 1)", p)
	}
}

func TestSmootherWindow(t *testing.T) {
	s := NewSmoother(3)
	steps := []struct {
		in, want float64
	}{
		{0.9, 0.9}, // first sample primes the whole window
		{0.0, 0.6},
		{0.0, 0.3},
		{0.0, 0.0},
	}
	for i, step := range steps {
		if got := s.Apply(step.in); math.Abs(got-step.want) > 1e-12 {
			t.Fatalf("step %d: Apply(%f) = %f, want %f", i, step.in, got, step.want)
		}
	}

	// Changing the width must refill the window instead of averaging in
	// samples recorded at the old width.
	s.Width = 5
	if got := s.Apply(0.5); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("after width change Apply(0.5) = %f, want 0.5", got)
	}
}

func TestStreamSpanSurvivesClockWrap(t *testing.T) {
	s := NewStream()
	s.Push(0.1, 4294967290)
	s.Push(0.2, 94) // 100ms later, past the uint32 wrap
	if got := s.SpanMs(); got != 100 {
		t.Fatalf("SpanMs = %d, want 100", got)
	}
}

func TestIOIRecordCapsAndShifts(t *testing.T) {
	r := &IOIRecord{}
	for i := 1; i <= 20; i++ {
		r.Push(i * 10)
	}
	if r.Count() != ioiBufferSize {
		t.Fatalf("count = %d, want %d", r.Count(), ioiBufferSize)
	}
	if r.Latest(0) != 200 || r.Latest(15) != 50 {
		t.Fatalf("latest/oldest = %d/%d, want 200/50", r.Latest(0), r.Latest(15))
	}

	r.Shift(60)
	if r.Latest(0) != 140 {
		t.Fatalf("after shift latest = %d, want 140", r.Latest(0))
	}
	if r.Latest(15) != 0 {
		t.Fatalf("after shift oldest = %d, want floor at 0", r.Latest(15))
	}
}

func TestTransitionMatrixColumns(t *testing.T) {
	ts := NewTempoState(NewCombBank())
	for j := 0; j < NumBins; j++ {
		sum := 0.0
		for i := 0; i < NumBins; i++ {
			sum += ts.trans[i][j]
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("column %d sums to %f, want 1", j, sum)
		}
		for i := 0; i < NumBins; i++ {
			if ts.trans[i][j] > ts.trans[j][j]+1e-12 {
				t.Fatalf("trans[%d][%d] = %f exceeds staying put %f",
					i, j, ts.trans[i][j], ts.trans[j][j])
			}
		}
	}
}

func TestPosteriorRemainsDistribution(t *testing.T) {
	oss := impulseStream(26, 256)
	acf := NewAutocorrelation(60, 200)
	if !acf.Analyze(oss) {
		t.Fatal("analysis refused a full impulse train")
	}

	bank := NewCombBank()
	state := NewTempoState(bank)
	state.Fuse(acf, bank, &IOIRecord{}, oss, 2.5)

	sum := 0.0
	for i, p := range state.Posterior() {
		if p <= 0 {
			t.Fatalf("posterior[%d] = %f, want > 0 under the floor", i, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("posterior sums to %f, want 1", sum)
	}
}

func TestFtObservationsPeakAtSignalPeriod(t *testing.T) {
	oss := impulseStream(26, 256) // bin 3
	state := NewTempoState(NewCombBank())
	state.computeFtObservations(oss)

	best := 0
	for i := 1; i < NumBins; i++ {
		if state.lastFtObs[i] > state.lastFtObs[best] {
			best = i
		}
	}
	if best != 3 {
		t.Fatalf("strongest Goertzel bin = %d (lag %d), want 3 (lag 26)",
			best, state.lags[best])
	}
}

func TestDensityDiscriminatorPenalizesImplausibleSubdivision(t *testing.T) {
	state := NewTempoState(NewCombBank())
	for i := range state.posterior {
		state.posterior[i] = 1.0 / NumBins
	}

	// Eight transients per second: 2.7 per beat at 180 BPM (plausible),
	// 8 per beat at 60 BPM (implausible subdivision).
	state.applyDensityDiscriminator(8)

	if state.posterior[0] <= state.posterior[NumBins-1] {
		t.Fatalf("posterior 180 BPM = %f not above 60 BPM = %f",
			state.posterior[0], state.posterior[NumBins-1])
	}
}

func TestHarmonicCorrectionPrefersFasterOctave(t *testing.T) {
	acf := syntheticACF(map[int]float64{
		52:  0.4,  // winning bin's own lag (bin 15, 69.2 BPM)
		26:  0.3,  // half lag above the 0.5 ratio: tempo should double
		104: 0.39, // double lag would also pass but must lose priority
	})
	state := NewTempoState(NewCombBank())
	for i := range state.posterior {
		state.posterior[i] = 1.0 / NumBins
	}
	state.bestBin = 15

	state.correctHarmonicError(acf)

	if state.bestBin != 3 {
		t.Fatalf("best bin = %d (%.1f BPM), want 3 (138.5)",
			state.bestBin, state.bins[state.bestBin])
	}
	if state.posterior[3] <= 0.06 {
		t.Fatalf("posterior[3] = %f, want nudged above 0.06", state.posterior[3])
	}
}

func TestHarmonicCorrectionHalvesSubdivisionTempo(t *testing.T) {
	// Winner at lag 28 (bin 4, 128.6 BPM) tracked a subdivision: its half
	// lag falls below the scored range, two-thirds evidence is absent, and
	// the double lag at 56 carries nearly the winner's correlation.
	acf := syntheticACF(map[int]float64{
		28: 0.4,
		56: 0.35,
	})
	state := NewTempoState(NewCombBank())
	for i := range state.posterior {
		state.posterior[i] = 1.0 / NumBins
	}
	state.bestBin = 4

	state.correctHarmonicError(acf)

	if state.bestBin != 17 {
		t.Fatalf("best bin = %d (%.1f BPM), want 17 (64.3)",
			state.bestBin, state.bins[state.bestBin])
	}

	// Below the ratio the winner must stand.
	acf = syntheticACF(map[int]float64{
		28: 0.4,
		56: 0.30,
	})
	state.bestBin = 4
	state.correctHarmonicError(acf)
	if state.bestBin != 4 {
		t.Fatalf("best bin = %d, want 4 kept below the double-lag ratio", state.bestBin)
	}
}

func TestEstimatorLocksImpulseTrain(t *testing.T) {
	est := NewEstimator()
	const period = 45 // 80 BPM

	var last Update
	applied := 0
	for f := 0; f < 2400; f++ {
		v := 0.0
		if f%period == 0 {
			v = 1
		}
		ts := frameTs(f)
		est.Advance(v, v, ts)
		if u, ok := est.Run(ts, 0); ok {
			last = u
			applied++
		}
	}

	if applied < 20 {
		t.Fatalf("only %d applied updates over 40 seconds", applied)
	}
	if last.BPM < 75 || last.BPM > 85 {
		t.Fatalf("BPM = %.1f, want near 80", last.BPM)
	}
	if last.PeriodSamples < 43 || last.PeriodSamples > 47 {
		t.Fatalf("period = %d frames, want near 45", last.PeriodSamples)
	}
	if est.Strength() < 0.5 {
		t.Fatalf("periodicity strength = %f, want locked above 0.5", est.Strength())
	}
}

func TestEstimatorActivationThresholdGatesUpdates(t *testing.T) {
	est := NewEstimator()
	// Strength is clamped to [0, 1], so this keeps the gate shut forever.
	est.ActivationThreshold = 1.0
	const period = 45

	for f := 0; f < 2400; f++ {
		v := 0.0
		if f%period == 0 {
			v = 1
		}
		ts := frameTs(f)
		est.Advance(v, v, ts)
		if _, ok := est.Run(ts, 0); ok {
			t.Fatalf("update applied at frame %d with threshold above any real strength", f)
		}
	}
	if est.BPM() != 120 {
		t.Errorf("BPM = %.1f, want the 120 starting value untouched", est.BPM())
	}
}

func TestEstimatorResolvesOctaveAmbiguity(t *testing.T) {
	est := NewEstimator()
	const period = 26 // 138.5 BPM; both it and its half sit exactly on bins

	var last Update
	for f := 0; f < 2400; f++ {
		v := 0.0
		if f%period == 0 {
			v = 1
			est.RecordOnset(f)
		}
		ts := frameTs(f)
		est.Advance(v, v, ts)
		if u, ok := est.Run(ts, 0); ok {
			last = u
		}
	}

	if last.BPM < 130 || last.BPM > 147 {
		t.Fatalf("BPM = %.1f, want the played octave near 138.5, not its half", last.BPM)
	}
}

func TestEstimatorSilenceReleasesLock(t *testing.T) {
	est := NewEstimator()
	const period = 45

	for f := 0; f < 1800; f++ {
		v := 0.0
		if f%period == 0 {
			v = 1
		}
		ts := frameTs(f)
		est.Advance(v, v, ts)
		est.Run(ts, 0)
	}
	if est.Strength() < 0.5 {
		t.Fatalf("strength = %f before silence, want locked", est.Strength())
	}

	// Long silence: the history drains, then every analysis is gated and
	// strength decays toward zero.
	appliedInTail := false
	for f := 1800; f < 2700; f++ {
		ts := frameTs(f)
		est.Advance(0, 0, ts)
		if _, ok := est.Run(ts, 0); ok && f >= 2550 {
			appliedInTail = true
		}
	}

	if appliedInTail {
		t.Fatal("estimator still applied tempo updates deep into silence")
	}
	if est.Strength() > 0.1 {
		t.Fatalf("strength = %f after silence, want decayed below 0.1", est.Strength())
	}
}
