package spectral

import (
	"math"
	"testing"
)

// sinePCM generates n samples of a sine at freq Hz, amplitude in [0, 1].
func sinePCM(freq float64, n int, amplitude float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(SampleRate))
		out[i] = int16(v * 32767)
	}
	return out
}

func feedFrames(a *Analyzer, pcm []int16) int {
	frames := 0
	for off := 0; off < len(pcm); off += FFTSize {
		end := off + FFTSize
		if end > len(pcm) {
			break
		}
		a.AddSamples(pcm[off:end])
		if a.HasSamples() {
			a.Process()
			frames++
		}
	}
	return frames
}

func TestAnalyzerDetectsSinePeak(t *testing.T) {
	a := NewAnalyzer()
	a.WhitenEnabled = false
	a.CompressorEnabled = false

	pcm := sinePCM(1000, FFTSize, 0.5)
	if !a.AddSamples(pcm) {
		t.Fatal("full window reported not ready")
	}
	a.Process()
	if !a.FrameReady() {
		t.Fatal("frame not ready after Process")
	}

	mags := a.Magnitudes()
	peak := 0
	for i := 1; i < NumBins; i++ {
		if mags[i] > mags[peak] {
			peak = i
		}
	}
	want := int(math.Round(1000 / BinFreqHz))
	if peak != want {
		t.Errorf("peak bin = %d, want %d", peak, want)
	}
	if a.SpectralCentroid() < 500 || a.SpectralCentroid() > 2000 {
		t.Errorf("centroid = %v Hz, want near 1000", a.SpectralCentroid())
	}
}

func TestAnalyzerSilenceIsClean(t *testing.T) {
	a := NewAnalyzer()
	silence := make([]int16, FFTSize*4)
	frames := feedFrames(a, silence)
	if frames != 4 {
		t.Fatalf("processed %d frames, want 4", frames)
	}
	for i, m := range a.Magnitudes() {
		if math.IsNaN(m) || math.IsInf(m, 0) {
			t.Fatalf("magnitude[%d] not finite: %v", i, m)
		}
	}
	for i, b := range a.MelBands() {
		if b != 0 {
			t.Errorf("melBands[%d] = %v, want 0 for silence", i, b)
		}
	}
	if a.TotalEnergy() != 0 {
		t.Errorf("totalEnergy = %v, want 0", a.TotalEnergy())
	}
}

func TestAnalyzerFrameCadence(t *testing.T) {
	a := NewAnalyzer()
	if a.AddSamples(make([]int16, FFTSize-1)) {
		t.Fatal("window ready after FFTSize-1 samples")
	}
	a.Process()
	if a.FrameReady() {
		t.Fatal("frame produced without a full window")
	}
	if !a.AddSamples(make([]int16, 1)) {
		t.Fatal("window not ready after FFTSize samples")
	}
	a.Process()
	if !a.FrameReady() {
		t.Fatal("frame not produced from a full window")
	}
	a.ResetFrameReady()
	a.Process()
	if a.FrameReady() {
		t.Fatal("Process produced a frame with no new samples")
	}
}

func TestAnalyzerPrevFrameSnapshot(t *testing.T) {
	a := NewAnalyzer()
	a.WhitenEnabled = false
	a.CompressorEnabled = false

	a.AddSamples(sinePCM(500, FFTSize, 0.5))
	a.Process()
	first := make([]float64, NumBins)
	copy(first, a.Magnitudes())

	a.AddSamples(sinePCM(3000, FFTSize, 0.5))
	a.Process()

	prev := a.PrevMagnitudes()
	for i := range first {
		if prev[i] != first[i] {
			t.Fatalf("prevMagnitudes[%d] = %v, want %v", i, prev[i], first[i])
		}
	}
	if !a.HasPreviousFrame() {
		t.Error("HasPreviousFrame = false after two frames")
	}
}

func TestWhiteningFlattensSustainedTone(t *testing.T) {
	a := NewAnalyzer()
	a.CompressorEnabled = false

	bin := 16
	freq := float64(bin) * BinFreqHz
	pcm := sinePCM(freq, FFTSize*30, 0.5)
	feedFrames(a, pcm)

	if got := a.Magnitudes()[bin]; got < 0.9 || got > 1.0001 {
		t.Errorf("whitened sustained peak = %v, want ~1.0", got)
	}
}

func TestCompressorReducesLoudInput(t *testing.T) {
	loud := sinePCM(1000, FFTSize*10, 0.95)

	plain := NewAnalyzer()
	plain.WhitenEnabled = false
	plain.CompressorEnabled = false
	feedFrames(plain, loud)

	comp := NewAnalyzer()
	comp.WhitenEnabled = false
	comp.CompressorEnabled = true
	feedFrames(comp, loud)

	rawPeak := plain.Magnitudes()[16]
	compPeak := comp.Magnitudes()[16]
	if compPeak >= rawPeak {
		t.Errorf("compressed peak %v not below raw peak %v", compPeak, rawPeak)
	}
}

func TestMelBandOrderingTracksFrequency(t *testing.T) {
	argMax := func(s []float64) int {
		best := 0
		for i, v := range s {
			if v > s[best] {
				best = i
			}
		}
		_ = s[best]
		return best
	}

	low := NewAnalyzer()
	low.AddSamples(sinePCM(125, FFTSize, 0.5))
	low.Process()
	lowBand := argMax(low.MelBands())

	high := NewAnalyzer()
	high.AddSamples(sinePCM(4000, FFTSize, 0.5))
	high.Process()
	highBand := argMax(high.MelBands())

	if lowBand >= highBand {
		t.Errorf("mel band for 125 Hz (%d) not below band for 4 kHz (%d)", lowBand, highBand)
	}
}

func TestMelBandsKeepContrastForPureTone(t *testing.T) {
	a := NewAnalyzer()
	a.AddSamples(sinePCM(125, FFTSize, 0.5))
	a.Process()

	bands := a.MelBands()
	lo, hi := bands[0], bands[0]
	saturated := 0
	for _, v := range bands {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		if v >= 0.999 {
			saturated++
		}
	}
	if hi-lo < 0.1 {
		t.Errorf("mel bands flat for a pure tone: min %v, max %v", lo, hi)
	}
	if saturated > NumMelBands/2 {
		t.Errorf("%d of %d mel bands saturated at 1.0", saturated, NumMelBands)
	}
}

func TestMelFilterbankCoversSpectrum(t *testing.T) {
	fb := NewMelFilterbank(NumMelBands, FFTSize, SampleRate, 60, 8000)
	if fb.NumBands() != NumMelBands {
		t.Fatalf("NumBands = %d, want %d", fb.NumBands(), NumMelBands)
	}
	flat := make([]float64, NumBins)
	for i := range flat {
		flat[i] = 1
	}
	out := make([]float64, NumMelBands)
	fb.Apply(flat, out)
	for i, v := range out {
		if v <= 0 {
			t.Errorf("band %d has no response to flat spectrum: %v", i, v)
		}
	}
}

func TestGoertzelMatchesDirectDFT(t *testing.T) {
	const n = 512
	x := make([]float64, n)
	for i := range x {
		x[i] = math.Sin(2*math.Pi*3*float64(i)/n) + 0.25*math.Cos(2*math.Pi*7*float64(i)/n)
	}
	for _, k := range []int{1, 3, 7, 12} {
		coeff := 2 * math.Cos(2*math.Pi*float64(k)/n)
		got := goertzelMagnitude(x, coeff)

		var re, im float64
		for i := range x {
			angle := 2 * math.Pi * float64(k) * float64(i) / n
			re += x[i] * math.Cos(angle)
			im -= x[i] * math.Sin(angle)
		}
		want := math.Hypot(re, im)
		if math.Abs(got-want) > 1e-6*math.Max(1, want) {
			t.Errorf("bin %d: goertzel = %v, direct = %v", k, got, want)
		}
	}
}

func TestBassAnalyzerFindsLowTone(t *testing.T) {
	b := NewBassAnalyzer()
	b.Enabled = true
	b.WhitenEnabled = false
	b.CompressorEnabled = false

	// 62.5 Hz lands on bin 2 of the 512-point window (31.25 Hz/bin).
	pcm := sinePCM(62.5, BassWindowSize*2, 0.5)
	for off := 0; off < len(pcm); off += BassHopSize {
		if b.AddSamples(pcm[off : off+BassHopSize]) {
			b.Process()
		}
	}
	if !b.FrameReady() {
		t.Fatal("no bass frame produced")
	}
	mags := b.Magnitudes()
	peak := 0
	for i, m := range mags {
		if m > mags[peak] {
			peak = i
		}
	}
	if wantIdx := 2 - bassFirstBin; peak != wantIdx {
		t.Errorf("peak bass bin index = %d, want %d", peak, wantIdx)
	}
}

func TestBassAnalyzerDisabledByDefault(t *testing.T) {
	b := NewBassAnalyzer()
	if b.AddSamples(make([]int16, BassWindowSize)) {
		t.Error("disabled analyzer accepted samples")
	}
	b.Process()
	if b.FrameReady() {
		t.Error("disabled analyzer produced a frame")
	}
}

func TestBassAnalyzerPrimesFullWindow(t *testing.T) {
	b := NewBassAnalyzer()
	b.Enabled = true
	// One hop is not enough for the first frame.
	if b.AddSamples(make([]int16, BassHopSize)) {
		b.Process()
	}
	if b.FrameReady() {
		t.Fatal("frame produced before a full window was primed")
	}
	// Second hop completes the window.
	if !b.AddSamples(make([]int16, BassHopSize)) {
		t.Fatal("hop not ready")
	}
	b.Process()
	if !b.FrameReady() {
		t.Fatal("frame not produced after priming")
	}
}
