package onset

import (
	"math"
	"testing"
)

const testBins = 128

func flatMagnitudes(value float64) []float64 {
	m := make([]float64, testBins)
	for i := range m {
		m[i] = value
	}
	return m
}

func spectralFrame(mags []float64, ts uint32) *Frame {
	return &Frame{
		Level:         0.5,
		RawLevel:      0.5,
		TimestampMs:   ts,
		SpectralValid: true,
		Magnitudes:    mags,
	}
}

func levelFrame(level float64, ts uint32) *Frame {
	return &Frame{Level: level, RawLevel: level, TimestampMs: ts}
}

// burstPCM is a deterministic wideband burst used to drive the analyzers.
func burstPCM(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		p := float64(i) / 16000
		v := math.Sin(2*math.Pi*180*p) + math.Sin(2*math.Pi*1200*p) + math.Sin(2*math.Pi*4800*p)
		out[i] = int16(v / 3 * 28000)
	}
	return out
}

func TestFusionAgreementOutscoresStrongerSolo(t *testing.T) {
	var solo [NumKinds]Result
	solo[KindDrummer] = Result{Strength: 0.9, Confidence: 0.9, Detected: true}
	soloOut := NewFusion().Fuse(&solo, 1000, 0.5)
	if soloOut.TransientStrength <= 0 {
		t.Fatal("solo detection produced no transient")
	}
	if soloOut.Agreement != 1 {
		t.Fatalf("solo agreement = %d, want 1", soloOut.Agreement)
	}

	var trio [NumKinds]Result
	trio[KindDrummer] = Result{Strength: 0.5, Confidence: 0.9, Detected: true}
	trio[KindHFC] = Result{Strength: 0.5, Confidence: 0.9, Detected: true}
	trio[KindBassBand] = Result{Strength: 0.5, Confidence: 0.9, Detected: true}
	trioOut := NewFusion().Fuse(&trio, 1000, 0.5)
	if trioOut.Agreement != 3 {
		t.Fatalf("trio agreement = %d, want 3", trioOut.Agreement)
	}

	if trioOut.TransientStrength <= soloOut.TransientStrength {
		t.Errorf("3-way agreement at 0.5 strength (%v) did not outscore solo at 0.9 (%v)",
			trioOut.TransientStrength, soloOut.TransientStrength)
	}
	if trioOut.Confidence <= soloOut.Confidence {
		t.Errorf("trio confidence %v not above solo %v", trioOut.Confidence, soloOut.Confidence)
	}
}

func TestFusionCooldownSuppressesRepeats(t *testing.T) {
	f := NewFusion()
	var results [NumKinds]Result
	results[KindDrummer] = Result{Strength: 0.8, Confidence: 0.9, Detected: true}

	first := f.Fuse(&results, 1000, 0.5)
	if first.TransientStrength <= 0 {
		t.Fatal("first detection suppressed")
	}

	second := f.Fuse(&results, 1100, 0.5)
	if second.TransientStrength != 0 {
		t.Errorf("detection 100ms after previous not suppressed: %v", second.TransientStrength)
	}
	// Suppression hides the transient, not the telemetry.
	if second.Agreement != 1 || second.Confidence <= 0 {
		t.Errorf("suppressed frame lost telemetry: agreement=%d confidence=%v",
			second.Agreement, second.Confidence)
	}

	third := f.Fuse(&results, 1300, 0.5)
	if third.TransientStrength <= 0 {
		t.Error("detection after cooldown expiry still suppressed")
	}
}

func TestFusionNoiseGate(t *testing.T) {
	f := NewFusion()
	var results [NumKinds]Result
	results[KindDrummer] = Result{Strength: 0.9, Confidence: 0.9, Detected: true}

	out := f.Fuse(&results, 1000, 0.01)
	if out.TransientStrength != 0 {
		t.Errorf("transient emitted below noise gate: %v", out.TransientStrength)
	}

	// The gate must not have consumed the cooldown clock.
	out = f.Fuse(&results, 1016, 0.5)
	if out.TransientStrength <= 0 {
		t.Error("detection suppressed after gated frame; noise gate advanced the cooldown")
	}
}

func TestFusionConfidenceFloor(t *testing.T) {
	f := NewFusion()
	var results [NumKinds]Result
	results[KindDrummer] = Result{Strength: 0.9, Confidence: 0.39, Detected: true}

	out := f.Fuse(&results, 1000, 0.5)
	if out.Agreement != 0 {
		t.Errorf("low-confidence detection counted: agreement = %d", out.Agreement)
	}
	if out.TransientStrength != 0 {
		t.Errorf("low-confidence detection emitted: %v", out.TransientStrength)
	}
}

func TestFusionDisabledDetectorsDoNotVote(t *testing.T) {
	f := NewFusion()
	var results [NumKinds]Result
	// Spectral flux ships disabled; its vote must be ignored.
	results[KindSpectralFlux] = Result{Strength: 1, Confidence: 1, Detected: true}

	out := f.Fuse(&results, 1000, 0.5)
	if out.Agreement != 0 || out.TransientStrength != 0 {
		t.Errorf("disabled detector voted: agreement=%d strength=%v",
			out.Agreement, out.TransientStrength)
	}
}

func TestFusionDominantTracksStrongest(t *testing.T) {
	f := NewFusion()
	var results [NumKinds]Result
	results[KindDrummer] = Result{Strength: 0.5, Confidence: 0.9, Detected: true}
	results[KindBassBand] = Result{Strength: 0.8, Confidence: 0.9, Detected: true}

	out := f.Fuse(&results, 1000, 0.5)
	if out.Dominant != KindBassBand {
		t.Errorf("dominant = %v, want %v", out.Dominant, KindBassBand)
	}
}

func TestFusionAdaptiveCooldown(t *testing.T) {
	f := NewFusion()
	if got := f.EffectiveCooldownMs(); got != 250 {
		t.Errorf("cooldown without tempo hint = %d, want 250", got)
	}

	f.SetTempoHint(180) // 333ms period / 6 = 55ms
	if got := f.EffectiveCooldownMs(); got != 55 {
		t.Errorf("cooldown at 180 BPM = %d, want 55", got)
	}

	f.SetTempoHint(60) // 1000ms period / 6 = 166ms, clamped to 150
	if got := f.EffectiveCooldownMs(); got != 150 {
		t.Errorf("cooldown at 60 BPM = %d, want 150", got)
	}

	f.SetTempoHint(400) // 150ms period / 6 = 25ms, clamped to 40
	if got := f.EffectiveCooldownMs(); got != 40 {
		t.Errorf("cooldown at 400 BPM = %d, want 40", got)
	}

	// Never longer than the configured base.
	f.CooldownMs = 50
	f.SetTempoHint(60)
	if got := f.EffectiveCooldownMs(); got != 50 {
		t.Errorf("adaptive cooldown exceeded base: %d, want 50", got)
	}

	f.CooldownMs = 250
	f.AdaptiveCooldown = false
	f.SetTempoHint(180)
	if got := f.EffectiveCooldownMs(); got != 250 {
		t.Errorf("cooldown with adaptation off = %d, want 250", got)
	}
}

func TestBandFluxDetectsKickNotPad(t *testing.T) {
	b := NewBandFlux()

	// Quiet floor: seed history and settle the running mean.
	quiet := flatMagnitudes(0.01)
	ts := uint32(0)
	for i := 0; i < 12; i++ {
		if r := b.Process(spectralFrame(quiet, ts)); r.Detected {
			t.Fatalf("detection on static quiet floor at frame %d", i)
		}
		ts += 16
	}

	// Kick: broadband jump concentrated in bass and mid.
	kick := flatMagnitudes(0.01)
	for i := fluxBassMin; i < fluxBassMax; i++ {
		kick[i] = 1.5
	}
	for i := fluxMidMin; i < fluxMidMax; i++ {
		kick[i] = 0.8
	}
	r := b.Process(spectralFrame(kick, ts))
	if !r.Detected {
		t.Fatalf("kick not detected: flux=%v threshold=%v", b.CombinedFlux(), b.CurrentThreshold())
	}
	if r.Strength <= 0 || r.Confidence <= 0 {
		t.Errorf("kick detection degenerate: strength=%v confidence=%v", r.Strength, r.Confidence)
	}
	if b.BassFlux() <= b.HighFlux() {
		t.Errorf("bass flux %v not above high flux %v for a kick", b.BassFlux(), b.HighFlux())
	}

	// Pad: the same total rise spread over many slow frames.
	b.Reset()
	ts = 0
	level := 0.01
	for i := 0; i < 60; i++ {
		pad := flatMagnitudes(level)
		if r := b.Process(spectralFrame(pad, ts)); r.Detected {
			t.Fatalf("slow swell detected as onset at frame %d", i)
		}
		level += 0.002
		ts += 16
	}
}

func TestBandFluxHiHatGate(t *testing.T) {
	b := NewBandFlux()

	quiet := flatMagnitudes(0.01)
	ts := uint32(0)
	for i := 0; i < 12; i++ {
		b.Process(spectralFrame(quiet, ts))
		ts += 16
	}

	hihat := flatMagnitudes(0.01)
	for i := fluxHighMin; i < fluxMaxBins; i++ {
		hihat[i] = 3.0
	}
	r := b.Process(spectralFrame(hihat, ts))
	if r.Detected {
		t.Errorf("high-band-only flux detected as onset: flux=%v", b.CombinedFlux())
	}
	if b.HighFlux() <= 0 {
		t.Error("high flux not registered at all")
	}
}

func TestBandFluxFirstFrameSeedsOnly(t *testing.T) {
	b := NewBandFlux()
	loud := flatMagnitudes(2.0)
	if r := b.Process(spectralFrame(loud, 0)); r.Detected {
		t.Error("detection on the very first frame")
	}
	if b.CombinedFlux() != 0 {
		t.Errorf("combined flux after seed frame = %v, want 0", b.CombinedFlux())
	}
}

func TestBandWeightingKeepsDefaultsWithoutConsensus(t *testing.T) {
	w := newBandWeighting([numFluxBands]float64{2.0, 1.5, 0.1})
	w.Enabled = true

	for i := 0; i < 100; i++ {
		w.Push(0, 0, 0)
	}
	w.Update(60, 200, 60)

	if got := w.Current(); got != [numFluxBands]float64{2.0, 1.5, 0.1} {
		t.Errorf("silence shifted weights to %v", got)
	}
	if w.Synchrony() != 0 {
		t.Errorf("synchrony on silence = %v, want 0", w.Synchrony())
	}
}

func TestBandWeightingPreservesWeightMass(t *testing.T) {
	w := newBandWeighting([numFluxBands]float64{2.0, 1.5, 0.1})
	w.Enabled = true

	// Periodic consensus: bass-dominant impulse train, correlated mid,
	// silent high band.
	for i := 0; i < 128; i++ {
		v := 0.0
		if i%20 == 0 {
			v = 1.0
		}
		w.Push(v, 0.3*v, 0)
	}
	w.Update(60, 200, 60)

	got := w.Current()
	sum := got[0] + got[1] + got[2]
	if math.Abs(sum-3.6) > 1e-6 {
		t.Errorf("weight mass = %v, want 3.6", sum)
	}
	if got[0] < got[2] {
		t.Errorf("bass weight %v fell below high weight %v", got[0], got[2])
	}
	if w.Synchrony() <= 0.3 {
		t.Errorf("synchrony on correlated bands = %v, want > 0.3", w.Synchrony())
	}
}

func TestDrummerFiresOnSharpAttackOnly(t *testing.T) {
	d := NewDrummerDetector()
	d.Configure(Config{Weight: 0.35, Threshold: 3.5, Enabled: true})

	ts := uint32(0)
	for i := 0; i < 20; i++ {
		if r := d.Detect(levelFrame(0.02, ts), 1.0/60); r.Detected {
			t.Fatalf("detection on steady quiet level at frame %d", i)
		}
		ts += 16
	}

	r := d.Detect(levelFrame(0.9, ts), 1.0/60)
	if !r.Detected {
		t.Fatalf("sharp attack not detected: raw=%v threshold=%v", d.LastRaw(), d.CurrentThreshold())
	}
	if r.Confidence < 0.4 {
		t.Errorf("attack confidence = %v, want >= fusion floor", r.Confidence)
	}

	// A swell rising slower than the minimum rise rate never fires.
	d.Reset()
	d.Configure(Config{Weight: 0.35, Threshold: 3.5, Enabled: true})
	level := 0.02
	ts = 0
	for i := 0; i < 40; i++ {
		if r := d.Detect(levelFrame(level, ts), 1.0/60); r.Detected {
			t.Fatalf("slow swell detected at frame %d (level %v)", i, level)
		}
		level += 0.02
		ts += 16
	}
}

func TestDetectorsSafeOnInvalidFrames(t *testing.T) {
	// Spectral detectors must no-op without spectral data instead of
	// reading nil slices.
	detectors := []Detector{
		NewSpectralFluxDetector(),
		NewHFCDetector(),
		NewBassBandDetector(),
		NewComplexDomainDetector(),
		NewNoveltyDetector(),
	}
	for _, d := range detectors {
		d.Configure(Config{Weight: 1, Threshold: 1, Enabled: true})
		if r := d.Detect(levelFrame(0.9, 0), 1.0/60); r.Detected {
			t.Errorf("%v detected on a frame with no spectral data", d.Kind())
		}
	}
}

func TestParseKind(t *testing.T) {
	for i := 0; i < NumKinds; i++ {
		k := Kind(i)
		parsed, ok := ParseKind(k.String())
		if !ok || parsed != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), parsed, ok)
		}
	}
	if _, ok := ParseKind("nonsense"); ok {
		t.Error("ParseKind accepted an unknown name")
	}
}

func TestEnsembleClickFiresAndCoolsDown(t *testing.T) {
	e := NewEnsemble()
	ts := uint32(0)
	silence := make([]int16, 256)

	for i := 0; i < 40; i++ {
		e.AddSamples(silence)
		out := e.Update(0.02, 0.02, ts, 1.0/60)
		if out.TransientStrength != 0 {
			t.Fatalf("transient during quiet preroll at frame %d", i)
		}
		if !e.FreshSpectral() {
			t.Fatalf("frame %d consumed no spectral frame despite a full window", i)
		}
		ts += 16
	}

	e.AddSamples(burstPCM(256))
	out := e.Update(0.9, 0.9, ts, 1.0/60)
	if out.TransientStrength <= 0 {
		t.Fatalf("burst produced no fused transient: %+v", out)
	}
	if out.Agreement < 1 {
		t.Fatalf("burst agreement = %d, want >= 1", out.Agreement)
	}
	ts += 16

	// A second loud frame lands inside the cooldown window.
	e.AddSamples(burstPCM(256))
	out = e.Update(0.9, 0.9, ts, 1.0/60)
	if out.TransientStrength != 0 {
		t.Errorf("transient emitted 16ms after the last one: %v", out.TransientStrength)
	}
}

func TestEnsembleConfigSyncsBothViews(t *testing.T) {
	e := NewEnsemble()

	e.SetDetectorWeight(KindHFC, 0.55)
	if got := e.Fusion().GetConfig(KindHFC).Weight; got != 0.55 {
		t.Errorf("fusion weight = %v, want 0.55", got)
	}
	if got := e.Detector(KindHFC).GetConfig().Weight; got != 0.55 {
		t.Errorf("detector weight = %v, want 0.55", got)
	}

	e.SetDetectorThreshold(KindBassBand, 2.5)
	if got := e.Detector(KindBassBand).GetConfig().Threshold; got != 2.5 {
		t.Errorf("detector threshold = %v, want 2.5", got)
	}
	if got := e.Fusion().GetConfig(KindBassBand).Threshold; got != 2.5 {
		t.Errorf("fusion threshold = %v, want 2.5", got)
	}

	e.SetDetectorEnabled(KindNovelty, true)
	if !e.Detector(KindNovelty).GetConfig().Enabled || !e.Fusion().GetConfig(KindNovelty).Enabled {
		t.Error("enable did not reach both views")
	}
}

func TestEnsembleResetClearsState(t *testing.T) {
	e := NewEnsemble()
	for i := 0; i < 10; i++ {
		e.AddSamples(burstPCM(256))
		e.Update(0.9, 0.9, uint32(i*16+1000), 1.0/60)
	}

	e.Reset()
	if e.FreshSpectral() {
		t.Error("FreshSpectral true after reset")
	}
	if out := e.LastOutput(); out.TransientStrength != 0 || out.Agreement != 0 {
		t.Errorf("LastOutput not cleared: %+v", out)
	}
	if e.Flux().CombinedFlux() != 0 {
		t.Errorf("flux survived reset: %v", e.Flux().CombinedFlux())
	}
	// Tuning survives a reset.
	if !e.Detector(KindDrummer).GetConfig().Enabled {
		t.Error("detector config lost across reset")
	}
}
