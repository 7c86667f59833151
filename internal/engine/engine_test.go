package engine

import (
	"math"
	"testing"

	"github.com/Jdubz/blinky-time-sub003/internal/onset"
)

const (
	testSampleRate = 16000
	testFrameDt    = 1.0 / 60.0
)

// frameSamples returns the PCM batch for frame f of the given
// generator, sized so the stream stays aligned with the 60 Hz frame
// clock (alternating 267/266 samples).
func frameSamples(f int, gen func(sampleIdx int) float64) []int16 {
	start := f * testSampleRate / 60
	end := (f + 1) * testSampleRate / 60
	out := make([]int16, end-start)
	for i := range out {
		v := gen(start + i)
		if v > 1 {
			v = 1
		}
		if v < -1 {
			v = -1
		}
		out[i] = int16(v * 30000)
	}
	return out
}

// clickTrain generates a wideband burst every periodMs milliseconds,
// each lasting 20 ms, over otherwise silent audio. Deterministic.
func clickTrain(periodMs float64) func(int) float64 {
	periodSamples := int(periodMs / 1000 * testSampleRate)
	burstLen := testSampleRate / 50
	return func(i int) float64 {
		off := i % periodSamples
		if off >= burstLen {
			return 0
		}
		p := float64(i) / testSampleRate
		env := 1 - float64(off)/float64(burstLen)
		v := math.Sin(2*math.Pi*180*p) + math.Sin(2*math.Pi*1200*p) + math.Sin(2*math.Pi*4800*p)
		return v / 3 * env
	}
}

func silence(int) float64 { return 0 }

// run drives the engine for the given number of frames and returns the
// control sequence.
func run(e *Engine, frames int, gen func(int) float64) []AudioControl {
	out := make([]AudioControl, frames)
	for f := 0; f < frames; f++ {
		e.PushSamples(frameSamples(f, gen))
		out[f] = e.Update(testFrameDt)
	}
	return out
}

func TestUpdateOutputsStayInRange(t *testing.T) {
	e := New()
	for f, c := range run(e, 10*60, clickTrain(500)) {
		if c.Phase < 0 || c.Phase >= 1 {
			t.Fatalf("frame %d: phase %v out of [0,1)", f, c.Phase)
		}
		if c.Energy < 0 || c.Energy > 1 {
			t.Fatalf("frame %d: energy %v out of [0,1]", f, c.Energy)
		}
		if c.Pulse < 0 || c.Pulse > 1 {
			t.Fatalf("frame %d: pulse %v out of [0,1]", f, c.Pulse)
		}
		if c.RhythmStrength < 0 || c.RhythmStrength > 1 {
			t.Fatalf("frame %d: rhythmStrength %v out of [0,1]", f, c.RhythmStrength)
		}
		if c.OnsetDensity < 0 {
			t.Fatalf("frame %d: negative onset density %v", f, c.OnsetDensity)
		}
	}
}

func TestResetReplaysIdentically(t *testing.T) {
	e := New()
	gen := clickTrain(500)

	first := run(e, 8*60, gen)
	e.Reset()
	second := run(e, 8*60, gen)

	for f := range first {
		if first[f] != second[f] {
			t.Fatalf("frame %d diverged after reset: %+v vs %+v", f, first[f], second[f])
		}
	}
}

func TestClickTrainBuildsRhythm(t *testing.T) {
	e := New()
	run(e, 20*60, clickTrain(500))

	if s := e.PeriodicityStrength(); s < 0.3 {
		t.Fatalf("periodicity strength %v after 20s of 120 BPM clicks, want >= 0.3", s)
	}
	if bpm := e.BPM(); bpm < 100 || bpm > 140 {
		t.Fatalf("BPM %v after 20s of 120 BPM clicks, want within [100, 140]", bpm)
	}
	if bc := e.Tracker().BeatCount(); bc < 8 {
		t.Fatalf("only %d beats declared over 20s of steady clicks", bc)
	}
}

func TestSilenceSuppressesRhythm(t *testing.T) {
	e := New()
	// Establish a rhythm first, then cut to silence.
	run(e, 10*60, clickTrain(500))
	beatsBefore := e.Tracker().BeatCount()

	var last AudioControl
	for f := 0; f < 5*60; f++ {
		e.PushSamples(frameSamples(f, silence))
		last = e.Update(testFrameDt)
	}

	if last.RhythmStrength > 0.15 {
		t.Errorf("rhythmStrength %v after 5s of silence, want <= 0.15", last.RhythmStrength)
	}
	if last.Energy > 0.05 {
		t.Errorf("energy %v after 5s of silence, want near 0", last.Energy)
	}
	beatsDuringSilence := e.Tracker().BeatCount() - beatsBefore
	// The adaptive CBSS threshold should choke beats off quickly; allow
	// a handful while the running mean decays.
	if beatsDuringSilence > 8 {
		t.Errorf("%d beats declared during 5s of silence", beatsDuringSilence)
	}
}

func TestColdSilenceProducesNothing(t *testing.T) {
	e := New()
	for _, c := range run(e, 4*60, silence) {
		if c.Pulse != 0 {
			t.Fatalf("pulse %v on silent input", c.Pulse)
		}
		if c.LoudMode {
			t.Fatal("loud mode latched on silence")
		}
	}
	if d := e.Control().OnsetDensity; d != 0 {
		t.Fatalf("onset density %v on silent input", d)
	}
}

func TestLoudModeHysteresis(t *testing.T) {
	e := New()
	// Square wave so the mean absolute level sits near full scale.
	loud := func(i int) float64 {
		if math.Sin(2*math.Pi*220*float64(i)/testSampleRate) >= 0 {
			return 0.999
		}
		return -0.999
	}

	run(e, 4*60, loud)
	if !e.Control().LoudMode {
		t.Fatal("loud mode not engaged after 4s of full-scale input")
	}

	// A short dip must not release the latch.
	run(e, 30, silence)
	if !e.Control().LoudMode {
		t.Fatal("loud mode released by a 0.5s dip")
	}

	run(e, 6*60, silence)
	if e.Control().LoudMode {
		t.Fatal("loud mode still latched after 6s of silence")
	}
}

func TestSetParamAppliesLive(t *testing.T) {
	e := New()

	if err := e.SetParam("combFeedback", 0.9); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	if g := e.Tempo().Comb().FeedbackGain; g != 0.9 {
		t.Errorf("comb feedback = %v, want 0.9", g)
	}

	if err := e.SetParam("activationThreshold", 0.4); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	if g := e.Tempo().ActivationThreshold; g != 0.4 {
		t.Errorf("estimator activation threshold = %v, want 0.4", g)
	}

	if err := e.SetParam("drummer.enabled", 0); err != nil {
		t.Fatalf("SetParam detector: %v", err)
	}
	if e.Ensemble().Fusion().GetConfig(onset.KindDrummer).Enabled {
		t.Error("drummer still enabled after set")
	}

	if err := e.SetParam("noSuchField", 1); err == nil {
		t.Error("unknown field accepted")
	}

	if v, err := e.GetParam("combFeedback"); err != nil || v != 0.9 {
		t.Errorf("GetParam = %v, %v", v, err)
	}
}

func TestParamsRoundTripByName(t *testing.T) {
	p := DefaultParams()
	for _, name := range p.FieldNames() {
		before, err := p.Get(name)
		if err != nil {
			t.Fatalf("Get(%q): %v", name, err)
		}
		if err := p.Set(name, before); err != nil {
			t.Fatalf("Set(%q): %v", name, err)
		}
		after, err := p.Get(name)
		if err != nil {
			t.Fatalf("Get(%q) after set: %v", name, err)
		}
		if after != before {
			t.Errorf("%s: %v != %v after identity set", name, after, before)
		}
	}
}

func TestBeatProximityShape(t *testing.T) {
	cases := []struct {
		phase, zone, want float64
	}{
		{0, 0.2, 1},
		{0.1, 0.2, 0.5},
		{0.2, 0.2, 0},
		{0.5, 0.2, 0},
		{0.9, 0.2, 0.5},
		{0.3, 0, 0},
	}
	for _, c := range cases {
		got := beatProximity(c.phase, c.zone)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("beatProximity(%v, %v) = %v, want %v", c.phase, c.zone, got, c.want)
		}
	}
}

func TestPredictNextBeatNonNegative(t *testing.T) {
	e := New()
	run(e, 10*60, clickTrain(500))
	ms := e.PredictNextBeatMs()
	if ms < 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		t.Fatalf("predicted next beat %vms", ms)
	}
	// 120 BPM grid: the next beat is never more than one period plus a
	// frame of slack away.
	if ms > 1200 {
		t.Errorf("predicted next beat %vms, want within ~one beat period", ms)
	}
}

func TestLevelFollowerAttackFasterThanRelease(t *testing.T) {
	l := newLevelFollower()

	l.accumulate(frameSamples(0, func(int) float64 { return 0.9 }))
	l.update(0.1)
	rise := l.raw()
	if rise < 0.5 {
		t.Fatalf("envelope %v after loud frame, want fast attack", rise)
	}

	l.update(0.05)
	if fall := l.raw(); fall >= rise || fall < rise*0.5 {
		t.Fatalf("envelope %v after quiet frame (was %v), want gentle release", fall, rise)
	}
}
