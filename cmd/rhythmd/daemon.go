package main

import (
	"sync"
	"time"

	"github.com/Jdubz/blinky-time-sub003/internal/config"
	"github.com/Jdubz/blinky-time-sub003/internal/engine"
	"github.com/Jdubz/blinky-time-sub003/internal/ipc"
	"github.com/Jdubz/blinky-time-sub003/internal/onset"
	"github.com/Jdubz/blinky-time-sub003/internal/tempo"
)

// daemon owns the engine and serializes all access to it. The analysis
// loop and the IPC server both go through the same mutex; the engine
// itself is single-goroutine.
type daemon struct {
	mu       sync.Mutex
	eng      *engine.Engine
	profiles *config.ProfileFile
	profile  string
	started  time.Time
}

func newDaemon(eng *engine.Engine, profiles *config.ProfileFile) *daemon {
	return &daemon{
		eng:      eng,
		profiles: profiles,
		started:  time.Now(),
	}
}

// step advances the engine one frame under the lock.
func (d *daemon) step(samples []int16, dt float64) engine.AudioControl {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eng.PushSamples(samples)
	return d.eng.Update(dt)
}

// snapshot grabs the beat flags for event emission.
func (d *daemon) snapshot() (beat, predicted bool, bpm, phase, strength float64, nowMs uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eng.LastBeat(), d.eng.LastPredicted(),
		d.eng.BPM(), d.eng.Tracker().Phase(), d.eng.PeriodicityStrength(), d.eng.NowMs()
}

// Status implements ipc.Handler
func (d *daemon) Status() (*ipc.StatusResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	eng := d.eng
	control := eng.Control()
	state := eng.Tempo().State()
	comb := eng.Tempo().Comb()

	binBPMs := make([]float64, tempo.NumBins)
	for i := range binBPMs {
		binBPMs[i] = state.BinBPM(i)
	}

	return &ipc.StatusResponse{
		BPM:                 eng.BPM(),
		PeriodicityStrength: eng.PeriodicityStrength(),
		BeatConfidence:      eng.Tracker().Confidence(),
		Stability:           eng.Tracker().Stability(),
		Phase:               eng.Tracker().Phase(),
		BeatCount:           eng.Tracker().BeatCount(),
		NextBeatMs:          eng.PredictNextBeatMs(),

		CombPeakBPM:        comb.PeakBPM(),
		CombPeakConfidence: comb.PeakConfidence(),

		Energy:         control.Energy,
		Pulse:          control.Pulse,
		RhythmStrength: control.RhythmStrength,
		OnsetDensity:   control.OnsetDensity,
		LoudMode:       control.LoudMode,

		Profile: d.profile,
		UptimeS: int64(time.Since(d.started).Seconds()),

		Tempo: &ipc.TempoModelStatus{
			BinBPMs:   binBPMs,
			Posterior: append([]float64(nil), state.Posterior()...),
			AcfObs:    append([]float64(nil), state.AcfObservations()...),
			FtObs:     append([]float64(nil), state.FtObservations()...),
			CombObs:   append([]float64(nil), state.CombObservations()...),
			IoiObs:    append([]float64(nil), state.IoiObservations()...),
		},
	}, nil
}

// GetParam implements ipc.Handler
func (d *daemon) GetParam(name string) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eng.GetParam(name)
}

// SetParam implements ipc.Handler
func (d *daemon) SetParam(name string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eng.SetParam(name, value)
}

// Params implements ipc.Handler
func (d *daemon) Params() (map[string]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.eng.Params()
	out := make(map[string]float64)
	for _, name := range p.FieldNames() {
		v, err := p.Get(name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// ApplyProfile implements ipc.Handler
func (d *daemon) ApplyProfile(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	params := d.eng.Params()
	if err := d.profiles.Apply(name, &params); err != nil {
		return err
	}
	d.eng.ApplyParams(params)
	d.profile = name
	return nil
}

// Detectors implements ipc.Handler
func (d *daemon) Detectors() (*ipc.DetectorsResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ensemble := d.eng.Ensemble()
	results := ensemble.LastResults()
	output := ensemble.LastOutput()

	resp := &ipc.DetectorsResponse{}
	for k := 0; k < onset.NumKinds; k++ {
		kind := onset.Kind(k)
		cfg := ensemble.Fusion().GetConfig(kind)
		resp.Detectors = append(resp.Detectors, ipc.DetectorState{
			Name:      kind.String(),
			Weight:    cfg.Weight,
			Threshold: cfg.Threshold,
			Enabled:   cfg.Enabled,
			Strength:  results[k].Strength,
			Detected:  results[k].Detected,
		})
	}
	if output.TransientStrength > 0 {
		resp.Dominant = output.Dominant.String()
	}
	return resp, nil
}

// Reset implements ipc.Handler
func (d *daemon) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eng.Reset()
	return nil
}
