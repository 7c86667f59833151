package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Jdubz/blinky-time-sub003/internal/engine"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(m.GetPath()); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	cfg := m.Get()
	if cfg.FrameRateHz != 60 {
		t.Errorf("frameRateHz = %v, want 60", cfg.FrameRateHz)
	}
	if cfg.SocketPath == "" {
		t.Error("empty default socket path")
	}
	if cfg.Params.BPMMin <= 0 || cfg.Params.BPMMax <= cfg.Params.BPMMin {
		t.Errorf("implausible default BPM range [%v, %v]", cfg.Params.BPMMin, cfg.Params.BPMMax)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := m.Get()
	cfg.Profile = "club"
	cfg.Params.BPMMin = 90
	d := cfg.Params.Detectors["drummer"]
	d.Weight = 2.5
	cfg.Params.Detectors["drummer"] = d
	if err := m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m2 := NewManager(dir)
	if err := m2.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := m2.Get()
	if got.Profile != "club" {
		t.Errorf("profile = %q, want club", got.Profile)
	}
	if got.Params.BPMMin != 90 {
		t.Errorf("bpmMin = %v, want 90", got.Params.BPMMin)
	}
	if w := got.Params.Detectors["drummer"].Weight; w != 2.5 {
		t.Errorf("drummer weight = %v, want 2.5", w)
	}
}

func TestPartialConfigKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"profile":"ambient"}`), 0600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(dir)
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := m.Get()
	if cfg.Profile != "ambient" {
		t.Errorf("profile = %q, want ambient", cfg.Profile)
	}
	if cfg.FrameRateHz != 60 {
		t.Errorf("frameRateHz = %v, want default 60", cfg.FrameRateHz)
	}
}

func TestProfileApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	doc := `profiles:
  club:
    bpmMin: 100
    bpmMax: 180
    drummer.weight: 2.5
  broken:
    noSuchKnob: 1
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	pf, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if names := pf.Names(); len(names) != 2 || names[0] != "broken" || names[1] != "club" {
		t.Fatalf("Names = %v", names)
	}

	params := engine.DefaultParams()
	if err := pf.Apply("club", &params); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if params.BPMMin != 100 || params.BPMMax != 180 {
		t.Errorf("BPM range [%v, %v], want [100, 180]", params.BPMMin, params.BPMMax)
	}
	if w := params.Detectors["drummer"].Weight; w != 2.5 {
		t.Errorf("drummer weight = %v, want 2.5", w)
	}

	if err := pf.Apply("nope", &params); err == nil {
		t.Error("unknown profile accepted")
	}

	before := params.BPMMin
	if err := pf.Apply("broken", &params); err == nil {
		t.Error("profile with unknown knob accepted")
	}
	if params.BPMMin != before {
		t.Error("failed profile application mutated params")
	}
}

func TestLoadProfilesMissingFile(t *testing.T) {
	pf, err := LoadProfiles(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadProfiles on missing file: %v", err)
	}
	if len(pf.Profiles) != 0 {
		t.Fatalf("expected empty profile set, got %v", pf.Names())
	}
}
