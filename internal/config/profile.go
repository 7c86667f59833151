package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Jdubz/blinky-time-sub003/internal/engine"
)

// ProfileFile is a YAML document mapping profile names to parameter
// overrides. Parameter names match engine.Params.Set, including dotted
// detector names such as "drummer.weight".
//
//	club:
//	  bpmMin: 100
//	  bpmMax: 180
//	  drummer.weight: 2.5
type ProfileFile struct {
	Profiles map[string]map[string]float64 `yaml:"profiles"`
}

// LoadProfiles reads a profile file from disk. A missing file is not an
// error; it yields an empty set so the daemon can run on defaults.
func LoadProfiles(path string) (*ProfileFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &ProfileFile{Profiles: map[string]map[string]float64{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}

	var pf ProfileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}
	if pf.Profiles == nil {
		pf.Profiles = map[string]map[string]float64{}
	}
	return &pf, nil
}

// Names returns the profile names in sorted order.
func (pf *ProfileFile) Names() []string {
	names := make([]string, 0, len(pf.Profiles))
	for name := range pf.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply overlays the named profile onto params. Unknown parameter names
// fail the whole application so a typo in a profile is caught loudly
// instead of half-applying.
func (pf *ProfileFile) Apply(name string, params *engine.Params) error {
	overrides, ok := pf.Profiles[name]
	if !ok {
		return fmt.Errorf("unknown profile %q", name)
	}

	// Deterministic order so a failure always names the same key.
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	staged := *params
	staged.Detectors = make(map[string]engine.DetectorParams, len(params.Detectors))
	for k, v := range params.Detectors {
		staged.Detectors[k] = v
	}
	for _, k := range keys {
		if err := staged.Set(k, overrides[k]); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
	}

	*params = staged
	return nil
}
