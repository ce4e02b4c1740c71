package analysis

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Built-in detector names. Each maps to a script sharing the same contract:
// argv (file, thresholdDb, minSilenceMs, paddingMs), stdout a JSON array of
// [start, end] pairs in seconds.
const (
	DetectorDefault = "default"
	DetectorEnergy  = "energy"
	DetectorVAD     = "vad"
	DetectorHybrid  = "hybrid"
)

// Detectors maps detector names to analyzer scripts. It is safe for
// concurrent use, so the script table can be swapped on config reload while
// analyses are running.
type Detectors struct {
	mu      sync.RWMutex
	scripts map[string]string
}

// NewDetectors returns a registry pre-populated with scripts.
func NewDetectors(scripts map[string]string) *Detectors {
	d := &Detectors{scripts: make(map[string]string, len(scripts))}
	maps.Copy(d.scripts, scripts)
	return d
}

// Register sets the script for name, overwriting any previous entry.
func (d *Detectors) Register(name, script string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[name] = script
}

// Replace swaps the whole table.
func (d *Detectors) Replace(scripts map[string]string) {
	next := make(map[string]string, len(scripts))
	maps.Copy(next, scripts)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = next
}

// Script returns the script registered under name. An empty name selects
// [DetectorDefault].
func (d *Detectors) Script(name string) (string, error) {
	if name == "" {
		name = DetectorDefault
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.scripts[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDetector, name)
	}
	return s, nil
}

// Names returns the registered detector names, sorted.
func (d *Detectors) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.scripts))
}
