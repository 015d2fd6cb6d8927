// Package checkpoint persists the running totals and the panel mapping so a
// restart does not lose the energy deltas.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type State struct {
	Time   int64              `yaml:"time"`
	Totals map[string]float64 `yaml:"totals"`
	Panels map[string]int     `yaml:"panels"` // inverter serial -> panel index
}

// Load reads the state from path. A missing file gives an empty state.
func Load(path string) (*State, error) {
	s := &State{
		Totals: make(map[string]float64),
		Panels: make(map[string]int),
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logrus.Infof("checkpoint: no checkpoint data in %s", path)
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(b, s)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if s.Totals == nil {
		s.Totals = make(map[string]float64)
	}
	if s.Panels == nil {
		s.Panels = make(map[string]int)
	}
	logrus.Infof("checkpoint: read %d totals and %d panels from %s", len(s.Totals), len(s.Panels), path)
	return s, nil
}

// Save writes the state to path.tmp and renames it over path.
func Save(path string, s *State) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	err = os.WriteFile(tmp, b, 0644)
	if err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
