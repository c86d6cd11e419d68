package provision

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Marker records that an application was installed on this host. It is
// informational: install does not refuse to run when one exists.
type Marker struct {
	App           string    `yaml:"app"`
	RunID         string    `yaml:"runId"`
	EngineVersion string    `yaml:"engineVersion"`
	InstalledAt   time.Time `yaml:"installedAt"`
	// LastConfigured is updated by every successful configure run.
	LastConfigured *time.Time `yaml:"lastConfigured,omitempty"`
}

// MarkerPath returns the marker location for app under stateDir.
func MarkerPath(stateDir, app string) string {
	return filepath.Join(stateDir, app+".yaml")
}

// WriteMarker persists m atomically under stateDir.
func WriteMarker(stateDir string, m Marker) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("failed to encode marker for %s: %w", m.App, err)
	}
	return WriteFileAtomic(MarkerPath(stateDir, m.App), data, 0644)
}

// ReadMarker loads the marker of app. A missing marker returns (nil, nil).
func ReadMarker(stateDir, app string) (*Marker, error) {
	data, err := os.ReadFile(MarkerPath(stateDir, app))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read marker for %s: %w", app, err)
	}
	var m Marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("marker for %s is malformed: %w", app, err)
	}
	return &m, nil
}

// TouchConfigured sets LastConfigured on an existing marker. Without a
// marker it does nothing; configure never invents an install record.
func TouchConfigured(stateDir, app string, at time.Time) error {
	m, err := ReadMarker(stateDir, app)
	if err != nil || m == nil {
		return err
	}
	at = at.UTC()
	m.LastConfigured = &at
	return WriteMarker(stateDir, *m)
}
