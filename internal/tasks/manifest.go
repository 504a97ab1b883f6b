package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Manifest describes one fusion request on disk. Relative paths are
// resolved against the manifest's directory.
type Manifest struct {
	Frames []string `json:"frames"`
	// Correspondences maps a candidate frame (as listed in Frames) to a CSV
	// of precomputed matches. When present the csv matcher is used.
	Correspondences map[string]string `json:"correspondences,omitempty"`
	Upscale         int               `json:"upscale,omitempty"`
	Output          string            `json:"output,omitempty"`
	Matcher         string            `json:"matcher,omitempty"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	m.resolve(filepath.Dir(path))
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// Save writes the manifest as indented JSON.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Validate checks the request can be attempted.
func (m *Manifest) Validate() error {
	var errs []error
	if len(m.Frames) < 2 {
		errs = append(errs, fmt.Errorf("%w: manifest lists %d", ErrInsufficientFrames, len(m.Frames)))
	}
	if m.Upscale < 0 {
		errs = append(errs, fmt.Errorf("upscale must be positive, got %d", m.Upscale))
	}
	return errors.Join(errs...)
}

// Supplier returns a csv supplier for the listed correspondence files, or
// nil when the manifest has none.
func (m *Manifest) Supplier() *CSVSupplier {
	if len(m.Correspondences) == 0 {
		return nil
	}
	return NewCSVSupplier("", m.Correspondences)
}

func (m *Manifest) resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	for i, f := range m.Frames {
		m.Frames[i] = abs(f)
	}
	if len(m.Correspondences) > 0 {
		resolved := make(map[string]string, len(m.Correspondences))
		for frame, csv := range m.Correspondences {
			resolved[abs(frame)] = abs(csv)
		}
		m.Correspondences = resolved
	}
	m.Output = abs(m.Output)
}
