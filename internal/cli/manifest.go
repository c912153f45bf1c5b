package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest lists the tasks of one run in enqueue order.
//
//	tasks:
//	  - ident: numpy
//	    command: |
//	      pip install numpy
//	  - ident: tests
//	    command: pytest -x
type Manifest struct {
	Tasks []ManifestTask `yaml:"tasks"`
}

// ManifestTask is a single (ident, command) pair.
type ManifestTask struct {
	Ident   string `yaml:"ident"`
	Command string `yaml:"command"`
}

var errEmptyManifest = errors.New("manifest has no tasks")

// loadManifest reads and validates a manifest file.
func loadManifest(path string) (*Manifest, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("manifest path is required (use --manifest or -m)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := parseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

func parseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Tasks) == 0 {
		return errEmptyManifest
	}
	for i, t := range m.Tasks {
		if strings.TrimSpace(t.Ident) == "" {
			return fmt.Errorf("tasks[%d]: ident is required", i)
		}
		if strings.TrimSpace(t.Command) == "" {
			return fmt.Errorf("tasks[%d] (%s): command is required", i, t.Ident)
		}
	}
	return nil
}
