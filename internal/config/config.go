// Package config loads the optional pool configuration file for
// reprl-harness: per-worker capture/tracking defaults that would otherwise
// have to be repeated on every invocation.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Pool is the shape of reprl.toml.
type Pool struct {
	Target   string `toml:"target"`
	Bin      string `toml:"bin"`
	Baseline string `toml:"baseline,omitempty"`

	Workers       int  `toml:"workers"`
	CaptureStdout bool `toml:"capture_stdout,omitempty"`
	CaptureStderr bool `toml:"capture_stderr,omitempty"`
	TrackEdges    bool `toml:"track_edges,omitempty"`

	TimeoutMS      int    `toml:"timeout_ms,omitempty"`
	CoverageMapDir string `toml:"coverage_map_dir,omitempty"`
}

// Default returns the built-in defaults used when no config file is given.
func Default() Pool {
	return Pool{
		Workers:   1,
		TimeoutMS: 1000,
	}
}

// Load reads a reprl.toml file, overlaying its values onto Default().
func Load(path string) (Pool, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Pool{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Pool{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}
