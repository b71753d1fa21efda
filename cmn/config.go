// Package cmn provides common constants, types, and utilities for the
// remoting runtime and its launcher
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package cmn

import (
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jenkinsci/remoting-sub008/cmn/cos"
	"github.com/jenkinsci/remoting-sub008/cmn/fname"
	"github.com/pkg/errors"
)

type (
	// Config is the process-wide runtime configuration. The launcher fills
	// it from CLI flags; embedders construct it directly. Zero values fall
	// back to the defaults below via Validate.
	Config struct {
		Name         string        `json:"name"`          // agent name (diagnostics, handshake header)
		WorkDir      string        `json:"work_dir"`      // root for logs and the JAR cache
		InternalDir  string        `json:"internal_dir"`  // subdirectory name under work dir
		JarCacheDir  string        `json:"jar_cache_dir"` // override; default <workdir>/<internal>/jarCache
		FlightSize   int           `json:"flight_size"`   // flight-recorder ring, bytes
		PipeWindow   int           `json:"pipe_window"`   // initial pipe window, bytes
		SweepEvery   time.Duration `json:"sweep_every"`   // export-table sweep period
		UnexportWait time.Duration `json:"unexport_wait"` // grace before a zero-ref entry is finalized
		Compression  bool          `json:"compression"`   // advertise lz4 stream compression
		KeepAlive    bool          `json:"keep_alive"`    // TCP keepalive on direct connections
		Reconnect    bool          `json:"reconnect"`     // launcher retry loop
	}
)

const (
	DfltFlightSize = cos.MiB
	DfltPipeWindow = 1 * cos.MiB
	DfltSweepEvery = 5 * time.Second
	DfltUnexport   = 2 * time.Second
)

func (c *Config) Validate() error {
	if c.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return errors.Wrap(err, "config: no work dir")
		}
		c.WorkDir = wd
	}
	if c.InternalDir == "" {
		c.InternalDir = fname.DfltInternalDir
	}
	if c.JarCacheDir == "" {
		c.JarCacheDir = filepath.Join(c.WorkDir, c.InternalDir, fname.JarCacheDir)
	}
	if c.FlightSize <= 0 {
		c.FlightSize = DfltFlightSize
	}
	if c.PipeWindow <= 0 {
		c.PipeWindow = DfltPipeWindow
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = DfltSweepEvery
	}
	if c.UnexportWait <= 0 {
		c.UnexportWait = DfltUnexport
	}
	return nil
}

func (c *Config) LogDir() string {
	return filepath.Join(c.WorkDir, c.InternalDir, fname.LogsDir)
}

// LoadConfig reads a JSON config; missing file yields defaults.
func LoadConfig(fqn string) (*Config, error) {
	c := &Config{}
	b, err := os.ReadFile(fqn)
	if err != nil {
		if os.IsNotExist(err) {
			return c, c.Validate()
		}
		return nil, err
	}
	if err := jsoniter.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "config %s", fqn)
	}
	return c, c.Validate()
}

// SaveConfig persists the config as JSON (atomic replace).
func SaveConfig(fqn string, c *Config) error {
	b, err := jsoniter.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return cos.SaveBytesAtomic(fqn, b)
}
