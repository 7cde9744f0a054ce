// px is a content-addressable object store and environment materializer
// for Python package builds.
// Copyright (C) 2026 The px Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the environment-derived settings for the store, environment
// materializer, and garbage collector.
type Config struct {
	// StorePath is the root directory of the content-addressable store.
	StorePath string

	// EnvsPath is the root directory under which materialized profile
	// environments are projected.
	EnvsPath string

	// ToolsPath is the root directory under which materialized standalone
	// tool environments are projected.
	ToolsPath string

	// GCDisable is set from PX_CAS_GC_DISABLE. Nothing in this module runs
	// garbage collection on its own, and the explicit gc and doctor
	// commands do not read this field.
	GCDisable bool

	// GCGrace is the minimum age an unreferenced object must reach before
	// garbage collection will consider it for reclamation.
	GCGrace time.Duration

	// MaxBytes caps total store size; 0 means unbounded. When set, the gc
	// command (unless given --max-bytes) reclaims oldest-last-accessed-first past GCGrace until
	// under the cap, logging a warning rather than violating the grace
	// window if the cap cannot be reached.
	MaxBytes int64
}

// Default returns the configuration used when no environment variables are
// set, rooted under the user's home directory.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	root := filepath.Join(home, ".px")
	return Config{
		StorePath: filepath.Join(root, "store"),
		EnvsPath:  filepath.Join(root, "envs"),
		ToolsPath: filepath.Join(root, "tools"),
		GCDisable: false,
		GCGrace:   24 * time.Hour,
		MaxBytes:  0,
	}
}

// LoadFromEnv loads configuration from environment variables, falling back
// to Default for anything unset.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	if val := os.Getenv("PX_STORE_PATH"); val != "" {
		cfg.StorePath = val
	}

	if val := os.Getenv("PX_ENVS_PATH"); val != "" {
		cfg.EnvsPath = val
	}

	if val := os.Getenv("PX_TOOLS_DIR"); val != "" {
		cfg.ToolsPath = val
	}

	if val := os.Getenv("PX_CAS_GC_DISABLE"); val != "" {
		disable, err := strconv.ParseBool(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid PX_CAS_GC_DISABLE value: %w", err)
		}
		cfg.GCDisable = disable
	}

	if val := os.Getenv("PX_CAS_GC_GRACE_SECS"); val != "" {
		secs, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid PX_CAS_GC_GRACE_SECS: %w", err)
		}
		if secs < 0 {
			return cfg, fmt.Errorf("PX_CAS_GC_GRACE_SECS must be non-negative")
		}
		cfg.GCGrace = time.Duration(secs) * time.Second
	}

	if val := os.Getenv("PX_CAS_MAX_BYTES"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid PX_CAS_MAX_BYTES: %w", err)
		}
		if n < 0 {
			return cfg, fmt.Errorf("PX_CAS_MAX_BYTES must be non-negative")
		}
		cfg.MaxBytes = n
	}

	return cfg, nil
}

// Validate checks that the configuration is self-consistent.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("PX_STORE_PATH cannot be empty")
	}
	if c.EnvsPath == "" {
		return fmt.Errorf("PX_ENVS_PATH cannot be empty")
	}
	if c.ToolsPath == "" {
		return fmt.Errorf("PX_TOOLS_DIR cannot be empty")
	}
	if c.GCGrace < 0 {
		return fmt.Errorf("PX_CAS_GC_GRACE_SECS must be non-negative")
	}
	if c.MaxBytes < 0 {
		return fmt.Errorf("PX_CAS_MAX_BYTES must be non-negative")
	}
	return nil
}
