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
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PX_STORE_PATH", "PX_ENVS_PATH", "PX_TOOLS_DIR",
		"PX_CAS_GC_DISABLE", "PX_CAS_GC_GRACE_SECS", "PX_CAS_MAX_BYTES",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.GCGrace != 24*time.Hour {
		t.Fatalf("expected default grace of 24h, got %v", cfg.GCGrace)
	}
	if cfg.MaxBytes != 0 {
		t.Fatalf("expected default MaxBytes of 0 (unbounded), got %d", cfg.MaxBytes)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PX_STORE_PATH", "/tmp/custom-store")
	t.Setenv("PX_ENVS_PATH", "/tmp/custom-envs")
	t.Setenv("PX_TOOLS_DIR", "/tmp/custom-tools")
	t.Setenv("PX_CAS_GC_DISABLE", "true")
	t.Setenv("PX_CAS_GC_GRACE_SECS", "3600")
	t.Setenv("PX_CAS_MAX_BYTES", "1048576")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.StorePath != "/tmp/custom-store" {
		t.Errorf("StorePath = %q", cfg.StorePath)
	}
	if cfg.EnvsPath != "/tmp/custom-envs" {
		t.Errorf("EnvsPath = %q", cfg.EnvsPath)
	}
	if cfg.ToolsPath != "/tmp/custom-tools" {
		t.Errorf("ToolsPath = %q", cfg.ToolsPath)
	}
	if !cfg.GCDisable {
		t.Error("expected GCDisable true")
	}
	if cfg.GCGrace != time.Hour {
		t.Errorf("GCGrace = %v, want 1h", cfg.GCGrace)
	}
	if cfg.MaxBytes != 1048576 {
		t.Errorf("MaxBytes = %d", cfg.MaxBytes)
	}
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PX_CAS_GC_GRACE_SECS", "not-a-number")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for non-numeric grace secs")
	}

	clearEnv(t)
	t.Setenv("PX_CAS_GC_GRACE_SECS", "-5")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for negative grace secs")
	}

	clearEnv(t)
	t.Setenv("PX_CAS_MAX_BYTES", "-1")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for negative max bytes")
	}

	clearEnv(t)
	t.Setenv("PX_CAS_GC_DISABLE", "maybe")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for non-boolean gc disable")
	}
}

func TestValidateCatchesEmptyPaths(t *testing.T) {
	cfg := Default()
	cfg.StorePath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty StorePath")
	}
}
