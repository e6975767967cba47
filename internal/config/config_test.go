package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldsafe.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "fieldsafe_audit.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Monitor.RateHz != 20000 {
		t.Errorf("RateHz = %v, want 20000", cfg.Monitor.RateHz)
	}
	if cfg.Monitor.ProjectedLimit != 3 {
		t.Errorf("ProjectedLimit = %d, want 3", cfg.Monitor.ProjectedLimit)
	}
	if cfg.Monitor.ProjectedWindow != 10*time.Millisecond {
		t.Errorf("ProjectedWindow = %v", cfg.Monitor.ProjectedWindow)
	}
	if cfg.Safety.Deadline != 50*time.Millisecond {
		t.Errorf("Deadline = %v, want 50ms", cfg.Safety.Deadline)
	}
	if cfg.Safety.EnergyCoupling != 1e-12 {
		t.Errorf("EnergyCoupling = %v, want 1e-12", cfg.Safety.EnergyCoupling)
	}
	if cfg.UQ.MinSamples != 30 || cfg.UQ.Confidence != 0.95 {
		t.Errorf("UQ = %+v", cfg.UQ)
	}
	if cfg.UQ.Thresholds.Coverage != 0.95 || cfg.UQ.Thresholds.SafetyFactor != 0.5 {
		t.Errorf("UQ thresholds = %+v", cfg.UQ.Thresholds)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
db_path: /var/lib/fieldsafe/audit.db
monitor:
  rate_hz: 1000
  projected_window: 25ms
uq:
  min_samples: 50
  thresholds:
    coverage: 0.99
`)
	t.Setenv("FIELDSAFE_MONITOR_RATE_HZ", "5000")
	t.Setenv("FIELDSAFE_SAFETY_DEADLINE", "80ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/var/lib/fieldsafe/audit.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Monitor.RateHz != 5000 {
		t.Errorf("RateHz = %v, want env override 5000", cfg.Monitor.RateHz)
	}
	if cfg.Monitor.ProjectedWindow != 25*time.Millisecond {
		t.Errorf("ProjectedWindow = %v", cfg.Monitor.ProjectedWindow)
	}
	if cfg.Safety.Deadline != 80*time.Millisecond {
		t.Errorf("Deadline = %v", cfg.Safety.Deadline)
	}
	if cfg.UQ.MinSamples != 50 || cfg.UQ.Thresholds.Coverage != 0.99 {
		t.Errorf("UQ = %+v", cfg.UQ)
	}
	// untouched siblings keep defaults
	if cfg.UQ.Thresholds.Scaling != 0.9 {
		t.Errorf("Scaling = %v, want 0.9", cfg.UQ.Thresholds.Scaling)
	}

	sc := cfg.ShutdownConfig()
	if sc.Period() != 200*time.Microsecond {
		t.Errorf("Period = %v", sc.Period())
	}
	if ec := cfg.EvalConfig(); ec.MinSamples != 50 {
		t.Errorf("EvalConfig = %+v", ec)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := map[string]string{
		"zero rate":       "monitor:\n  rate_hz: 0\n",
		"min samples":     "uq:\n  min_samples: 0\n",
		"confidence high": "uq:\n  confidence: 1\n",
		"confidence zero": "uq:\n  confidence: 0\n",
		"zero coupling":   "safety:\n  energy_coupling: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit file")
	}
}

func TestRegistryOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, "safety:\n  deadline: 40ms\n  thresholds:\n    tissue_standard: 5.0e-12\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	if got := reg.ThresholdFor(safety.TissueStandard); got != 5e-12 {
		t.Errorf("tissue_standard threshold = %g", got)
	}
	if got := reg.ThresholdFor(safety.OrganLevel); got != 1e-10 {
		t.Errorf("organ_level threshold = %g", got)
	}
	if got := reg.Deadline(safety.NeuralUltraSafe); got != 40*time.Millisecond {
		t.Errorf("deadline = %v", got)
	}
}

func TestRegistryRejectsMisorderedOverride(t *testing.T) {
	cfg, err := Load(writeConfig(t, "safety:\n  thresholds:\n    tissue_standard: 1.0e-9\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = cfg.Registry()
	var ce *safety.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *safety.ConfigError, got %v", err)
	}
	if !errors.Is(err, safety.ErrNonMonotonicThresholds) {
		t.Fatalf("expected ErrNonMonotonicThresholds, got %v", err)
	}

	cfg.Safety.Thresholds = map[string]float64{"spinal": 1}
	if _, err := cfg.Registry(); !errors.Is(err, safety.ErrUnknownLevel) {
		t.Fatalf("expected ErrUnknownLevel, got %v", err)
	}
}
