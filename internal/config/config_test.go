package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsInternallyConsistent(t *testing.T) {
	cfg := DefaultConfig()
	sum := cfg.Scheduler.GeozoneWeight + cfg.Scheduler.EnergySourceWeight + cfg.Scheduler.GPUUtilWeight + cfg.Scheduler.BatteryWeight
	if sum < 0.99 || sum > 1.01 {
		t.Fatalf("scheduler weights sum to %v, want ~1.0", sum)
	}
}

func TestLoadConfigFallsBackToDefaultsWhenNoFileExists(t *testing.T) {
	t.Setenv("ARCNET_HOME", t.TempDir())
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Scheduler.MinBattery != DefaultConfig().Scheduler.MinBattery {
		t.Fatalf("expected default scheduler config when no file exists")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ARCNET_HOME", home)

	cfg := DefaultConfig()
	cfg.Node.Geozone = "9q8"
	cfg.Bridge.ExtendedClassifier = true
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.Node.Geozone != "9q8" || !got.Bridge.ExtendedClassifier {
		t.Fatalf("round-tripped config = %+v, want geozone 9q8 / extended classifier on", got)
	}
}

func TestArcNetHomeDefaultsUnderUserHomeDir(t *testing.T) {
	t.Setenv("ARCNET_HOME", "")
	got := ArcNetHome()
	if filepath.Base(got) != ".arcnet" {
		t.Fatalf("ArcNetHome() = %q, want a path ending in .arcnet", got)
	}
}
