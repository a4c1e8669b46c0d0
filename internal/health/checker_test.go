package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type fakeStorePinger struct{ err error }

func (f fakeStorePinger) Ping() error { return f.err }

type fakeBusPinger struct{ err error }

func (f fakeBusPinger) Ping(context.Context) error { return f.err }

func TestNewCheckerRegistersStandardChecks(t *testing.T) {
	c := NewChecker(fakeStorePinger{}, fakeBusPinger{}, t.TempDir())
	if len(c.checks) != 3 {
		t.Fatalf("checks = %d, want 3", len(c.checks))
	}
}

func TestCheckerRunAllHealthy(t *testing.T) {
	c := NewChecker(fakeStorePinger{}, fakeBusPinger{}, t.TempDir())
	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("Statuses() = %d, want 3", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestCheckerIsHealthyBeforeRun(t *testing.T) {
	c := NewChecker(fakeStorePinger{}, fakeBusPinger{}, t.TempDir())
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before the first run (no statuses yet)")
	}
}

func TestCheckerStorePingFailurePropagates(t *testing.T) {
	c := NewChecker(fakeStorePinger{err: os.ErrPermission}, fakeBusPinger{}, t.TempDir())
	c.runAll(context.Background())

	if c.IsHealthy() {
		t.Fatal("expected IsHealthy() to be false when the store check fails")
	}
	for _, s := range c.Statuses() {
		if s.Name == "regional_state_store" && s.Healthy {
			t.Error("regional_state_store check should have failed")
		}
	}
}

func TestCheckerBusPingFailurePropagates(t *testing.T) {
	c := NewChecker(fakeStorePinger{}, fakeBusPinger{err: os.ErrClosed}, t.TempDir())
	c.runAll(context.Background())

	if c.IsHealthy() {
		t.Fatal("expected IsHealthy() to be false when the bus check fails")
	}
}

func TestCheckerDiskSpaceCheckPassesForNonexistentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not-created-yet")
	c := NewChecker(fakeStorePinger{}, fakeBusPinger{}, dir)
	c.runAll(context.Background())

	for _, s := range c.Statuses() {
		if s.Name == "disk_space" && !s.Healthy {
			t.Errorf("disk_space check should pass for a not-yet-created directory: %s", s.Error)
		}
	}
}

func TestCheckerDiskSpaceCheckFailsWhenPathIsAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, []byte("not a dir"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := NewChecker(fakeStorePinger{}, fakeBusPinger{}, path)
	c.runAll(context.Background())

	for _, s := range c.Statuses() {
		if s.Name == "disk_space" && s.Healthy {
			t.Error("disk_space check should fail when the path is a file")
		}
	}
}

func TestCheckerAddCheckIsIncludedInNextRun(t *testing.T) {
	c := NewChecker(fakeStorePinger{}, fakeBusPinger{}, t.TempDir())
	c.AddCheck(Check{Name: "custom", CheckFn: func(context.Context) error { return nil }})
	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 4 {
		t.Fatalf("statuses = %d, want 4", len(statuses))
	}
	found := false
	for _, s := range statuses {
		if s.Name == "custom" {
			found = true
			if !s.Healthy {
				t.Error("custom check should be healthy")
			}
		}
	}
	if !found {
		t.Error("custom check not found in statuses")
	}
}

func TestCheckerStatusesReturnsACopy(t *testing.T) {
	c := NewChecker(fakeStorePinger{}, fakeBusPinger{}, t.TempDir())
	c.runAll(context.Background())

	s1 := c.Statuses()
	s2 := c.Statuses()
	if len(s1) == 0 {
		t.Fatal("expected at least one status")
	}
	s1[0].Healthy = false
	if !s2[0].Healthy {
		t.Error("Statuses() should return a copy, not a shared reference")
	}
}
