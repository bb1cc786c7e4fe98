package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/vmstate/boundary"
	"github.com/chazu/vmstate/debugcheck"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[checks]
scavenge-a-lot = true
scavenge-a-lot-interval = 7
full-gc-a-lot-start = 100
walk-stack-a-lot = true
check-foreign-calls = true

[safepoint]
guaranteed-interval = "250ms"
use-system-memory-barrier = true

[deadlock]
detect = true
timeout = "5s"

[log]
verbosity = 2
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !c.Checks.ScavengeALot || c.Checks.ScavengeALotInterval != 7 {
		t.Errorf("scavenge = %v/%d, want true/7", c.Checks.ScavengeALot, c.Checks.ScavengeALotInterval)
	}
	if c.Checks.FullGCALotStart != 100 {
		t.Errorf("full-gc-a-lot-start = %d, want 100", c.Checks.FullGCALotStart)
	}
	if c.Safepoint.GuaranteedInterval != 250*time.Millisecond {
		t.Errorf("guaranteed-interval = %s, want 250ms", c.Safepoint.GuaranteedInterval)
	}
	if !c.Safepoint.UseSystemMemoryBarrier {
		t.Error("use-system-memory-barrier = false, want true")
	}
	if !c.Deadlock.Detect || c.Deadlock.Timeout != 5*time.Second {
		t.Errorf("deadlock = %v/%s, want true/5s", c.Deadlock.Detect, c.Deadlock.Timeout)
	}
	if c.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", c.Log.Verbosity)
	}
	if abs, _ := filepath.Abs(dir); c.Dir != abs {
		t.Errorf("Dir = %q, want %q", c.Dir, abs)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[checks]
zombie-a-lot = true
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Checks.ZombieALotInterval != 5 {
		t.Errorf("default zombie interval = %d, want 5", c.Checks.ZombieALotInterval)
	}
	if c.Safepoint.GuaranteedInterval != time.Second {
		t.Errorf("default guaranteed-interval = %s, want 1s", c.Safepoint.GuaranteedInterval)
	}
}

func TestLoadConfigRejectsNegativeInterval(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[checks]
deoptimize-a-lot-interval = -1
`)
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "deoptimize-a-lot-interval") {
		t.Errorf("Load() error = %v, want negative interval error", err)
	}
}

func TestLoadConfigParseError(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[checks\n")
	if _, err := Load(dir); err == nil {
		t.Error("Load accepted malformed TOML")
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, dir, "[checks]\nverify-stack = true\n")

	c, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if !c.Checks.VerifyStack {
		t.Error("verify-stack = false, want true")
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if c != nil {
		t.Error("expected nil config when no vmstate.toml exists")
	}
}

func TestApply(t *testing.T) {
	c := Default()
	c.Checks.WalkStackALot = true
	c.Checks.CheckForeignCalls = true
	checker := c.Apply(nil)
	defer func() {
		debugcheck.SetActive(nil)
		boundary.SetCheckForeignCalls(false)
	}()

	if debugcheck.Active() != checker {
		t.Error("Apply did not install the checker")
	}
	if !checker.Flags().WalkStackALot {
		t.Error("checker flags lost walk-stack-a-lot")
	}
	if !boundary.CheckForeignCalls() {
		t.Error("foreign call checks not enabled")
	}
}

func TestCoordinator(t *testing.T) {
	c := Default()
	c.Safepoint.Backoff = time.Millisecond
	if coord := c.Coordinator(); coord == nil || coord.Paused() {
		t.Error("Coordinator() returned an unusable coordinator")
	}
}
