// Package config handles vmstate.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	"github.com/chazu/vmstate/boundary"
	"github.com/chazu/vmstate/debugcheck"
	"github.com/chazu/vmstate/monitor"
	"github.com/chazu/vmstate/safepoint"
	"github.com/chazu/vmstate/thread"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "vmstate.toml"

// Config represents a vmstate.toml configuration.
type Config struct {
	Checks    Checks    `toml:"checks"`
	Safepoint Safepoint `toml:"safepoint"`
	Deadlock  Deadlock  `toml:"deadlock"`
	Log       Log       `toml:"log"`

	// Dir is the directory containing the vmstate.toml file (set at load time).
	Dir string `toml:"-"`
}

// Checks configures the debug wrappers run at boundaries.
type Checks struct {
	ScavengeALot           bool `toml:"scavenge-a-lot"`
	ScavengeALotInterval   int  `toml:"scavenge-a-lot-interval"`
	FullGCALot             bool `toml:"full-gc-a-lot"`
	FullGCALotInterval     int  `toml:"full-gc-a-lot-interval"`
	FullGCALotStart        int  `toml:"full-gc-a-lot-start"`
	GCALotAtAllSafepoints  bool `toml:"gc-a-lot-at-all-safepoints"`
	WalkStackALot          bool `toml:"walk-stack-a-lot"`
	ZombieALot             bool `toml:"zombie-a-lot"`
	ZombieALotInterval     int  `toml:"zombie-a-lot-interval"`
	DeoptimizeALot         bool `toml:"deoptimize-a-lot"`
	DeoptimizeALotInterval int  `toml:"deoptimize-a-lot-interval"`
	VerifyLastFrame        bool `toml:"verify-last-frame"`
	VerifyStack            bool `toml:"verify-stack"`
	CheckForeignCalls      bool `toml:"check-foreign-calls"`
}

// Safepoint configures the pause coordinator.
type Safepoint struct {
	GuaranteedInterval     time.Duration `toml:"guaranteed-interval"`
	Backoff                time.Duration `toml:"backoff"`
	UseSystemMemoryBarrier bool          `toml:"use-system-memory-barrier"`
}

// Deadlock configures lock-order detection on runtime monitors.
type Deadlock struct {
	Detect  bool          `toml:"detect"`
	Timeout time.Duration `toml:"timeout"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Checks: Checks{
			ScavengeALotInterval:   1,
			FullGCALotInterval:     1,
			ZombieALotInterval:     5,
			DeoptimizeALotInterval: 5,
		},
		Safepoint: Safepoint{
			GuaranteedInterval: safepoint.DefaultGuaranteedInterval,
			Backoff:            safepoint.DefaultBackoff,
		},
		Deadlock: Deadlock{
			Timeout: 30 * time.Second,
		},
	}
}

// Load parses a vmstate.toml file from the given directory. Keys absent
// from the file keep their defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a vmstate.toml file, then
// loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (c *Config) validate() error {
	intervals := map[string]int{
		"checks.scavenge-a-lot-interval":   c.Checks.ScavengeALotInterval,
		"checks.full-gc-a-lot-interval":    c.Checks.FullGCALotInterval,
		"checks.full-gc-a-lot-start":       c.Checks.FullGCALotStart,
		"checks.zombie-a-lot-interval":     c.Checks.ZombieALotInterval,
		"checks.deoptimize-a-lot-interval": c.Checks.DeoptimizeALotInterval,
	}
	for key, v := range intervals {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", key, v)
		}
	}
	if c.Safepoint.GuaranteedInterval < 0 {
		return fmt.Errorf("safepoint.guaranteed-interval must not be negative, got %s", c.Safepoint.GuaranteedInterval)
	}
	if c.Safepoint.Backoff < 0 {
		return fmt.Errorf("safepoint.backoff must not be negative, got %s", c.Safepoint.Backoff)
	}
	return nil
}

// CheckerFlags converts the [checks] table into debug wrapper flags.
func (c *Config) CheckerFlags() debugcheck.Flags {
	k := c.Checks
	return debugcheck.Flags{
		ScavengeALot:           k.ScavengeALot,
		ScavengeALotInterval:   k.ScavengeALotInterval,
		FullGCALot:             k.FullGCALot,
		FullGCALotInterval:     k.FullGCALotInterval,
		FullGCALotStart:        k.FullGCALotStart,
		GCALotAtAllSafepoints:  k.GCALotAtAllSafepoints,
		WalkStackALot:          k.WalkStackALot,
		ZombieALot:             k.ZombieALot,
		ZombieALotInterval:     k.ZombieALotInterval,
		DeoptimizeALot:         k.DeoptimizeALot,
		DeoptimizeALotInterval: k.DeoptimizeALotInterval,
		VerifyLastFrame:        k.VerifyLastFrame,
		VerifyStack:            k.VerifyStack,
	}
}

// Apply installs the configuration process-wide: a debug checker driving
// hooks, the memory barrier mode, foreign-call checks, deadlock detection
// and, when configured, logging. It returns the installed checker.
func (c *Config) Apply(hooks debugcheck.Hooks) *debugcheck.Checker {
	if c.Log.Verbosity != 0 || c.Log.Path != "" {
		var path *string
		if c.Log.Path != "" {
			path = &c.Log.Path
		}
		commonlog.Configure(c.Log.Verbosity, path)
	}
	checker := debugcheck.New(c.CheckerFlags(), hooks)
	debugcheck.SetActive(checker)
	thread.SetUseSystemMemoryBarrier(c.Safepoint.UseSystemMemoryBarrier)
	boundary.SetCheckForeignCalls(c.Checks.CheckForeignCalls)
	monitor.SetDeadlockDetection(c.Deadlock.Detect, c.Deadlock.Timeout)
	return checker
}

// Coordinator creates a pause coordinator configured by [safepoint].
func (c *Config) Coordinator() *safepoint.Coordinator {
	coord := safepoint.NewCoordinator()
	coord.SetBackoff(c.Safepoint.Backoff)
	return coord
}
