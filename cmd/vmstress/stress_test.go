//go:build !vmrelease

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/chazu/vmstate/config"
	"github.com/chazu/vmstate/safepoint"
)

func TestRunCompletes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := config.Default()
	cfg.Checks.WalkStackALot = true
	cfg.Safepoint.GuaranteedInterval = 5 * time.Millisecond
	res, err := run(ctx, cfg, options{threads: 3, iterations: 500, seed: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	total := res.entries + res.native + res.leaves + res.blocks
	if total != 1500 {
		t.Errorf("crossings = %d, want 1500", total)
	}

	var out bytes.Buffer
	res.print(&out)
	if !strings.Contains(out.String(), "runtime entries:") {
		t.Errorf("summary missing counters:\n%s", out.String())
	}

	if res.dump != nil {
		var buf bytes.Buffer
		if err := safepoint.WriteDump(&buf, res.dump); err != nil {
			t.Fatalf("WriteDump: %v", err)
		}
		if _, err := safepoint.ReadDump(&buf); err != nil {
			t.Errorf("ReadDump: %v", err)
		}
	}
}

func TestRunRejectsNoThreads(t *testing.T) {
	if _, err := run(context.Background(), config.Default(), options{}); err == nil {
		t.Error("run accepted zero threads")
	}
}
