// vmstress drives worker threads across the runtime boundaries while a VM
// thread pauses, handshakes, suspends and interrupts them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/vmstate/config"
	"github.com/chazu/vmstate/safepoint"
)

func main() {
	threads := flag.Int("threads", 4, "Number of worker threads")
	iterations := flag.Int("n", 10000, "Boundary crossings per worker")
	duration := flag.Duration("d", 0, "Stop after this long (0 runs until the crossings are done)")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "Random seed")
	configDir := flag.String("config", ".", "Directory to search upwards for vmstate.toml")
	dumpPath := flag.String("dump", "", "Write a CBOR thread dump taken during the run to this file")
	verbose := flag.Int("v", 0, "Log verbosity")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vmstress [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs worker threads through runtime, native, leaf and blocking boundaries\n")
		fmt.Fprintf(os.Stderr, "while pauses, handshakes, suspensions and async exceptions are requested.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  vmstress -threads 8 -n 50000\n")
		fmt.Fprintf(os.Stderr, "  vmstress -d 10s -dump threads.cbor\n")
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if *verbose > 0 {
		cfg.Log.Verbosity = *verbose
	}

	ctx := context.Background()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	res, err := run(ctx, cfg, options{
		threads:    *threads,
		iterations: *iterations,
		seed:       *seed,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	res.print(os.Stdout)

	if *dumpPath != "" && res.dump != nil {
		f, err := os.Create(*dumpPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := safepoint.WriteDump(f, res.dump); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}
