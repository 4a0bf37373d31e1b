package main

import (
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/diagnostics"
	"github.com/tinygo-org/gengc/gc"
	"github.com/tinygo-org/gengc/internal/gclayout"
	"github.com/tinygo-org/gengc/metrics"
)

// Type ids used by the workloads.
const (
	nodeType gc.TypeID = iota + 1
	bufferType
	finalType
)

// A node is {next, depth}.
var nodeLayout = gclayout.New(2, 0)

const nodeSize = 2 * 8

type workload struct {
	threads  int
	allocs   int
	retained int
	depth    int
	large    int // every this many allocations, allocate a large buffer
	pinned   int // every this many allocations, allocate a pinned buffer
	final    int // every this many allocations, allocate a finalizable object
	verify   bool
}

func usage(command string) {
	switch command {
	default:
		fmt.Fprintln(os.Stderr, "gengc is a stress driver for the gengc garbage collector.")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "usage:")
		fmt.Fprintln(os.Stderr, "  gengc [flags] <command>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "commands:")
		fmt.Fprintln(os.Stderr, "  run:     run an allocation workload and print heap statistics")
		fmt.Fprintln(os.Stderr, "  config:  print the effective configuration")
		fmt.Fprintln(os.Stderr, "  metrics: list the supported metrics")
		fmt.Fprintln(os.Stderr, "  help:    print this help text")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "flags:")
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintf(os.Stderr, "Options may also be set with %s, like:\n", config.EnvSettings)
		fmt.Fprintf(os.Stderr, "  %s=\"heap_count=2 segment_size=32MB\" gengc run\n", config.EnvSettings)
	case "run":
		fmt.Fprintln(os.Stderr, "usage: gengc [flags] run")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Every thread allocates linked nodes and keeps a random subset of")
		fmt.Fprintln(os.Stderr, "them alive, with the occasional large, pinned or finalizable object.")
	}
}

// loadConfig builds the configuration from the defaults, an optional file,
// the environment and finally the command line.
func loadConfig(path string, settings string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if settings != "" {
		if err := cfg.ApplySettings(settings); err != nil {
			return cfg, fmt.Errorf("-set: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func run(cfg config.Config, w workload, profilePath string) error {
	h, err := gc.New(gc.Options{Config: &cfg})
	if err != nil {
		return err
	}
	defer h.Shutdown()

	var (
		finalizedMu    sync.Mutex
		finalizedCount int
	)
	h.RegisterType(nodeType, gc.TypeInfo{Name: "node"})
	h.RegisterType(bufferType, gc.TypeInfo{Name: "buffer"})
	h.RegisterType(finalType, gc.TypeInfo{
		Name:      "finalizable",
		Finalizer: func(m *gc.Mutator, obj gc.Addr) {
			finalizedMu.Lock()
			finalizedCount++
			finalizedMu.Unlock()
		},
	})

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, w.threads)
	for i := 0; i < w.threads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = runThread(h, w, int64(i))
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if err := errors.Join(errs...); err != nil {
		return err
	}

	// Let the last finalizers run before reporting.
	m, err := h.AttachThread()
	if err != nil {
		return err
	}
	if err := m.RequestCollection(gc.Gen2, true); err != nil {
		return err
	}
	m.WaitForPendingFinalizers()
	if w.verify {
		if err := m.VerifyHeap(); err != nil {
			return err
		}
	}
	m.Detach()

	printStatistics(h, elapsed)
	finalizedMu.Lock()
	fmt.Printf("finalizers:   %d\n", finalizedCount)
	finalizedMu.Unlock()

	if profilePath != "" {
		f, err := os.Create(profilePath)
		if err != nil {
			return err
		}
		if err := h.WriteHeapProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("could not write heap profile: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func runThread(h *gc.Heap, w workload, seed int64) error {
	m, err := h.AttachThread()
	if err != nil {
		return err
	}
	defer m.Detach()
	rng := rand.New(rand.NewSource(seed))

	// The last slot holds the object being built.
	f := m.PushFrame(w.retained + 1)
	defer f.Pop()
	tmp := w.retained

	for i := 1; i <= w.allocs; i++ {
		var obj gc.Addr
		var err error
		switch {
		case w.large > 0 && i%w.large == 0:
			obj, err = m.Allocate(bufferType, gclayout.NoPtrs, uint64(h.Config().LargeObjectThreshold)*2, 0)
		case w.pinned > 0 && i%w.pinned == 0:
			obj, err = m.Allocate(bufferType, gclayout.NoPtrs, 256, gc.AllocPinned)
		case w.final > 0 && i%w.final == 0:
			obj, err = m.Allocate(finalType, gclayout.NoPtrs, 8, 0)
		default:
			obj, err = m.Allocate(nodeType, nodeLayout, nodeSize, 0)
		}
		if err != nil {
			return fmt.Errorf("allocation %d: %w", i, err)
		}
		if h.TypeOf(obj) != nodeType {
			// Garbage right away, unless it replaces a retained slot.
			if rng.Intn(4) == 0 {
				f.Set(rng.Intn(w.retained), obj)
			}
			continue
		}

		f.Set(tmp, obj)
		slot := rng.Intn(w.retained)
		prev := f.Get(slot)
		if prev != 0 && h.TypeOf(prev) == nodeType {
			if d := h.ReadWord(prev, 1); d < uint64(w.depth) {
				h.WriteRef(obj, 0, prev)
				h.WriteWord(obj, 1, d+1)
			}
		}
		f.Set(slot, obj)
		f.Set(tmp, 0)
	}
	return nil
}

func printStatistics(h *gc.Heap, elapsed time.Duration) {
	stats := h.GetHeapStatistics()
	var gcs gc.GCStats
	h.ReadGCStats(&gcs)

	fmt.Printf("elapsed:      %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("allocated:    %s in %d objects\n", bytesize.New(float64(stats.AllocatedBytes)), stats.AllocatedObjects)
	fmt.Printf("heap size:    %s (committed %s, %d segments)\n", bytesize.New(float64(stats.TotalSize)), bytesize.New(float64(stats.Committed)), stats.Segments)
	for g := gc.Gen0; g <= gc.POH; g++ {
		gs := stats.Generations[g]
		fmt.Printf("  %-4s size %-10s budget %-10s collections %d\n", g, bytesize.New(float64(gs.Size)), bytesize.New(float64(gs.Budget)), gs.Collections)
	}
	fmt.Printf("collections:  %d (%d background)\n", stats.Collections, stats.BackgroundCollections)
	fmt.Printf("pause total:  %s\n", stats.PauseTotal)
	if len(gcs.Pause) > 0 {
		fmt.Printf("last pause:   %s\n", gcs.Pause[0])
	}
	fmt.Printf("promoted:     %s\n", bytesize.New(float64(stats.PromotedBytes)))
}

func printConfig(cfg config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func printMetrics() {
	for _, d := range metrics.All() {
		cumulative := ""
		if d.Cumulative {
			cumulative = " (cumulative)"
		}
		fmt.Printf("%-36s %-18s %s%s\n", d.Name, d.Kind, d.Description, cumulative)
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "No command-line arguments supplied.")
		usage("")
		os.Exit(1)
	}

	configPath := flag.String("config", "", "YAML configuration file")
	settings := flag.String("set", "", "space-separated key=value options, applied after the file and the environment")
	threads := flag.Int("threads", 4, "number of mutator threads")
	allocs := flag.Int("allocs", 1_000_000, "allocations per thread")
	retained := flag.Int("retained", 4096, "number of root slots per thread")
	depth := flag.Int("depth", 16, "maximum length of a retained node chain")
	large := flag.Int("large", 5000, "allocate a large object every this many allocations (0 disables)")
	pinned := flag.Int("pinned", 20000, "allocate a pinned object every this many allocations (0 disables)")
	final := flag.Int("finalizers", 1000, "allocate a finalizable object every this many allocations (0 disables)")
	verify := flag.Bool("verify", false, "verify the heap after the workload")
	profilePath := flag.String("heapprofile", "", "write a pprof heap profile to this file")
	flag.Usage = func() { usage("") }
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		fmt.Fprintln(os.Stderr, "No command supplied.")
		usage("")
		os.Exit(1)
	}

	var err error
	switch command {
	case "run":
		if *threads < 1 || *retained < 1 {
			fmt.Fprintln(os.Stderr, "-threads and -retained must be at least 1")
			os.Exit(1)
		}
		var cfg config.Config
		cfg, err = loadConfig(*configPath, *settings)
		if err == nil {
			err = run(cfg, workload{
				threads:  *threads,
				allocs:   *allocs,
				retained: *retained,
				depth:    *depth,
				large:    *large,
				pinned:   *pinned,
				final:    *final,
				verify:   *verify,
			}, *profilePath)
		}
	case "config":
		var cfg config.Config
		cfg, err = loadConfig(*configPath, *settings)
		if err == nil {
			err = printConfig(cfg)
		}
	case "metrics":
		printMetrics()
	case "help":
		usage(flag.Arg(1))
	default:
		fmt.Fprintln(os.Stderr, "Unknown command:", command)
		usage("")
		os.Exit(1)
	}
	if err != nil {
		diagnostics.Print(err)
		os.Exit(1)
	}
}
