package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	collatzgpu "github.com/ehrlich-b/collatz-gpu"
	"github.com/ehrlich-b/collatz-gpu/internal/logging"
	"github.com/ehrlich-b/collatz-gpu/internal/platform"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		outputLevel  = flag.String("output-level", "default", "Console verbosity: silent, quiet, default, verbose")
		colourLevel  = flag.String("colour-level", "none", "ANSI colouring: none, tty, all")
		iterSize     = flag.Int("iter-size", collatzgpu.DefaultIterSize, "Shader arithmetic width: 64, 128, or 256")
		maxMemory    = flag.Float64("max-memory", collatzgpu.DefaultMaxMemoryFraction, "Fraction of device-local heap to use, in (0,1]")
		preferInt16  = flag.Bool("prefer-int16", false, "Use 16-bit shader arithmetic when available")
		preferInt64  = flag.Bool("prefer-int64", false, "Use 64-bit shader arithmetic when available")
		extLayers    = flag.Bool("extension-layers", false, "Enable instance extension layers")
		profLayers   = flag.Bool("profile-layers", false, "Enable profiling layers")
		validLayers  = flag.Bool("validation-layers", false, "Enable Vulkan validation layers")
		queryBench   = flag.Bool("query-benchmarking", false, "Enable GPU timestamp queries and print durations")
		logAllocs    = flag.Bool("log-allocations", false, "Trace every host allocation")
		capturePipes = flag.Bool("capture-pipelines", false, "Dump compiled pipeline binaries")
		restartCount = flag.Bool("restart-count", false, "Ignore the persisted position and restart from 1")
	)

	// The flag package aborts on unrecognised options; the contract here
	// is warn-and-ignore, so unknown --flags are stripped before Parse.
	args, unknown := stripUnknownFlags(os.Args[1:])
	os.Args = append([]string{os.Args[0]}, args...)
	flag.Parse()

	outLvl, err := logging.ParseOutputLevel(*outputLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v; using default\n", err)
	}
	colLvl, err := logging.ParseColourLevel(*colourLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v; colouring disabled\n", err)
	}

	debugLog, err := platform.OpenAppend(collatzgpu.DebugLogFileName, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open %s (%v); file logging disabled\n",
			collatzgpu.DebugLogFileName, err)
		debugLog = nil
	} else {
		defer debugLog.Close()
	}

	logConfig := &logging.Config{
		Level:             logging.LevelDebug,
		Console:           os.Stderr,
		OutputLevel:       outLvl,
		ColourLevel:       colLvl,
		ConsoleIsTerminal: platform.IsTerminal(os.Stderr.Fd()),
	}
	if debugLog != nil {
		logConfig.Output = debugLog
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	for _, name := range unknown {
		logger.Warnf("unknown option %s ignored", name)
	}

	params := collatzgpu.DefaultParams()
	params.MaxMemoryFraction = *maxMemory
	params.IterSize = *iterSize
	params.PreferInt16 = *preferInt16
	params.PreferInt64 = *preferInt64
	params.ExtensionLayers = *extLayers
	params.ProfileLayers = *profLayers
	params.ValidationLayers = *validLayers
	params.QueryBenchmarking = *queryBench
	params.LogAllocations = *logAllocs
	params.CapturePipelines = *capturePipes
	params.RestartCount = *restartCount

	engine, err := collatzgpu.CreateEngine(context.Background(), params, nil)
	if err != nil {
		logger.Errorf("initialisation failed: %v", err)
		return 1
	}
	defer engine.Close()

	logger.Infof("press '%c' (then Enter on line-buffered terminals) to stop", params.CancelKey)
	engine.WatchCancelKey(os.Stdin)

	if err := engine.Run(); err != nil {
		logger.Errorf("search failed: %v", err)
		return 1
	}

	snap := engine.MetricsSnapshot()
	logger.Infof("done: %d records, %d values scanned in %.1fs",
		snap.Records, snap.FilledValues, snap.UptimeSeconds)
	return 0
}

// stripUnknownFlags removes --options this binary does not define,
// returning the cleaned argument list and the names that were dropped.
// Positional arguments and everything after a bare "--" pass through.
func stripUnknownFlags(args []string) (kept []string, unknown []string) {
	known := make(map[string]bool)
	flag.VisitAll(func(f *flag.Flag) { known[f.Name] = true })

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			kept = append(kept, args[i:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") {
			kept = append(kept, arg)
			continue
		}

		name := strings.TrimLeft(arg, "-")
		hasValue := false
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			name = name[:eq]
			hasValue = true
		}

		if known[name] {
			kept = append(kept, arg)
			continue
		}

		unknown = append(unknown, arg)
		// Swallow a separate value argument for unknown flags written as
		// "--flag value" so the value is not misread as positional.
		if !hasValue && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
		}
	}
	return kept, unknown
}
