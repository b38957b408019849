// Package collatzgpu provides the main API for running the GPU-accelerated
// Collatz record search: it wires device selection, resource allocation,
// the dispatch pipeline, record tracking, and resume-state persistence
// into one owning Engine.
package collatzgpu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
	"github.com/ehrlich-b/collatz-gpu/internal/constants"
	"github.com/ehrlich-b/collatz-gpu/internal/dispatch"
	"github.com/ehrlich-b/collatz-gpu/internal/interfaces"
	"github.com/ehrlich-b/collatz-gpu/internal/logging"
	"github.com/ehrlich-b/collatz-gpu/internal/platform"
	"github.com/ehrlich-b/collatz-gpu/internal/resources"
	"github.com/ehrlich-b/collatz-gpu/internal/vkapi"
	"github.com/ehrlich-b/collatz-gpu/internal/wire"
)

// Logger is the minimal logging surface the engine calls. The default
// implementation is internal/logging's Logger.
type Logger = interfaces.Logger

// PipelineObserver receives dispatch pipeline events; MetricsObserver is
// the standard implementation.
type PipelineObserver = interfaces.Observer

// Params contains parameters for creating a search engine.
type Params struct {
	// Search configuration
	MaxMemoryFraction float64 // Fraction of device-local heap to use (default: 0.8)
	IterSize          int     // Requested shader arithmetic width: 64, 128, or 256 (default: 128); validated only, the shader always uses two 64-bit limbs

	// Optional shader features. The Vulkan backend logs which of these the
	// device supports; the shader's arithmetic does not change.
	PreferInt16 bool // Prefer 16-bit arithmetic where the device supports it
	PreferInt64 bool // Prefer 64-bit arithmetic where the device supports it

	// Debug instrumentation
	ExtensionLayers   bool // Enable instance extension layers
	ProfileLayers     bool // Enable profiling layers
	ValidationLayers  bool // Enable Vulkan validation layers
	QueryBenchmarking bool // Enable GPU timestamp queries
	LogAllocations    bool // Trace every host allocation
	CapturePipelines  bool // Dump compiled pipeline binaries

	// Resume behaviour
	RestartCount bool   // Ignore persisted position and restart from 1
	WorkDir      string // Directory for persisted files (default: ".")

	// CancelKey is the stdin byte that requests cooperative cancellation.
	CancelKey byte
}

// DefaultParams returns default engine parameters.
func DefaultParams() Params {
	return Params{
		MaxMemoryFraction: constants.DefaultMaxMemoryFraction,
		IterSize:          DefaultIterSize,
		WorkDir:           ".",
		CancelKey:         constants.CancelKeyByte,
	}
}

// Options contains additional options for engine creation.
type Options struct {
	// Context for cancellation (if nil, uses context.Background())
	Context context.Context

	// Logger for debug/info messages (if nil, uses logging.Default())
	Logger Logger

	// Observer for metrics collection (if nil, uses a metrics observer)
	Observer PipelineObserver

	// Backend overrides backend selection. If nil, the engine tries the
	// real Vulkan backend first and falls back to the software backend
	// when the binary was built without vulkan support.
	Backend vkapi.Backend
}

// Engine owns the full search: the compute backend, the dispatch loop,
// the record log, and the persisted resume state. Create it with
// CreateEngine, drive it with Run, and release it with Close.
type Engine struct {
	params Params

	backend    vkapi.Backend
	geom       vkapi.Geometry
	dispatcher *dispatch.Engine

	logger   Logger
	metrics  *Metrics
	observer PipelineObserver

	teardown *resources.Teardown

	ctx    context.Context
	cancel context.CancelFunc

	started bool
}

// CreateEngine initialises the compute backend, negotiates geometry, and
// prepares the dispatch pipeline starting from the persisted position (or
// a fresh one when params.RestartCount is set). Initialisation failures
// are hard: nothing is retried, and a partially constructed backend is
// unwound before returning.
func CreateEngine(ctx context.Context, params Params, options *Options) (*Engine, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	var logger Logger = logging.Default()
	if options.Logger != nil {
		logger = options.Logger
	}

	metrics := NewMetrics()
	var observer PipelineObserver = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	if params.WorkDir == "" {
		params.WorkDir = "."
	}
	if params.CancelKey == 0 {
		params.CancelKey = constants.CancelKeyByte
	}
	if params.MaxMemoryFraction <= 0 || params.MaxMemoryFraction > 1 {
		return nil, NewError("create-engine", ErrCodeInvalidParameters,
			fmt.Sprintf("max memory fraction %v outside (0,1]", params.MaxMemoryFraction))
	}
	switch params.IterSize {
	case 0:
		params.IterSize = DefaultIterSize
	case 64, 128, 256:
	default:
		return nil, NewError("create-engine", ErrCodeInvalidParameters,
			fmt.Sprintf("iter size %d not one of 64, 128, 256", params.IterSize))
	}

	position, err := loadPosition(params, logger)
	if err != nil {
		return nil, WrapError("load-position", err)
	}

	teardown := resources.NewTeardown()
	backend, geom, err := initBackend(params, options.Backend, logger)
	if err != nil {
		teardown.Unwind()
		return nil, WrapError("init-backend", err)
	}
	teardown.Push("backend", backend.Close)

	logger.Printf("selected device %q: %d slots of %d values (%d MiB host-visible, %d MiB device-local)",
		geom.DeviceName, geom.InoutsPerHeap, geom.ValuesPerInout,
		geom.BytesPerHostVisibleMemory>>20, geom.BytesPerDeviceLocalMemory>>20)
	if !geom.HostMemoryCoherent {
		logger.Printf("host-visible memory is non-coherent; explicit flush/invalidate enabled")
	}

	dispatcher := dispatch.New(dispatch.Config{
		Backend:  backend,
		Geometry: geom,
		Logger:   logger,
		Observer: observer,
	}, position)

	engine := &Engine{
		params:     params,
		backend:    backend,
		geom:       geom,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    metrics,
		observer:   observer,
		teardown:   teardown,
	}
	engine.ctx, engine.cancel = context.WithCancel(ctx)
	return engine, nil
}

// initBackend picks the compute backend: an explicit override, the real
// Vulkan backend, or the software fallback when vulkan support was not
// compiled in.
func initBackend(params Params, override vkapi.Backend, logger Logger) (vkapi.Backend, vkapi.Geometry, error) {
	opts := vkapi.InitOptions{
		MaxMemoryFraction: params.MaxMemoryFraction,
		IterSize:          params.IterSize,
		PreferInt16:       params.PreferInt16,
		PreferInt64:       params.PreferInt64,
		ExtensionLayers:   params.ExtensionLayers,
		ProfileLayers:     params.ProfileLayers,
		ValidationLayers:  params.ValidationLayers,
		QueryBenchmarking: params.QueryBenchmarking,
		LogAllocations:    params.LogAllocations,
		CapturePipelines:  params.CapturePipelines,
		PipelineCachePath: filepath.Join(params.WorkDir, constants.PipelineCacheFileName),
	}

	if override != nil {
		geom, err := override.Init(opts)
		if err != nil {
			return nil, vkapi.Geometry{}, err
		}
		return override, geom, nil
	}

	vulkan := vkapi.NewVulkanBackend()
	geom, err := vulkan.Init(opts)
	if err == nil {
		return vulkan, geom, nil
	}
	if !errors.Is(err, vkapi.ErrVulkanUnavailable) {
		_ = vulkan.Close()
		return nil, vkapi.Geometry{}, err
	}

	logger.Printf("vulkan support not built in; using software compute backend")
	candidate := vkapi.DefaultSoftwareCandidate()
	softGeom, err := vkapi.NegotiateGeometry(candidate, opts)
	if err != nil {
		return nil, vkapi.Geometry{}, err
	}
	software := vkapi.NewSoftwareBackend(softGeom)
	if _, err := software.Init(opts); err != nil {
		return nil, vkapi.Geometry{}, err
	}
	return software, softGeom, nil
}

// loadPosition reads position.txt from the working directory, treating a
// missing or unparseable file as a fresh start; any other failure to open
// it is returned. RestartCount skips the read entirely.
func loadPosition(params Params, logger Logger) (wire.Position, error) {
	if params.RestartCount {
		logger.Printf("restart requested; ignoring persisted position")
		return wire.FreshPosition(), nil
	}

	path := filepath.Join(params.WorkDir, constants.PositionFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("no %s; starting fresh scan from 1", constants.PositionFileName)
			return wire.FreshPosition(), nil
		}
		return wire.Position{}, err
	}
	defer f.Close()

	position, err := wire.ReadPosition(f, func(warning string) {
		logger.Printf("%s: %s", constants.PositionFileName, warning)
	})
	if err != nil {
		logger.Printf("unreadable %s (%v); starting fresh scan from 1", constants.PositionFileName, err)
		return wire.FreshPosition(), nil
	}
	logger.Printf("resuming scan at %s (best stopping time %d)",
		position.CurStartValue.String(), position.BestStopTime)
	return position, nil
}

// WatchCancelKey starts the input-watcher goroutine: it reads single
// bytes from r until it sees the configured cancel key, which sets the
// dispatcher's cancellation flag, or until a read fails (including EOF),
// which ends the watch without cancelling. The goroutine holds no
// locks and shares only that one atomic flag with the dispatch loop.
func (e *Engine) WatchCancelKey(r io.Reader) {
	flag := e.dispatcher.CancelFlag()
	key := e.params.CancelKey
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := r.Read(buf)
			if n == 1 && buf[0] == key {
				e.logger.Printf("cancellation requested; draining in-flight work")
				flag.Store(true)
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Run drives the dispatch loop until cancellation or a hard backend
// failure, then persists the updated position and record log. Persistence
// failures are logged and swallowed: losing the last few dispatches to a
// re-scan is preferable to refusing to exit.
func (e *Engine) Run() error {
	if e.started {
		return NewError("run", ErrCodeInvalidParameters, "engine already ran")
	}
	e.started = true

	start := time.Now()
	runErr := e.dispatcher.Run(e.ctx)
	e.metrics.Stop()

	records := e.dispatcher.Records()
	position := e.dispatcher.Position()
	e.logger.Printf("scan stopped after %v: %d records, next start value %s",
		time.Since(start).Round(time.Millisecond), len(records), position.CurStartValue.String())

	if e.params.QueryBenchmarking {
		e.logger.Printf("last GPU compute duration: %v", e.backend.LastComputeDuration())
	}

	if err := e.saveProgress(position, records); err != nil {
		e.logger.Printf("failed to persist progress: %v", err)
		e.logRecentRecords(records)
	}

	if runErr != nil {
		return WrapError("dispatch-loop", runErr)
	}
	return nil
}

// saveProgress writes position.txt atomically: the resume position plus
// the discovered records as comment lines the next load skips.
func (e *Engine) saveProgress(position wire.Position, records []wire.Record) error {
	path := filepath.Join(e.params.WorkDir, constants.PositionFileName)
	data, err := wire.MarshalProgress(position, records)
	if err != nil {
		return err
	}
	return platform.WriteFileAtomic(path, data, 0o644)
}

// logRecentRecords dumps the tail of the record log so a failed progress
// write still leaves the newest discoveries in debug.log.
func (e *Engine) logRecentRecords(records []wire.Record) {
	const tail = 10
	start := 0
	if len(records) > tail {
		start = len(records) - tail
	}
	for _, rec := range records[start:] {
		e.logger.Printf("unsaved record: start=%s stop_time=%d", rec.StartValue.String(), rec.StopTime)
	}
}

// Close releases every backend resource in reverse acquisition order. It
// is safe to call after a failed Run; it never blocks on in-flight GPU
// work beyond the backend's own shutdown drain.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	errs := e.teardown.Unwind()
	for _, err := range errs {
		e.logger.Printf("teardown: %v", err)
	}
	if len(errs) > 0 {
		return WrapError("close", errs[0])
	}
	return nil
}

// Cancel requests cooperative cancellation, exactly as the cancel key
// would.
func (e *Engine) Cancel() {
	e.dispatcher.CancelFlag().Store(true)
}

// Geometry returns the negotiated device geometry.
func (e *Engine) Geometry() vkapi.Geometry {
	return e.geom
}

// Records returns the in-memory record log in discovery order.
func (e *Engine) Records() []wire.Record {
	return e.dispatcher.Records()
}

// Position returns the engine's current resume state.
func (e *Engine) Position() wire.Position {
	return e.dispatcher.Position()
}

// BestStopTime returns the largest stopping time observed so far.
func (e *Engine) BestStopTime() collatz.StopTime {
	return e.dispatcher.Position().BestStopTime
}

// Metrics returns the engine's metrics instance.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// MetricsSnapshot returns a point-in-time copy of the engine's metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}
