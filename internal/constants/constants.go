// Package constants holds default configuration values for the dispatch
// engine, shared between the CLI surface, the resource manager, and the
// software/hardware compute backends.
package constants

import "time"

// Default geometry inputs. Device negotiation (internal/vkapi) narrows
// these against the actual
// device-reported limits; these are the values used before any device is
// consulted, and the floor/ceiling clamps applied afterward.
const (
	// DefaultMaxMemoryFraction is the fraction of the device-local heap the
	// engine may consume absent an explicit --max-memory override.
	DefaultMaxMemoryFraction = 0.8

	// MemorySafetyReserveBytes is subtracted from the reported heap budget
	// before geometry is sized, leaving headroom for driver overhead and
	// other heap consumers.
	MemorySafetyReserveBytes = 64 * 1024 * 1024

	// WorkgroupSizeCeiling bounds the workgroup size the engine will pick,
	// independent of what the device reports supporting, to keep shader
	// specialisation-constant recompilation costs bounded.
	WorkgroupSizeCeiling = 256

	// DefaultWorkgroupCount is the largest workgroup count geometry
	// negotiation tries; it is halved until the slots fit the memory
	// budget.
	DefaultWorkgroupCount = 64

	// DefaultInoutsPerBuffer and DefaultBuffersPerHeap set the default
	// pipelining depth (InoutsPerHeap = InoutsPerBuffer * BuffersPerHeap)
	// before memory-budget clamping.
	DefaultInoutsPerBuffer = 4
	DefaultBuffersPerHeap  = 4

	// BytesPerStartValue and BytesPerStopTime are the wire sizes of the
	// per-candidate input/output entries.
	BytesPerStartValue = 16
	BytesPerStopTime   = 2
)

// Timing constants governing the dispatch loop's suspension points.
const (
	// ShutdownDrainTimeout bounds how long the engine waits for a single
	// in-flight slot to finish draining before giving up on it and moving
	// on, so a lost GPU cannot hang shutdown indefinitely. The
	// steady-state path waits with no timeout at all.
	ShutdownDrainTimeout = 2 * time.Second
)

// Persisted file names, all resolved relative to the working directory.
const (
	DebugLogFileName      = "debug.log"
	PipelineCacheFileName = "pipeline_cache.bin"
	PositionFileName      = "position.txt"
)

// CancelKeyByte is the single byte the input-watcher thread looks for on
// standard input to request cancellation.
const CancelKeyByte = 'q'

// StartValueFloor is the first StartValue of a fresh (or --restart-count)
// scan.
const StartValueFloor = 1
