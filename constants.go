package collatzgpu

import "github.com/ehrlich-b/collatz-gpu/internal/constants"

// Re-export constants for public API
const (
	DefaultMaxMemoryFraction = constants.DefaultMaxMemoryFraction
	DefaultIterSize          = 128
	WorkgroupSizeCeiling     = constants.WorkgroupSizeCeiling
	BytesPerStartValue       = constants.BytesPerStartValue
	BytesPerStopTime         = constants.BytesPerStopTime
	DebugLogFileName         = constants.DebugLogFileName
	PipelineCacheFileName    = constants.PipelineCacheFileName
	PositionFileName         = constants.PositionFileName
	DefaultCancelKey         = constants.CancelKeyByte
)
