package rtaccel

// Surface slots occupy the low bits of a TLAS instance's custom index; the
// bits above them carry shading classification flags.
const (
	SurfaceIndexBits = 21
	SurfaceIndexMask = (1 << SurfaceIndexBits) - 1
)

// InvalidSurfaceIndex fills surface-mapping slots with no current-frame
// counterpart.
const InvalidSurfaceIndex = ^uint32(0)

// Device buffers are sized in 64 KiB steps to keep grow-only reallocations
// infrequent.
const bufferAlignment = 64 * 1024

// Options tune the acceleration structure manager. The zero value is not
// usable directly; start from DefaultOptions.
type Options struct {
	Logger Logger

	// FramesToKeepBLAS is how long an untouched pooled BLAS survives before
	// garbage collection. Clamped to at least 2 while RetainPreviousTLAS is
	// set so structures stay alive for previous-frame TLAS access.
	FramesToKeepBLAS uint32

	// InFlightFrames is the depth of the GPU pipeline: a pooled entry
	// touched within this many frames may still be referenced by an
	// unretired command list and is not handed out again.
	InFlightFrames uint32

	// MaxPrimsInMergedBLAS keeps large meshes out of the merged builds that
	// run every frame; anything bigger is classified dynamic.
	MaxPrimsInMergedBLAS uint32

	// MinPrimsInDynamicBLAS avoids a swarm of tiny dynamic structures;
	// requests below it fall back to merging. Clamped to at least 100.
	MinPrimsInDynamicBLAS uint32

	// ForceMergeAllMeshes and MinimizeBlasMerging are the two extremes of
	// the classification policy, useful for per-title tuning.
	ForceMergeAllMeshes bool
	MinimizeBlasMerging bool

	// RetainPreviousTLAS keeps the ordinary-visibility TLAS of the previous
	// frame valid for one extra frame for temporally dependent shading.
	RetainPreviousTLAS bool

	// SeparateUnorderedTLAS routes unordered-approximation instances into
	// their own top-level category instead of the opaque one.
	SeparateUnorderedTLAS bool

	// LowMemoryGPU adds the low-memory build flag to every build.
	LowMemoryGPU bool
}

// DefaultOptions mirror the tuning the surrounding renderer ships with.
func DefaultOptions() Options {
	return Options{
		FramesToKeepBLAS:      4,
		InFlightFrames:        2,
		MaxPrimsInMergedBLAS:  50000,
		MinPrimsInDynamicBLAS: 500,
		RetainPreviousTLAS:    true,
		SeparateUnorderedTLAS: true,
	}
}

func (o *Options) normalize() {
	if o.Logger == nil {
		o.Logger = NewNopLogger()
	}
	if o.InFlightFrames == 0 {
		o.InFlightFrames = 1
	}
	if o.MinPrimsInDynamicBLAS < 100 {
		o.MinPrimsInDynamicBLAS = 100
	}
	minKeep := uint32(1)
	if o.RetainPreviousTLAS {
		minKeep = 2
	}
	if o.FramesToKeepBLAS < minKeep {
		o.FramesToKeepBLAS = minKeep
	}
}

// buildFlags returns the flags shared by every build this manager records.
func (o *Options) buildFlags() BuildFlags {
	flags := BuildPreferFastBuild
	if o.LowMemoryGPU {
		flags |= BuildLowMemory
	}
	return flags
}
