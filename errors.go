package rtaccel

import "errors"

// Fatal failures. GPU state is undefined after any of these; the frame's
// acceleration structure step is abandoned and the error surfaces to the
// caller.
var (
	ErrAllocationFailed     = errors.New("rtaccel: device buffer allocation failed")
	ErrBuildSizeQueryFailed = errors.New("rtaccel: acceleration structure build size query failed")
	ErrDeviceLost           = errors.New("rtaccel: graphics device lost")
)

// ErrSurfaceIndexOverflow is a configuration error: the frame produced more
// surface slots than the custom-index bit width can encode. The TLAS build
// is rejected rather than silently truncating indices.
var ErrSurfaceIndexOverflow = errors.New("rtaccel: surface count exceeds custom index bit width")
