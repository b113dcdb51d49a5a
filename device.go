package rtaccel

// DeviceAddress is a GPU-visible address of a buffer or an acceleration
// structure. Addresses are produced by the device layer and are opaque to
// this package beyond offset arithmetic.
type DeviceAddress uint64

// BufferUsage describes what a buffer created through the Device will be
// used for. The device layer maps these onto its own usage/access flags.
type BufferUsage uint32

const (
	BufferUsageAccelStorage BufferUsage = 1 << iota // holds a built acceleration structure
	BufferUsageAccelScratch                         // transient build scratch memory
	BufferUsageAccelInput                           // build input read by the AS builder (instances, AABBs, transforms)
	BufferUsageShaderRead                           // read by shading code (surface tables)
	BufferUsageTransferDst                          // written via Recorder.WriteBuffer
)

// BufferHandle is an opaque GPU buffer owned by the device layer. Destroy
// must not release device memory while GPU commands referencing the buffer
// may still execute; the pool defers Destroy calls behind a frame guard for
// exactly that reason.
type BufferHandle interface {
	Size() uint64
	Address() DeviceAddress
	Destroy()
}

// BuildSizes is the result of a device build-size query for one
// acceleration-structure build.
type BuildSizes struct {
	StructureSize uint64
	ScratchSize   uint64
}

// DeviceLimits are the device properties this package depends on.
type DeviceLimits struct {
	// ScratchAlignment is the minimum alignment for acceleration structure
	// scratch addresses. Every scratch reservation starts at a multiple of it.
	ScratchAlignment uint64

	// MaxPrimitiveCount is the largest primitive count accepted for a single
	// geometry entry. Entries above it are skipped with a diagnostic.
	MaxPrimitiveCount uint32

	// MaxInstanceCount is the largest instance count accepted for a TLAS build.
	MaxInstanceCount uint32
}

// DeviceFeatures are optional capabilities of the device layer.
type DeviceFeatures struct {
	// TLASUpdate enables incremental TLAS refit when the instance set shape
	// is unchanged from the previous frame. Without it every TLAS build is a
	// full build.
	TLASUpdate bool
}

// Device is the allocation capability consumed from the device layer.
// Allocation failure is fatal to the frame: acceleration structure buffers
// cannot be partially created.
type Device interface {
	CreateBuffer(size uint64, usage BufferUsage, label string) (BufferHandle, error)
	QueryBuildSizes(input *BuildInput) (BuildSizes, error)
	Limits() DeviceLimits
	Features() DeviceFeatures
}

// PipelineStage and AccessFlags mirror the barrier vocabulary of the
// command layer.
type PipelineStage uint32

const (
	StageTransfer PipelineStage = 1 << iota
	StageAccelBuild
	StageRayTracing
	StageCompute
)

type AccessFlags uint32

const (
	AccessTransferWrite AccessFlags = 1 << iota
	AccessShaderRead
	AccessAccelRead
	AccessAccelWrite
)

// AccessKind classifies how an in-flight command list uses a tracked
// resource.
type AccessKind uint8

const (
	AccessTrackRead AccessKind = iota
	AccessTrackWrite
)

// BuildMode selects between a full build and an incremental update (refit).
type BuildMode uint8

const (
	BuildModeBuild BuildMode = iota
	BuildModeUpdate
)

// BuildCommand is one recorded acceleration structure build. Dst receives
// the structure; Src is the structure being refitted when Mode is
// BuildModeUpdate, nil otherwise. ScratchAddress points into the shared
// per-frame scratch buffer.
type BuildCommand struct {
	Input          *BuildInput
	Mode           BuildMode
	Dst            BufferHandle
	Src            BufferHandle
	ScratchAddress DeviceAddress
}

// Recorder is the command/barrier layer this package records into. All
// recorded work executes asynchronously on the GPU after submission; the
// recorder's resource tracking keeps handles alive until the list retires.
type Recorder interface {
	WriteBuffer(dst BufferHandle, offset uint64, data []byte)
	BuildAccelerationStructures(cmds []BuildCommand)
	InsertBarrier(srcStage PipelineStage, srcAccess AccessFlags, dstStage PipelineStage, dstAccess AccessFlags)
	TrackResource(h BufferHandle, access AccessKind)
}
