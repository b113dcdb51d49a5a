package rtaccel

// GeometryKind discriminates the closed set of geometry variants a build
// can reference.
type GeometryKind uint8

const (
	GeometryTriangles GeometryKind = iota
	GeometryAABBs
	GeometryInstances
)

func (k GeometryKind) String() string {
	switch k {
	case GeometryTriangles:
		return "Triangles"
	case GeometryAABBs:
		return "AABBs"
	case GeometryInstances:
		return "Instances"
	}
	return "Unknown"
}

// VertexFormat is the position format of triangle vertex data.
type VertexFormat uint8

const (
	VertexFormatR32G32B32Float VertexFormat = iota
	VertexFormatR16G16B16A16Float
	VertexFormatR16G16B16A16Snorm
)

// IndexType is the element type of a triangle index buffer.
// IndexTypeNone marks non-indexed geometry.
type IndexType uint8

const (
	IndexTypeNone IndexType = iota
	IndexTypeUint16
	IndexTypeUint32
)

// GeometryFlags carry per-geometry build hints.
type GeometryFlags uint8

const (
	GeometryOpaque GeometryFlags = 1 << iota
	GeometryNoDuplicateAnyHit
)

// GeometryData is the closed sum of geometry payloads. Exactly the three
// types below implement it; build logic dispatches with a type switch.
type GeometryData interface {
	Kind() GeometryKind
	isGeometryData()
}

// TrianglesData describes a triangle mesh by device addresses into the
// caller's vertex/index buffers.
type TrianglesData struct {
	VertexAddress DeviceAddress
	VertexStride  uint64
	VertexFormat  VertexFormat
	MaxVertex     uint32

	// IndexAddress is zero and IndexType is IndexTypeNone for non-indexed
	// geometry.
	IndexAddress DeviceAddress
	IndexType    IndexType

	// TransformAddress optionally points at a row-major 3x4 transform
	// applied to the vertices at build time.
	TransformAddress DeviceAddress
}

func (TrianglesData) Kind() GeometryKind { return GeometryTriangles }
func (TrianglesData) isGeometryData()    {}

// AABBsData describes procedural geometry as an array of axis-aligned boxes
// (min.xyz, max.xyz pairs of float32).
type AABBsData struct {
	DataAddress DeviceAddress
	Stride      uint64
}

func (AABBsData) Kind() GeometryKind { return GeometryAABBs }
func (AABBsData) isGeometryData()    {}

// InstancesData references a device array of packed TLAS instance records.
type InstancesData struct {
	DataAddress DeviceAddress
}

func (InstancesData) Kind() GeometryKind { return GeometryInstances }
func (InstancesData) isGeometryData()    {}

// BuildRange selects the primitives of one geometry entry contributing to a
// build.
type BuildRange struct {
	PrimitiveCount  uint32
	PrimitiveOffset uint32
}

// GeometryDescriptor is one geometry entry of a build: payload, flags and
// primitive range.
type GeometryDescriptor struct {
	Data  GeometryData
	Flags GeometryFlags
	Range BuildRange
}

// AccelKind distinguishes bottom-level from top-level structures.
type AccelKind uint8

const (
	AccelBottomLevel AccelKind = iota
	AccelTopLevel
)

// BuildFlags carry per-build capabilities and performance hints.
type BuildFlags uint32

const (
	// BuildAllowUpdate must be set on the original build for any later
	// incremental update to be legal.
	BuildAllowUpdate BuildFlags = 1 << iota
	BuildPreferFastBuild
	BuildPreferFastTrace
	BuildLowMemory
)

// BuildInput is the full geometry description of one acceleration structure
// build. It is what the device sizes, what gets recorded, and what the
// update validator compares against the structure's previous build.
type BuildInput struct {
	Kind       AccelKind
	Flags      BuildFlags
	Geometries []GeometryDescriptor
}

// PrimitiveCount returns the total primitives across all geometry entries.
func (b *BuildInput) PrimitiveCount() uint32 {
	var total uint32
	for i := range b.Geometries {
		total += b.Geometries[i].Range.PrimitiveCount
	}
	return total
}

// Clone returns a deep copy. Pooled entries remember the input they were
// built with; the copy keeps that record stable if the caller mutates the
// original between frames.
func (b *BuildInput) Clone() *BuildInput {
	c := &BuildInput{Kind: b.Kind, Flags: b.Flags}
	c.Geometries = make([]GeometryDescriptor, len(b.Geometries))
	copy(c.Geometries, b.Geometries)
	return c
}
