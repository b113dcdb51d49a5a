package rtaccel

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// InstanceID is the stable identity of a scene object across frames. The
// scene manager owns assignment; NewInstanceID is a convenience for callers
// that have no natural key of their own.
type InstanceID string

func NewInstanceID() InstanceID {
	return InstanceID(uuid.NewString())
}

// InstanceFlags are the per-instance traversal flags written into TLAS
// instance records.
type InstanceFlags uint8

const (
	InstanceTriangleFacingCullDisable InstanceFlags = 1 << iota
	InstanceTriangleFlipFacing
	InstanceForceOpaque
	InstanceForceNonOpaque
)

// SceneInstance is one drawable object for the current frame, handed in by
// the scene manager. It is read-only to this package within a frame; all
// cross-frame state keyed by ID lives inside the manager.
type SceneInstance struct {
	ID InstanceID

	// Transform is the object-to-world matrix for this frame.
	Transform mgl32.Mat4

	// Geometry is the build geometry derived from the instance's buffers.
	// All entries must be bottom-level build geometry (triangles or AABBs).
	Geometry []GeometryDescriptor

	Mask              uint8
	Flags             InstanceFlags
	ShaderTableOffset uint32

	// CustomIndexFlags occupy the custom-index bits above the surface slot
	// (material type and similar shading classification).
	CustomIndexFlags uint32

	// Unordered routes the instance into the translucent/approximation TLAS
	// category, which shading traverses with different rules.
	Unordered bool

	// MirroredTransform flips triangle facing in the instance record.
	MirroredTransform bool

	// GeometryUpdated marks that the vertex contents changed this frame, so
	// a persistent structure needs at least a refit.
	GeometryUpdated bool

	// Dynamic-classification inputs.
	SkinnedBoneCount  int
	LinkedCount       int
	ReplicaTransforms []mgl32.Mat4 // point-instancer replicas, object-local

	// BillboardCount keeps zero-mask instances alive in the surface table
	// when shading still needs their billboard data.
	BillboardCount int
}

// PrimitiveCount sums the primitives across the instance's geometry.
func (s *SceneInstance) PrimitiveCount() uint32 {
	var total uint32
	for i := range s.Geometry {
		total += s.Geometry[i].Range.PrimitiveCount
	}
	return total
}

// effectiveFlags folds transform-derived adjustments into the record
// flags: a mirrored object-to-world transform flips triangle facing.
func (s *SceneInstance) effectiveFlags() InstanceFlags {
	flags := s.Flags
	if s.MirroredTransform {
		flags ^= InstanceTriangleFlipFacing
	}
	return flags
}

// buildInput assembles the BLAS build input for this instance's geometry.
func (s *SceneInstance) buildInput(flags BuildFlags) *BuildInput {
	in := &BuildInput{Kind: AccelBottomLevel, Flags: flags}
	in.Geometries = append(in.Geometries, s.Geometry...)
	return in
}
