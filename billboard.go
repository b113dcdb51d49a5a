package rtaccel

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Billboard is one camera-oriented quad (a particle, beam segment or
// similar) that shading re-intersects as an analytic primitive instead of
// tracing its triangles. Billboards come from the scene manager's particle
// analysis; each references the instance whose draw produced it.
type Billboard struct {
	Instance *SceneInstance

	Center mgl32.Vec3
	XAxis  mgl32.Vec3
	YAxis  mgl32.Vec3
	Width  float32
	Height float32

	Mask uint8

	// IsBeam marks a cylindrical billboard stretched along YAxis; the
	// intersection primitive is oriented rather than scaled uniformly.
	IsBeam bool

	// IsCameraFacing is carried into the device record for the shader's
	// orientation correction.
	IsCameraFacing bool

	// AllowIntersectionPrimitive gates emission entirely; analysis marks
	// billboards that would alias badly as intersection primitives.
	AllowIntersectionPrimitive bool
}

const (
	billboardFlagIsBeam         = 1 << 0
	billboardFlagIsCameraFacing = 1 << 1
)

// billboardRecordSize is the device layout size of one billboard entry.
const billboardRecordSize = 64

// unit AABB fed to the shared intersection structure.
const aabbPositionsSize = 24

// billboardSet owns the shared unit-AABB intersection structure and the
// per-frame billboard table. One structure serves every billboard; each
// TLAS instance scales and orients it into place.
type billboardSet struct {
	device Device
	log    Logger
	retire func(BufferHandle)

	blas    BufferHandle
	aabbBuf BufferHandle

	recordBuf BufferHandle
	count     uint32
}

func newBillboardSet(device Device, log Logger, retire func(BufferHandle)) *billboardSet {
	return &billboardSet{device: device, log: log, retire: retire}
}

// planIntersectionBlas lazily creates and plans the build of the shared
// intersection structure. It runs once; later frames reuse the built
// structure untouched.
func (b *billboardSet) planIntersectionBlas(rec Recorder, scratch *ScratchAllocator, flags BuildFlags) (*pendingBuild, error) {
	if b.blas != nil {
		return nil, nil
	}

	var err error
	b.aabbBuf, err = b.device.CreateBuffer(aabbPositionsSize, BufferUsageAccelInput|BufferUsageTransferDst, "Intersection AABB")
	if err != nil {
		return nil, fmt.Errorf("%w: intersection AABB: %v", ErrAllocationFailed, err)
	}

	data := make([]byte, aabbPositionsSize)
	for i, f := range [6]float32{-1, -1, -1, 1, 1, 1} {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	rec.WriteBuffer(b.aabbBuf, 0, data)
	rec.TrackResource(b.aabbBuf, AccessTrackWrite)

	input := &BuildInput{
		Kind:  AccelBottomLevel,
		Flags: flags,
		Geometries: []GeometryDescriptor{{
			Data:  AABBsData{DataAddress: b.aabbBuf.Address(), Stride: aabbPositionsSize},
			Flags: GeometryOpaque,
			Range: BuildRange{PrimitiveCount: 1},
		}},
	}

	sizes, err := b.device.QueryBuildSizes(input)
	if err != nil {
		return nil, fmt.Errorf("%w: intersection structure: %v", ErrBuildSizeQueryFailed, err)
	}

	b.blas, err = b.device.CreateBuffer(sizes.StructureSize, BufferUsageAccelStorage, "BLAS Intersection")
	if err != nil {
		return nil, fmt.Errorf("%w: intersection structure (%d bytes): %v", ErrAllocationFailed, sizes.StructureSize, err)
	}
	b.log.Debugf("intersection structure built: %d bytes", sizes.StructureSize)

	return &pendingBuild{
		cmd: BuildCommand{
			Input: input,
			Mode:  BuildModeBuild,
			Dst:   b.blas,
		},
		scratchOffset: scratch.Reserve(sizes.ScratchSize),
	}, nil
}

func (b *billboardSet) built() bool { return b.blas != nil }

// collect turns the frame's billboards into unordered TLAS instance
// records and the device billboard table. surfaceSlot resolves a
// billboard's owning instance to its slot this frame; billboards whose
// instance got no slot are skipped.
func (b *billboardSet) collect(rec Recorder, tlas *tlasAssembler, billboards []Billboard, surfaceSlot func(*SceneInstance) uint32) error {
	b.count = 0
	if len(billboards) == 0 {
		return nil
	}

	data := make([]byte, 0, len(billboards)*billboardRecordSize)

	for i := range billboards {
		bb := &billboards[i]
		if bb.Mask == 0 || !bb.AllowIntersectionPrimitive {
			continue
		}
		slot := InvalidSurfaceIndex
		if bb.Instance != nil {
			slot = surfaceSlot(bb.Instance)
		}
		if slot == InvalidSurfaceIndex {
			continue
		}

		tlas.append(TlasUnordered, TLASInstance{
			Transform:   bb.primitiveTransform(),
			CustomIndex: b.count,
			Mask:        bb.Mask,
			BlasAddress: b.blas.Address(),
		})

		data = append(data, make([]byte, billboardRecordSize)...)
		bb.encodeRecord(data[len(data)-billboardRecordSize:], slot)
		b.count++
	}

	if b.count == 0 {
		return nil
	}

	var err error
	b.recordBuf, err = ensureBuffer(b.device, b.log, b.retire, b.recordBuf,
		uint64(len(data)), BufferUsageShaderRead|BufferUsageTransferDst, "Billboard Buffer")
	if err != nil {
		return err
	}
	rec.WriteBuffer(b.recordBuf, 0, data)
	rec.TrackResource(b.recordBuf, AccessTrackWrite)
	return nil
}

// primitiveTransform maps the unit AABB onto the billboard's footprint.
func (bb *Billboard) primitiveTransform() Transform3x4 {
	if bb.IsBeam {
		// Orient the primitive so its local X and Y axes match the beam's;
		// the beam is cylindrical, so its width applies to both the X and
		// Z axes.
		x := bb.XAxis.Mul(bb.Width * 0.5)
		y := bb.YAxis.Mul(bb.Height * 0.5)
		z := bb.XAxis.Cross(bb.YAxis).Normalize().Mul(bb.Width * 0.5)
		return transformFromColumns(x, y, z, bb.Center)
	}
	// The conservative size would be the quad's diagonal, but particle
	// textures are usually round, so the largest side causes fewer
	// unnecessary ray interactions and works well in practice.
	r := bb.Width
	if bb.Height > r {
		r = bb.Height
	}
	r *= 0.5
	return transformFromColumns(
		mgl32.Vec3{r, 0, 0},
		mgl32.Vec3{0, r, 0},
		mgl32.Vec3{0, 0, r},
		bb.Center,
	)
}

// encodeRecord packs the shader-visible billboard entry.
func (bb *Billboard) encodeRecord(dst []byte, surfaceSlot uint32) {
	putVec3 := func(off int, v mgl32.Vec3) {
		binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(v.X()))
		binary.LittleEndian.PutUint32(dst[off+4:], math.Float32bits(v.Y()))
		binary.LittleEndian.PutUint32(dst[off+8:], math.Float32bits(v.Z()))
	}
	putVec3(0, bb.Center)
	binary.LittleEndian.PutUint32(dst[12:], surfaceSlot)
	putVec3(16, bb.XAxis)
	binary.LittleEndian.PutUint32(dst[28:], math.Float32bits(2/bb.Width))
	putVec3(32, bb.YAxis)
	binary.LittleEndian.PutUint32(dst[44:], math.Float32bits(2/bb.Height))

	var flags uint32
	if bb.IsBeam {
		flags |= billboardFlagIsBeam
	}
	if bb.IsCameraFacing {
		flags |= billboardFlagIsCameraFacing
	}
	binary.LittleEndian.PutUint32(dst[48:], flags)
}

func (b *billboardSet) destroy() {
	for _, buf := range []BufferHandle{b.blas, b.aabbBuf, b.recordBuf} {
		if buf != nil {
			buf.Destroy()
		}
	}
	b.blas, b.aabbBuf, b.recordBuf = nil, nil, nil
	b.count = 0
}
