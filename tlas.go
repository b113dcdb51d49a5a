package rtaccel

import (
	"encoding/binary"
	"fmt"
)

// TlasCategory selects one of the two independent top-level trees built
// each frame. Shading traverses them with different rules.
type TlasCategory int

const (
	// TlasOpaque holds ordinarily-visible geometry.
	TlasOpaque TlasCategory = iota
	// TlasUnordered holds translucent/approximate-lighting geometry.
	TlasUnordered

	tlasCategoryCount
)

func (c TlasCategory) String() string {
	if c == TlasOpaque {
		return "TLAS_Opaque"
	}
	return "TLAS_Unordered"
}

// tlasInstanceSize is the fixed device layout size of one instance record.
const tlasInstanceSize = 64

// TLASInstance is one top-level instance record: a BLAS reference plus the
// per-instance traversal state, packed to the device's 64-byte layout.
type TLASInstance struct {
	Transform         Transform3x4
	CustomIndex       uint32 // low SurfaceIndexBits encode the surface slot
	Mask              uint8
	ShaderTableOffset uint32
	Flags             InstanceFlags
	BlasAddress       DeviceAddress
}

func (i *TLASInstance) encode(dst []byte) {
	i.Transform.encode(dst[:transform3x4Size])
	binary.LittleEndian.PutUint32(dst[48:], i.CustomIndex&0xFFFFFF|uint32(i.Mask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], i.ShaderTableOffset&0xFFFFFF|uint32(i.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], uint64(i.BlasAddress))
}

// tlasStructure is one built top-level structure and the parameters it was
// last built with, which decide refit legality.
type tlasStructure struct {
	buffer    BufferHandle
	valid     bool
	flags     BuildFlags
	instances uint32
}

// tlasSlot is the device state of one top-level category across frames.
// The opaque category keeps a second structure so the previous frame's
// tree remains valid one extra frame.
type tlasSlot struct {
	current  tlasStructure
	previous tlasStructure
}

// tlasAssembler accumulates the per-category instance records for a frame,
// uploads them into one shared device buffer, and issues the two top-level
// builds.
type tlasAssembler struct {
	device Device
	log    Logger
	retire func(BufferHandle)

	retainPrevious bool

	records     [tlasCategoryCount][]TLASInstance
	instanceBuf BufferHandle
	slots       [tlasCategoryCount]tlasSlot
}

func newTlasAssembler(device Device, log Logger, retire func(BufferHandle), retainPrevious bool) *tlasAssembler {
	return &tlasAssembler{
		device:         device,
		log:            log,
		retire:         retire,
		retainPrevious: retainPrevious,
	}
}

func (a *tlasAssembler) reset() {
	for c := range a.records {
		a.records[c] = a.records[c][:0]
	}
}

func (a *tlasAssembler) append(cat TlasCategory, inst TLASInstance) {
	a.records[cat] = append(a.records[cat], inst)
}

func (a *tlasAssembler) instanceCount() int {
	total := 0
	for c := range a.records {
		total += len(a.records[c])
	}
	return total
}

// uploadInstances writes both categories' records back to back into the
// shared instance buffer.
func (a *tlasAssembler) uploadInstances(rec Recorder) error {
	total := a.instanceCount()
	if total == 0 {
		return nil
	}

	var err error
	a.instanceBuf, err = ensureBuffer(a.device, a.log, a.retire, a.instanceBuf,
		uint64(total)*tlasInstanceSize, BufferUsageAccelInput|BufferUsageTransferDst, "TLAS Instance Buffer")
	if err != nil {
		return err
	}

	data := make([]byte, total*tlasInstanceSize)
	off := 0
	for c := range a.records {
		for i := range a.records[c] {
			a.records[c][i].encode(data[off : off+tlasInstanceSize])
			off += tlasInstanceSize
		}
	}
	rec.WriteBuffer(a.instanceBuf, 0, data)
	rec.TrackResource(a.instanceBuf, AccessTrackWrite)
	return nil
}

// tlasBuild is one planned top-level build, waiting for the frame-wide
// scratch Ensure before its command can be recorded.
type tlasBuild struct {
	cat TlasCategory
	pendingBuild
}

// plan prepares one category's top-level build: it queries sizes, reserves
// scratch, and picks the destination structure. The opaque category swaps
// its current and previous structures first so the prior frame's tree
// stays valid for temporally dependent shading lookups.
//
// Scratch addresses are resolved later in record, after the single
// frame-wide Ensure, because growth invalidates earlier addresses.
func (a *tlasAssembler) plan(cat TlasCategory, scratch *ScratchAllocator, flags BuildFlags) (*tlasBuild, error) {
	numInstances := uint32(len(a.records[cat]))
	if numInstances == 0 {
		return nil, nil
	}

	// Address of this category's slice of the instance buffer.
	var instanceOffset uint64
	for c := TlasCategory(0); c < cat; c++ {
		instanceOffset += uint64(len(a.records[c])) * tlasInstanceSize
	}

	input := &BuildInput{
		Kind:  AccelTopLevel,
		Flags: flags,
		Geometries: []GeometryDescriptor{{
			Data:  InstancesData{DataAddress: a.instanceBuf.Address() + DeviceAddress(instanceOffset)},
			Range: BuildRange{PrimitiveCount: numInstances},
		}},
	}

	sizes, err := a.device.QueryBuildSizes(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBuildSizeQueryFailed, cat, err)
	}

	slot := &a.slots[cat]

	if cat == TlasOpaque && a.retainPrevious {
		slot.current, slot.previous = slot.previous, slot.current
	}
	dst := &slot.current

	// An outgrown structure is simply abandoned; its buffer goes through
	// the retire queue since in-flight frames may still reference it.
	rebuilt := false
	if dst.buffer == nil || dst.buffer.Size() < sizes.StructureSize {
		if dst.buffer != nil {
			a.retire(dst.buffer)
		}
		dst.buffer, err = a.device.CreateBuffer(sizes.StructureSize, BufferUsageAccelStorage, cat.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %s (%d bytes): %v", ErrAllocationFailed, cat.String(), sizes.StructureSize, err)
		}
		a.log.Debugf("%s realloc: %d bytes", cat, sizes.StructureSize)
		rebuilt = true
	}

	// Refit in place only when the destination structure was last built
	// with an identical shape. With previous-frame retention that is the
	// two-frames-old structure, so the comparison is against its own
	// parameters, not last frame's.
	mode := BuildModeBuild
	var src BufferHandle
	if !rebuilt && dst.valid &&
		a.device.Features().TLASUpdate &&
		dst.instances == numInstances &&
		dst.flags == flags {
		mode = BuildModeUpdate
		src = dst.buffer
	}

	dst.valid = true
	dst.flags = flags
	dst.instances = numInstances

	return &tlasBuild{
		cat: cat,
		pendingBuild: pendingBuild{
			cmd: BuildCommand{
				Input: input,
				Mode:  mode,
				Dst:   dst.buffer,
				Src:   src,
			},
			scratchOffset: scratch.Reserve(sizes.ScratchSize),
		},
	}, nil
}

// record issues a planned top-level build. Call only after the scratch
// allocator's Ensure for this frame.
func (a *tlasAssembler) record(rec Recorder, scratch *ScratchAllocator, b *tlasBuild) {
	if b == nil {
		return
	}
	rec.BuildAccelerationStructures([]BuildCommand{b.resolve(scratch)})
	rec.TrackResource(b.cmd.Dst, AccessTrackWrite)
	rec.TrackResource(a.instanceBuf, AccessTrackRead)
}

// Handle returns the current structure buffer for a category, nil before
// the first build.
func (a *tlasAssembler) Handle(cat TlasCategory) BufferHandle {
	return a.slots[cat].current.buffer
}

// PreviousHandle returns the retained prior-frame opaque structure.
func (a *tlasAssembler) PreviousHandle() BufferHandle {
	if !a.slots[TlasOpaque].previous.valid {
		return nil
	}
	return a.slots[TlasOpaque].previous.buffer
}

func (a *tlasAssembler) destroy() {
	for c := range a.slots {
		if a.slots[c].current.buffer != nil {
			a.slots[c].current.buffer.Destroy()
		}
		if a.slots[c].previous.buffer != nil {
			a.slots[c].previous.buffer.Destroy()
		}
		a.slots[c] = tlasSlot{}
	}
	if a.instanceBuf != nil {
		a.instanceBuf.Destroy()
		a.instanceBuf = nil
	}
}
