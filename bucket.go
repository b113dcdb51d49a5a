package rtaccel

// BlasBucket accumulates build-compatible instance geometries destined for
// a single merged BLAS build. A bucket is sealed and built once per frame;
// it is never partially updated.
type BlasBucket struct {
	geometries []GeometryDescriptor

	// instances holds the contributing instance per geometry entry, in
	// geometry order; the surface table is rebuilt from this ordering.
	instances []*SceneInstance

	mask              uint8
	flags             InstanceFlags
	shaderTableOffset uint32
	customIndexFlags  uint32
	unordered         bool

	// surfacesOffset is the bucket's first slot in the reordered surface
	// list, assigned during surface collection.
	surfacesOffset uint32
}

// TryAdd merges an instance's geometry into the bucket. The addition
// succeeds if the bucket is empty or the instance carries exactly the same
// mask, flags, shader table offset, custom-index flags and ordering
// category as every other member.
func (b *BlasBucket) TryAdd(inst *SceneInstance) bool {
	customFlags := inst.CustomIndexFlags &^ uint32(SurfaceIndexMask)

	if len(b.geometries) > 0 {
		if b.mask != inst.Mask {
			return false
		}
		if b.shaderTableOffset != inst.ShaderTableOffset {
			return false
		}
		if b.customIndexFlags != customFlags {
			return false
		}
		if b.flags != inst.effectiveFlags() {
			return false
		}
		if b.unordered != inst.Unordered {
			return false
		}
	}

	b.geometries = append(b.geometries, inst.Geometry...)
	for range inst.Geometry {
		b.instances = append(b.instances, inst)
	}

	b.mask = inst.Mask
	b.shaderTableOffset = inst.ShaderTableOffset
	b.customIndexFlags = customFlags
	b.flags = inst.effectiveFlags()
	b.unordered = inst.Unordered
	b.surfacesOffset = InvalidSurfaceIndex
	return true
}

// PrimitiveCount sums the primitives of all member geometries.
func (b *BlasBucket) PrimitiveCount() uint32 {
	var total uint32
	for i := range b.geometries {
		total += b.geometries[i].Range.PrimitiveCount
	}
	return total
}

func (b *BlasBucket) buildInput(flags BuildFlags) *BuildInput {
	return &BuildInput{
		Kind:       AccelBottomLevel,
		Flags:      flags,
		Geometries: b.geometries,
	}
}
