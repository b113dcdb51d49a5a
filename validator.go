package rtaccel

// CanUpdate reports whether a structure last built with oldInput may be
// incrementally updated using newInput instead of fully rebuilt.
//
// An update is legal only when the build shape is identical: same structure
// kind, same build flags, same geometry count, and per geometry the same
// type, vertex format, index type, max vertex, stride and geometry flags.
// Buffer addresses and therefore the actual vertex/transform contents are
// allowed to differ; moving bounds is the entire point of an update.
//
// The original build must have carried BuildAllowUpdate, otherwise the
// device never prepared the structure for refits.
func CanUpdate(oldInput, newInput *BuildInput) bool {
	if oldInput == nil || newInput == nil {
		return false
	}
	if oldInput.Flags&BuildAllowUpdate == 0 {
		return false
	}
	if oldInput.Kind != newInput.Kind {
		return false
	}
	if oldInput.Flags != newInput.Flags {
		return false
	}
	if len(oldInput.Geometries) != len(newInput.Geometries) {
		return false
	}

	for i := range oldInput.Geometries {
		oldGeom := &oldInput.Geometries[i]
		newGeom := &newInput.Geometries[i]

		if oldGeom.Flags != newGeom.Flags {
			return false
		}
		if oldGeom.Range.PrimitiveCount != newGeom.Range.PrimitiveCount {
			return false
		}

		switch oldData := oldGeom.Data.(type) {
		case TrianglesData:
			newData, ok := newGeom.Data.(TrianglesData)
			if !ok {
				return false
			}
			if oldData.VertexFormat != newData.VertexFormat ||
				oldData.VertexStride != newData.VertexStride ||
				oldData.MaxVertex != newData.MaxVertex ||
				oldData.IndexType != newData.IndexType {
				return false
			}
		case AABBsData:
			newData, ok := newGeom.Data.(AABBsData)
			if !ok {
				return false
			}
			if oldData.Stride != newData.Stride {
				return false
			}
		case InstancesData:
			if _, ok := newGeom.Data.(InstancesData); !ok {
				return false
			}
		default:
			return false
		}
	}

	return true
}
