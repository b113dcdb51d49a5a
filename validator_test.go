package rtaccel

import "testing"

func TestCanUpdate_ContentOnlyChanges(t *testing.T) {
	flags := BuildPreferFastBuild | BuildAllowUpdate
	old := triInput(flags, 100)

	// Different buffer addresses, same shape: the whole point of a refit.
	updated := triInput(flags, 100)
	tri := updated.Geometries[0].Data.(TrianglesData)
	tri.VertexAddress = 0xABC000
	tri.IndexAddress = 0xDEF000
	tri.TransformAddress = 0x123000
	updated.Geometries[0].Data = tri

	if !CanUpdate(old, updated) {
		t.Error("address-only change should allow update")
	}

	// Primitive offset may move within the same count.
	updated = triInput(flags, 100)
	updated.Geometries[0].Range.PrimitiveOffset = 36
	if !CanUpdate(old, updated) {
		t.Error("primitive offset change should allow update")
	}
}

func TestCanUpdate_ShapeChanges(t *testing.T) {
	flags := BuildPreferFastBuild | BuildAllowUpdate

	cases := []struct {
		name   string
		mutate func(*BuildInput)
	}{
		{"primitive count", func(in *BuildInput) {
			in.Geometries[0].Range.PrimitiveCount = 101
		}},
		{"vertex format", func(in *BuildInput) {
			tri := in.Geometries[0].Data.(TrianglesData)
			tri.VertexFormat = VertexFormatR16G16B16A16Float
			in.Geometries[0].Data = tri
		}},
		{"vertex stride", func(in *BuildInput) {
			tri := in.Geometries[0].Data.(TrianglesData)
			tri.VertexStride = 16
			in.Geometries[0].Data = tri
		}},
		{"max vertex", func(in *BuildInput) {
			tri := in.Geometries[0].Data.(TrianglesData)
			tri.MaxVertex = 12
			in.Geometries[0].Data = tri
		}},
		{"index type", func(in *BuildInput) {
			tri := in.Geometries[0].Data.(TrianglesData)
			tri.IndexType = IndexTypeUint16
			in.Geometries[0].Data = tri
		}},
		{"geometry flags", func(in *BuildInput) {
			in.Geometries[0].Flags = GeometryNoDuplicateAnyHit
		}},
		{"build flags", func(in *BuildInput) {
			in.Flags = BuildPreferFastTrace | BuildAllowUpdate
		}},
		{"geometry count", func(in *BuildInput) {
			in.Geometries = append(in.Geometries, triGeometry(10))
		}},
		{"geometry type", func(in *BuildInput) {
			in.Geometries[0].Data = AABBsData{DataAddress: 0x100, Stride: 24}
		}},
		{"structure kind", func(in *BuildInput) {
			in.Kind = AccelTopLevel
		}},
	}

	for _, tc := range cases {
		old := triInput(flags, 100)
		modified := triInput(flags, 100)
		tc.mutate(modified)
		if CanUpdate(old, modified) {
			t.Errorf("%s change should reject update", tc.name)
		}
	}
}

func TestCanUpdate_RequiresAllowUpdate(t *testing.T) {
	old := triInput(BuildPreferFastBuild, 100)
	same := triInput(BuildPreferFastBuild, 100)
	if CanUpdate(old, same) {
		t.Error("structure built without AllowUpdate must not be updated")
	}
}

func TestCanUpdate_NilInputs(t *testing.T) {
	in := triInput(BuildAllowUpdate, 10)
	if CanUpdate(nil, in) || CanUpdate(in, nil) || CanUpdate(nil, nil) {
		t.Error("nil inputs must reject update")
	}
}

func TestCanUpdate_AABBStride(t *testing.T) {
	mk := func(stride uint64) *BuildInput {
		return &BuildInput{
			Kind:  AccelBottomLevel,
			Flags: BuildAllowUpdate,
			Geometries: []GeometryDescriptor{{
				Data:  AABBsData{DataAddress: 0x1000, Stride: stride},
				Range: BuildRange{PrimitiveCount: 4},
			}},
		}
	}
	if !CanUpdate(mk(24), mk(24)) {
		t.Error("same AABB stride should allow update")
	}
	if CanUpdate(mk(24), mk(32)) {
		t.Error("different AABB stride should reject update")
	}
}
