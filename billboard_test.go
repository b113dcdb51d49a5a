package rtaccel

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestBillboard_CameraFacingTransform(t *testing.T) {
	bb := Billboard{
		Center: mgl32.Vec3{10, 20, 30},
		XAxis:  mgl32.Vec3{1, 0, 0},
		YAxis:  mgl32.Vec3{0, 1, 0},
		Width:  2,
		Height: 6,
	}

	// Uniform scale by the largest half side, translated to the center.
	want := Transform3x4{
		3, 0, 0, 10,
		0, 3, 0, 20,
		0, 0, 3, 30,
	}
	if got := bb.primitiveTransform(); got != want {
		t.Errorf("transform = %v, want %v", got, want)
	}
}

func TestBillboard_BeamTransform(t *testing.T) {
	bb := Billboard{
		Center: mgl32.Vec3{1, 2, 3},
		XAxis:  mgl32.Vec3{1, 0, 0},
		YAxis:  mgl32.Vec3{0, 1, 0},
		Width:  2,
		Height: 8,
		IsBeam: true,
	}

	// X scaled by half width, Y by half height, Z orthogonal and
	// cylindrical (half width again).
	want := Transform3x4{
		1, 0, 0, 1,
		0, 4, 0, 2,
		0, 0, 1, 3,
	}
	if got := bb.primitiveTransform(); got != want {
		t.Errorf("transform = %v, want %v", got, want)
	}
}

func TestBillboard_RecordEncoding(t *testing.T) {
	bb := Billboard{
		Center:         mgl32.Vec3{1, 2, 3},
		XAxis:          mgl32.Vec3{0, 1, 0},
		YAxis:          mgl32.Vec3{0, 0, 1},
		Width:          4,
		Height:         8,
		IsBeam:         true,
		IsCameraFacing: true,
	}

	var buf [billboardRecordSize]byte
	bb.encodeRecord(buf[:], 77)

	if got := binary.LittleEndian.Uint32(buf[12:]); got != 77 {
		t.Errorf("surface slot = %d, want 77", got)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(buf[28:])); got != 0.5 {
		t.Errorf("inverse half width = %v, want 0.5", got)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(buf[44:])); got != 0.25 {
		t.Errorf("inverse half height = %v, want 0.25", got)
	}
	flags := binary.LittleEndian.Uint32(buf[48:])
	if flags != billboardFlagIsBeam|billboardFlagIsCameraFacing {
		t.Errorf("flags = %#x", flags)
	}
}

func TestBillboardSet_SkipsIneligible(t *testing.T) {
	dev := newMockDevice()
	rec := &mockRecorder{}
	scratch := NewScratchAllocator(dev, NewNopLogger(), nil)
	set := newBillboardSet(dev, NewNopLogger(), func(BufferHandle) {})
	tlas := newTlasAssembler(dev, NewNopLogger(), func(BufferHandle) {}, false)

	if _, err := set.planIntersectionBlas(rec, scratch, BuildPreferFastBuild); err != nil {
		t.Fatal(err)
	}

	owner := &SceneInstance{ID: "p"}
	billboards := []Billboard{
		{Instance: owner, Mask: 0xFF, Width: 1, Height: 1, AllowIntersectionPrimitive: true},
		{Instance: owner, Mask: 0, Width: 1, Height: 1, AllowIntersectionPrimitive: true},
		{Instance: owner, Mask: 0xFF, Width: 1, Height: 1, AllowIntersectionPrimitive: false},
	}
	err := set.collect(rec, tlas, billboards, func(*SceneInstance) uint32 { return 5 })
	if err != nil {
		t.Fatal(err)
	}

	if set.count != 1 {
		t.Errorf("eligible billboard count = %d, want 1", set.count)
	}
	if n := len(tlas.records[TlasUnordered]); n != 1 {
		t.Errorf("unordered TLAS records = %d, want 1", n)
	}
}
