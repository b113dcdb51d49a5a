package rtaccel

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Transform3x4 is a row-major 3x4 matrix, the layout TLAS instance records
// and build-time geometry transforms use on the device.
type Transform3x4 [12]float32

// IdentityTransform3x4 returns the identity transform.
func IdentityTransform3x4() Transform3x4 {
	return Transform3x4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	}
}

// NewTransform3x4 converts a column-major mgl32.Mat4 world transform into
// the row-major 3x4 device layout, dropping the last row (0,0,0,1).
func NewTransform3x4(m mgl32.Mat4) Transform3x4 {
	var t Transform3x4
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			t[row*4+col] = m.At(row, col)
		}
	}
	return t
}

// transformFromColumns builds the device transform from basis column
// vectors and a translation.
func transformFromColumns(x, y, z, translate mgl32.Vec3) Transform3x4 {
	return Transform3x4{
		x.X(), y.X(), z.X(), translate.X(),
		x.Y(), y.Y(), z.Y(), translate.Y(),
		x.Z(), y.Z(), z.Z(), translate.Z(),
	}
}

const transform3x4Size = 48

func (t *Transform3x4) encode(dst []byte) {
	for i, v := range t {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}
