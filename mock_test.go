package rtaccel

// Test doubles for the device and recorder interfaces. Addresses are
// handed out from a fake address space so tests can check offset
// arithmetic; QueryBuildSizes derives sizes from the primitive count so
// shape changes show up as size changes, like a real driver.

type mockBuffer struct {
	size      uint64
	addr      DeviceAddress
	usage     BufferUsage
	label     string
	destroyed bool
}

func (b *mockBuffer) Size() uint64           { return b.size }
func (b *mockBuffer) Address() DeviceAddress { return b.addr }
func (b *mockBuffer) Destroy()               { b.destroyed = true }

type mockDevice struct {
	limits   DeviceLimits
	features DeviceFeatures

	nextAddr  DeviceAddress
	buffers   []*mockBuffer
	createErr error
	queryErr  error
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		limits:   DeviceLimits{ScratchAlignment: 256},
		nextAddr: 0x10000,
	}
}

func (d *mockDevice) CreateBuffer(size uint64, usage BufferUsage, label string) (BufferHandle, error) {
	if d.createErr != nil {
		return nil, d.createErr
	}
	b := &mockBuffer{size: size, addr: d.nextAddr, usage: usage, label: label}
	d.nextAddr += DeviceAddress(alignUp(size, 0x1000) + 0x1000)
	d.buffers = append(d.buffers, b)
	return b, nil
}

func (d *mockDevice) QueryBuildSizes(input *BuildInput) (BuildSizes, error) {
	if d.queryErr != nil {
		return BuildSizes{}, d.queryErr
	}
	prims := uint64(input.PrimitiveCount())
	if prims == 0 {
		prims = 1
	}
	return BuildSizes{StructureSize: prims * 64, ScratchSize: prims * 32}, nil
}

func (d *mockDevice) Limits() DeviceLimits     { return d.limits }
func (d *mockDevice) Features() DeviceFeatures { return d.features }

func (d *mockDevice) liveBuffers(label string) []*mockBuffer {
	var live []*mockBuffer
	for _, b := range d.buffers {
		if !b.destroyed && (label == "" || b.label == label) {
			live = append(live, b)
		}
	}
	return live
}

type recordedWrite struct {
	dst    BufferHandle
	offset uint64
	data   []byte
}

type mockRecorder struct {
	writes   []recordedWrite
	builds   [][]BuildCommand
	barriers int
}

func (r *mockRecorder) WriteBuffer(dst BufferHandle, offset uint64, data []byte) {
	r.writes = append(r.writes, recordedWrite{dst: dst, offset: offset, data: append([]byte(nil), data...)})
}

func (r *mockRecorder) BuildAccelerationStructures(cmds []BuildCommand) {
	r.builds = append(r.builds, append([]BuildCommand(nil), cmds...))
}

func (r *mockRecorder) InsertBarrier(srcStage PipelineStage, srcAccess AccessFlags, dstStage PipelineStage, dstAccess AccessFlags) {
	r.barriers++
}

func (r *mockRecorder) TrackResource(h BufferHandle, access AccessKind) {}

func (r *mockRecorder) allCommands() []BuildCommand {
	var cmds []BuildCommand
	for _, batch := range r.builds {
		cmds = append(cmds, batch...)
	}
	return cmds
}

func (r *mockRecorder) commandsFor(kind AccelKind) []BuildCommand {
	var cmds []BuildCommand
	for _, c := range r.allCommands() {
		if c.Input.Kind == kind {
			cmds = append(cmds, c)
		}
	}
	return cmds
}

// triGeometry builds a plain indexed triangle geometry entry.
func triGeometry(prims uint32) GeometryDescriptor {
	return GeometryDescriptor{
		Data: TrianglesData{
			VertexAddress: 0x100000,
			VertexStride:  12,
			VertexFormat:  VertexFormatR32G32B32Float,
			MaxVertex:     prims * 3,
			IndexAddress:  0x200000,
			IndexType:     IndexTypeUint32,
		},
		Flags: GeometryOpaque,
		Range: BuildRange{PrimitiveCount: prims},
	}
}

func triInput(flags BuildFlags, prims uint32) *BuildInput {
	return &BuildInput{
		Kind:       AccelBottomLevel,
		Flags:      flags,
		Geometries: []GeometryDescriptor{triGeometry(prims)},
	}
}

func triInstance(id string, prims uint32) *SceneInstance {
	return &SceneInstance{
		ID:       InstanceID(id),
		Geometry: []GeometryDescriptor{triGeometry(prims)},
		Mask:     0xFF,
	}
}
