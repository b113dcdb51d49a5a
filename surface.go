package rtaccel

import "encoding/binary"

// surfaceRecordSize is the fixed size of one surface entry in the device
// table consumed by shading.
const surfaceRecordSize = 16

// surfaceTable owns the per-frame surface ordering and the auxiliary
// indirection tables shading depends on: the surface index table, the
// previous-to-current surface mapping, and the primitive-id exclusive
// prefix sums for the current and previous frame.
type surfaceTable struct {
	device Device
	log    Logger
	retire func(BufferHandle)

	// reordered is the final post-bucketing surface ordering; a surface's
	// slot in it is what TLAS custom indices encode.
	reordered []*SceneInstance

	// prefixSum is exclusive with one trailing element holding the scene's
	// total primitive count; prefixSumPrev is last frame's array.
	prefixSum     []uint32
	prefixSumPrev []uint32

	// mapping translates a previous-frame surface slot to this frame's, or
	// InvalidSurfaceIndex when the surface disappeared.
	mapping []uint32

	surfaceBuf    BufferHandle
	mappingBuf    BufferHandle
	prefixBuf     BufferHandle
	prefixBufPrev BufferHandle
}

func newSurfaceTable(device Device, log Logger, retire func(BufferHandle)) *surfaceTable {
	return &surfaceTable{device: device, log: log, retire: retire}
}

func (t *surfaceTable) reset() {
	t.reordered = t.reordered[:0]
}

// add appends an instance to the surface ordering and returns its slot.
func (t *surfaceTable) add(inst *SceneInstance) uint32 {
	slot := uint32(len(t.reordered))
	t.reordered = append(t.reordered, inst)
	return slot
}

func (t *surfaceTable) count() int { return len(t.reordered) }

// buildPrefixSums rotates last frame's array out and recomputes the
// exclusive prefix sum over the final surface ordering.
func (t *surfaceTable) buildPrefixSums() {
	t.prefixSumPrev = append(t.prefixSumPrev[:0], t.prefixSum...)

	t.prefixSum = t.prefixSum[:0]
	var running uint32
	for _, inst := range t.reordered {
		t.prefixSum = append(t.prefixSum, running)
		running += inst.PrimitiveCount()
	}
	t.prefixSum = append(t.prefixSum, running)
}

// buildMapping fills the previous-to-current slot table. prevSlots yields
// each surface's previous-frame slot (InvalidSurfaceIndex when it had
// none).
func (t *surfaceTable) buildMapping(prevSlot func(*SceneInstance) uint32) {
	maxPrev := uint32(0)
	for _, inst := range t.reordered {
		if s := prevSlot(inst); s != InvalidSurfaceIndex && s+1 > maxPrev {
			maxPrev = s + 1
		}
	}

	t.mapping = t.mapping[:0]
	for i := uint32(0); i < maxPrev; i++ {
		t.mapping = append(t.mapping, InvalidSurfaceIndex)
	}
	for slot, inst := range t.reordered {
		if s := prevSlot(inst); s != InvalidSurfaceIndex {
			t.mapping[s] = uint32(slot)
		}
	}
}

// upload writes all four tables into grow-only device buffers.
func (t *surfaceTable) upload(rec Recorder) error {
	if len(t.reordered) == 0 {
		return nil
	}

	data := make([]byte, len(t.reordered)*surfaceRecordSize)
	for i, inst := range t.reordered {
		off := i * surfaceRecordSize
		binary.LittleEndian.PutUint32(data[off:], inst.PrimitiveCount())
		binary.LittleEndian.PutUint32(data[off+4:], inst.ShaderTableOffset)
		binary.LittleEndian.PutUint32(data[off+8:], inst.CustomIndexFlags)
		binary.LittleEndian.PutUint32(data[off+12:], uint32(inst.Mask)|uint32(inst.effectiveFlags())<<8)
	}

	var err error
	t.surfaceBuf, err = ensureBuffer(t.device, t.log, t.retire, t.surfaceBuf, uint64(len(data)), BufferUsageShaderRead|BufferUsageTransferDst, "Surface Buffer")
	if err != nil {
		return err
	}
	rec.WriteBuffer(t.surfaceBuf, 0, data)
	rec.TrackResource(t.surfaceBuf, AccessTrackWrite)

	if err = t.uploadWords(rec, t.prefixSum, &t.prefixBuf, "PrefixSum Buffer"); err != nil {
		return err
	}
	if err = t.uploadWords(rec, t.prefixSumPrev, &t.prefixBufPrev, "PrefixSum Buffer Prev"); err != nil {
		return err
	}
	if len(t.mapping) > 0 {
		if err = t.uploadWords(rec, t.mapping, &t.mappingBuf, "Surface Mapping Buffer"); err != nil {
			return err
		}
	}
	return nil
}

func (t *surfaceTable) uploadWords(rec Recorder, words []uint32, buf *BufferHandle, label string) error {
	n := len(words)
	if n == 0 {
		n = 1
	}
	var err error
	*buf, err = ensureBuffer(t.device, t.log, t.retire, *buf, uint64(n)*4, BufferUsageShaderRead|BufferUsageTransferDst, label)
	if err != nil {
		return err
	}
	if len(words) > 0 {
		data := make([]byte, len(words)*4)
		for i, w := range words {
			binary.LittleEndian.PutUint32(data[i*4:], w)
		}
		rec.WriteBuffer(*buf, 0, data)
		rec.TrackResource(*buf, AccessTrackWrite)
	}
	return nil
}

func (t *surfaceTable) destroy() {
	for _, buf := range []BufferHandle{t.surfaceBuf, t.mappingBuf, t.prefixBuf, t.prefixBufPrev} {
		if buf != nil {
			buf.Destroy()
		}
	}
	t.surfaceBuf, t.mappingBuf, t.prefixBuf, t.prefixBufPrev = nil, nil, nil, nil
}
