package rtaccel

import "fmt"

// ScratchAllocator hands out byte ranges of one shared device buffer used
// as build scratch for every acceleration structure built in a frame.
//
// Reservations only bump a cursor; the buffer itself is created or grown
// once per frame in Ensure, after every build's scratch need is known. That
// ordering is the design's core assumption: all builds of a frame are
// collected before any is recorded, so there is exactly one allocation
// point and no per-build stall. Streaming mid-frame submission would need a
// real allocator with a free list instead.
type ScratchAllocator struct {
	device    Device
	log       Logger
	alignment uint64
	cursor    uint64
	buffer    BufferHandle

	// retire receives buffers replaced by growth; in-flight frames may
	// still reference them, so they must not be destroyed synchronously.
	retire func(BufferHandle)
}

func NewScratchAllocator(device Device, log Logger, retire func(BufferHandle)) *ScratchAllocator {
	alignment := device.Limits().ScratchAlignment
	if alignment == 0 {
		alignment = 1
	}
	if retire == nil {
		retire = func(buf BufferHandle) { buf.Destroy() }
	}
	return &ScratchAllocator{
		device:    device,
		log:       log,
		alignment: alignment,
		retire:    retire,
	}
}

// Reset starts a new frame. All previous reservations are implicitly
// released; the underlying buffer is kept for reuse.
func (s *ScratchAllocator) Reset() {
	s.cursor = 0
}

// Reserve returns the offset of a scratch range of at least size bytes.
// The offset is always a multiple of the device's minimum scratch
// alignment, as the runtime requires for scratch device addresses.
func (s *ScratchAllocator) Reserve(size uint64) uint64 {
	offset := s.cursor
	// Pad with one extra alignment unit so the range survives the base
	// address itself being realigned by the device layer.
	s.cursor += alignUp(size+s.alignment, s.alignment)
	return offset
}

// Reserved is the total scratch demand accumulated since the last Reset.
func (s *ScratchAllocator) Reserved() uint64 {
	return s.cursor
}

// Ensure makes the shared buffer large enough for every reservation taken
// this frame, growing it when needed. Must be called after all Reserve
// calls and before any recorded build runs.
func (s *ScratchAllocator) Ensure() (BufferHandle, error) {
	required := alignUp(s.cursor, s.alignment)
	if required == 0 {
		return s.buffer, nil
	}
	if s.buffer == nil || s.buffer.Size() < required {
		if s.buffer != nil {
			s.retire(s.buffer)
		}
		buf, err := s.device.CreateBuffer(required, BufferUsageAccelScratch, "BVH Scratch")
		if err != nil {
			return nil, fmt.Errorf("%w: scratch buffer (%d bytes): %v", ErrAllocationFailed, required, err)
		}
		s.log.Debugf("scratch buffer realloc: %d bytes", required)
		s.buffer = buf
	}
	return s.buffer, nil
}

// Address is the device address of the shared buffer. Valid only after a
// successful Ensure.
func (s *ScratchAllocator) Address() DeviceAddress {
	if s.buffer == nil {
		return 0
	}
	return s.buffer.Address()
}

// Destroy releases the shared buffer. Callers must guarantee the GPU has
// retired every command list referencing it.
func (s *ScratchAllocator) Destroy() {
	if s.buffer != nil {
		s.buffer.Destroy()
		s.buffer = nil
	}
	s.cursor = 0
}

func alignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) / alignment * alignment
}

// pendingBuild is a build command waiting for the frame-wide scratch
// Ensure; its scratch address cannot be resolved earlier because growth
// moves the buffer.
type pendingBuild struct {
	cmd           BuildCommand
	scratchOffset uint64
}

func (p *pendingBuild) resolve(s *ScratchAllocator) BuildCommand {
	p.cmd.ScratchAddress = s.Address() + DeviceAddress(p.scratchOffset)
	return p.cmd
}
