package rtaccel

import "fmt"

const invalidFrameIndex = ^uint32(0)

// PooledBlas is one reusable bottom-level structure buffer. It is either
// idle inside the pool or checked out to exactly one scene object as its
// persistent dynamic structure; in both states in-flight GPU commands may
// still reference it, which is why destruction always goes through the
// retire queue.
type PooledBlas struct {
	id               uint32
	label            string
	buffer           BufferHandle
	frameLastTouched uint32

	// lastBuild is the input the structure was last built with, kept for
	// update-validity comparisons.
	lastBuild *BuildInput
}

func (b *PooledBlas) Size() uint64           { return b.buffer.Size() }
func (b *PooledBlas) Address() DeviceAddress { return b.buffer.Address() }
func (b *PooledBlas) Buffer() BufferHandle   { return b.buffer }

// LastBuild returns the build input of the most recent full build, or nil
// for a structure that has never been built.
func (b *PooledBlas) LastBuild() *BuildInput { return b.lastBuild }

// LastTouchedFrame is the frame id the entry was last used in a build or
// TLAS reference, or invalidFrameIndex for a fresh entry.
func (b *PooledBlas) LastTouchedFrame() uint32 { return b.frameLastTouched }

type retiredBuffer struct {
	buffer    BufferHandle
	retiredAt uint32
}

// BlasPool owns the reusable bottom-level structure buffers. Single-writer:
// the surrounding renderer guarantees single-threaded scene submission, so
// the pool carries no locking.
type BlasPool struct {
	device Device
	log    Logger

	inFlightFrames uint32
	framesToKeep   uint32
	currentFrame   uint32

	entries []*PooledBlas
	retired []retiredBuffer

	nextID uint32

	// liveCount is the outstanding-structure diagnostic, owned by the pool
	// instance rather than any ambient global.
	liveCount int
}

func NewBlasPool(device Device, log Logger, inFlightFrames, framesToKeep uint32) *BlasPool {
	if inFlightFrames == 0 {
		inFlightFrames = 1
	}
	if framesToKeep == 0 {
		framesToKeep = 1
	}
	return &BlasPool{
		device:         device,
		log:            log,
		inFlightFrames: inFlightFrames,
		framesToKeep:   framesToKeep,
	}
}

// BeginFrame advances the pool's frame id and destroys retired buffers
// whose guard window has elapsed.
func (p *BlasPool) BeginFrame(frame uint32) {
	p.currentFrame = frame
	p.sweepRetired()
}

// available reports whether an entry can be handed out without racing an
// in-flight command list.
func (p *BlasPool) available(e *PooledBlas) bool {
	if e.frameLastTouched == invalidFrameIndex {
		return true
	}
	return e.frameLastTouched+p.inFlightFrames <= p.currentFrame
}

// Acquire returns an idle entry whose buffer holds at least size bytes and
// that no in-flight frame still references, preferring the smallest such
// entry to bound wasted memory. When none qualifies a new buffer of exactly
// size bytes is created and added to the pool. The returned entry is
// stamped with the current frame.
func (p *BlasPool) Acquire(size uint64, label string) (*PooledBlas, error) {
	var selected *PooledBlas
	for _, e := range p.entries {
		if e.buffer.Size() >= size && p.available(e) {
			if selected == nil || e.buffer.Size() < selected.buffer.Size() {
				selected = e
			}
		}
	}

	if selected == nil {
		e, err := p.Create(size, label)
		if err != nil {
			return nil, err
		}
		p.entries = append(p.entries, e)
		selected = e
	}

	selected.frameLastTouched = p.currentFrame
	return selected, nil
}

// Create allocates a fresh entry that is NOT part of the idle set; callers
// use it for persistent dynamic structures they check out across frames.
// Hand the entry back with Release when it is no longer dedicated.
func (p *BlasPool) Create(size uint64, label string) (*PooledBlas, error) {
	buf, err := p.device.CreateBuffer(size, BufferUsageAccelStorage, label)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%d bytes): %v", ErrAllocationFailed, label, size, err)
	}
	p.nextID++
	p.liveCount++
	return &PooledBlas{
		id:               p.nextID,
		label:            label,
		buffer:           buf,
		frameLastTouched: invalidFrameIndex,
	}, nil
}

// Touch stamps the entry as used by the current frame.
func (p *BlasPool) Touch(e *PooledBlas) {
	e.frameLastTouched = p.currentFrame
}

// Release returns a checked-out entry to the idle set, stamped with the
// current frame id so it stays untouchable for the in-flight window.
func (p *BlasPool) Release(e *PooledBlas) {
	e.frameLastTouched = p.currentFrame
	for _, existing := range p.entries {
		if existing == e {
			return
		}
	}
	p.entries = append(p.entries, e)
}

// GarbageCollect removes idle entries untouched for framesToKeep frames.
// Removal is swap-and-pop; no code path holds positional indices into the
// entry list across this mutation. Buffers go onto the retire queue, never
// straight to Destroy, so entries referenced by an unfinished TLAS build
// survive until their guard frame elapses.
func (p *BlasPool) GarbageCollect() {
	for i := 0; i < len(p.entries); {
		e := p.entries[i]
		if e.frameLastTouched != invalidFrameIndex && e.frameLastTouched+p.framesToKeep <= p.currentFrame {
			last := len(p.entries) - 1
			p.entries[i] = p.entries[last]
			p.entries[last] = nil
			p.entries = p.entries[:last]
			p.Retire(e.buffer)
			p.liveCount--
			p.log.Debugf("pool GC: retired %q (%d bytes, last touched frame %d)", e.label, e.buffer.Size(), e.frameLastTouched)
			continue
		}
		i++
	}
}

// Retire enqueues a buffer for deferred destruction once the in-flight
// window has passed.
func (p *BlasPool) Retire(buf BufferHandle) {
	p.retired = append(p.retired, retiredBuffer{buffer: buf, retiredAt: p.currentFrame})
}

func (p *BlasPool) sweepRetired() {
	kept := p.retired[:0]
	for _, r := range p.retired {
		if r.retiredAt+p.inFlightFrames < p.currentFrame {
			r.buffer.Destroy()
		} else {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(p.retired); i++ {
		p.retired[i] = retiredBuffer{}
	}
	p.retired = kept
}

// Count is the number of live pooled structures, checked-out entries
// included.
func (p *BlasPool) Count() int { return p.liveCount }

// IdleCount is the number of entries currently inside the pool.
func (p *BlasPool) IdleCount() int { return len(p.entries) }

// Clear destroys every pooled and retired buffer immediately. Only legal
// when the device is idle.
func (p *BlasPool) Clear() {
	for _, e := range p.entries {
		e.buffer.Destroy()
		p.liveCount--
	}
	p.entries = nil
	for _, r := range p.retired {
		r.buffer.Destroy()
	}
	p.retired = nil
}
