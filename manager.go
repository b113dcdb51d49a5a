package rtaccel

import "fmt"

// objectState is the cross-frame state of one scene object, keyed by its
// InstanceID. The manager owns these; SceneInstance values handed into
// BuildFrame carry no state of their own.
type objectState struct {
	dynamicBlas *PooledBlas

	// currSlot / prevSlot are the object's first surface slot this frame
	// and last frame, for the previous-to-current mapping table.
	currSlot uint32
	prevSlot uint32

	lastSeen uint32
}

// AccelManager owns the full per-frame acceleration structure lifecycle:
// classification, bottom-level builds through the shared pool and scratch,
// the two top-level trees, and the surface tables shading consumes.
//
// Single-writer: the surrounding renderer submits scenes from one thread,
// so the manager carries no locking.
type AccelManager struct {
	device Device
	log    Logger
	opts   Options

	pool       *BlasPool
	scratch    *ScratchAllocator
	tlas       *tlasAssembler
	surfaces   *surfaceTable
	billboards *billboardSet

	states map[InstanceID]*objectState

	transformBuf BufferHandle
	currentFrame uint32
}

func NewAccelManager(device Device, opts Options) *AccelManager {
	opts.normalize()
	m := &AccelManager{
		device: device,
		log:    opts.Logger,
		opts:   opts,
		states: make(map[InstanceID]*objectState),
	}
	m.pool = NewBlasPool(device, m.log, opts.InFlightFrames, opts.FramesToKeepBLAS)
	retire := m.pool.Retire
	m.scratch = NewScratchAllocator(device, m.log, retire)
	m.tlas = newTlasAssembler(device, m.log, retire, opts.RetainPreviousTLAS)
	m.surfaces = newSurfaceTable(device, m.log, retire)
	m.billboards = newBillboardSet(device, m.log, retire)
	return m
}

func (m *AccelManager) state(id InstanceID) *objectState {
	st, ok := m.states[id]
	if !ok {
		st = &objectState{currSlot: InvalidSurfaceIndex, prevSlot: InvalidSurfaceIndex}
		m.states[id] = st
	}
	return st
}

// dynamicJob is one instance headed for a persistent per-object structure.
type dynamicJob struct {
	inst *SceneInstance
	st   *objectState
}

// BuildFrame runs the whole frame protocol: classify the instance list,
// build or refit every required bottom-level structure, rebuild the surface
// tables, and rebuild both top-level trees. All GPU work is recorded into
// rec; nothing executes before the caller submits it.
//
// Errors are fatal to the frame: allocation or size-query failure leaves
// previously built structures intact but the frame's trees unusable.
func (m *AccelManager) BuildFrame(rec Recorder, frameID uint32, instances []*SceneInstance, billboards []Billboard) error {
	m.currentFrame = frameID
	m.pool.BeginFrame(frameID)
	m.scratch.Reset()
	m.tlas.reset()
	m.surfaces.reset()

	for _, st := range m.states {
		st.prevSlot, st.currSlot = st.currSlot, InvalidSurfaceIndex
	}

	if len(instances) == 0 && len(billboards) == 0 {
		m.endFrame()
		return nil
	}

	// One transform slot per instance is the upper bound; merged builds
	// consume them in classification order.
	if len(instances) > 0 {
		var err error
		m.transformBuf, err = ensureBuffer(m.device, m.log, m.pool.Retire, m.transformBuf,
			uint64(len(instances))*transform3x4Size, BufferUsageAccelInput|BufferUsageTransferDst, "Transform Buffer")
		if err != nil {
			return err
		}
	}

	var (
		pending     []pendingBuild
		buckets     []*BlasBucket
		dynamicJobs []dynamicJob
		transforms  []Transform3x4
	)

	maxPrims := m.device.Limits().MaxPrimitiveCount
	var surfaceDemand uint64

	for _, inst := range instances {
		st := m.state(inst.ID)
		st.lastSeen = frameID

		// No ray can intersect a zero-mask instance, but billboards keep
		// the surface entry alive for shading.
		if inst.Mask == 0 {
			if inst.BillboardCount > 0 {
				st.currSlot = m.surfaces.add(inst)
				surfaceDemand++
			}
			continue
		}

		prims := inst.PrimitiveCount()
		if prims == 0 {
			m.log.Warnf("instance %s: zero primitives, dropped", inst.ID)
			continue
		}
		if maxPrims > 0 && prims > maxPrims {
			m.log.Warnf("instance %s: %d primitives exceed device limit %d, dropped", inst.ID, prims, maxPrims)
			continue
		}

		requestDynamic := len(inst.ReplicaTransforms) > 0 || // replicated geometry reuses one structure
			inst.SkinnedBoneCount > 0 || // deforming meshes want refit
			inst.LinkedCount > 1 ||
			st.dynamicBlas != nil ||
			prims > m.opts.MaxPrimsInMergedBLAS ||
			m.opts.MinimizeBlasMerging

		forceMerged := (len(inst.Geometry) > 1 ||
			(!m.opts.MinimizeBlasMerging && prims < m.opts.MinPrimsInDynamicBLAS) ||
			m.opts.ForceMergeAllMeshes) &&
			len(inst.ReplicaTransforms) == 0

		if requestDynamic && !forceMerged {
			dynamicJobs = append(dynamicJobs, dynamicJob{inst: inst, st: st})
			if n := len(inst.ReplicaTransforms); n > 0 {
				surfaceDemand += uint64(n)
			} else {
				surfaceDemand++
			}
			continue
		}

		// Merged path. A previously dynamic object hands its structure back
		// to the pool.
		if st.dynamicBlas != nil {
			m.pool.Release(st.dynamicBlas)
			st.dynamicBlas = nil
		}

		// Merged builds bake the world transform into the structure, so the
		// geometry references a slot in the transform buffer.
		addr := m.transformBuf.Address() + DeviceAddress(len(transforms)*transform3x4Size)
		transforms = append(transforms, NewTransform3x4(inst.Transform))

		merged := false
		for _, bucket := range buckets {
			if bucket.TryAdd(inst) {
				setTransformAddress(bucket.geometries[len(bucket.geometries)-len(inst.Geometry):], addr)
				merged = true
				break
			}
		}
		if !merged {
			bucket := &BlasBucket{}
			bucket.TryAdd(inst)
			setTransformAddress(bucket.geometries, addr)
			buckets = append(buckets, bucket)
		}
		surfaceDemand++
	}

	// Surface slots must fit the custom-index bits; truncated indices would
	// silently alias surfaces, so the frame is rejected outright.
	if surfaceDemand > uint64(SurfaceIndexMask) {
		return fmt.Errorf("%w: %d surfaces exceed the %d-bit custom index range",
			ErrSurfaceIndexOverflow, surfaceDemand, SurfaceIndexBits)
	}

	for _, job := range dynamicJobs {
		pb, err := m.buildDynamic(rec, job)
		if err != nil {
			return err
		}
		if pb != nil {
			pending = append(pending, *pb)
		}
	}

	// The surface ordering is final once every bucket has its offset; TLAS
	// custom indices encode slots from this list.
	for _, bucket := range buckets {
		bucket.surfacesOffset = uint32(m.surfaces.count())
		for _, inst := range bucket.instances {
			slot := m.surfaces.add(inst)
			st := m.states[inst.ID]
			if st.currSlot == InvalidSurfaceIndex {
				st.currSlot = slot
			}
		}
	}

	for _, bucket := range buckets {
		pb, err := m.buildBucket(rec, bucket)
		if err != nil {
			return err
		}
		pending = append(pending, *pb)
	}

	if hasIntersectionBillboards(billboards) {
		pb, err := m.billboards.planIntersectionBlas(rec, m.scratch, m.opts.buildFlags())
		if err != nil {
			return err
		}
		if pb != nil {
			pending = append(pending, *pb)
		}
	}
	if m.billboards.built() {
		err := m.billboards.collect(rec, m.tlas, billboards, func(inst *SceneInstance) uint32 {
			if st, ok := m.states[inst.ID]; ok {
				return st.currSlot
			}
			return InvalidSurfaceIndex
		})
		if err != nil {
			return err
		}
	}

	m.surfaces.buildPrefixSums()
	m.surfaces.buildMapping(func(inst *SceneInstance) uint32 {
		if st, ok := m.states[inst.ID]; ok {
			return st.prevSlot
		}
		return InvalidSurfaceIndex
	})

	if len(transforms) > 0 {
		data := make([]byte, len(transforms)*transform3x4Size)
		for i := range transforms {
			transforms[i].encode(data[i*transform3x4Size:])
		}
		rec.WriteBuffer(m.transformBuf, 0, data)
		rec.TrackResource(m.transformBuf, AccessTrackWrite)
	}
	if err := m.surfaces.upload(rec); err != nil {
		return err
	}

	// Geometry, transform and AABB uploads must land before any build
	// reads them.
	rec.InsertBarrier(StageTransfer, AccessTransferWrite, StageAccelBuild, AccessShaderRead)

	if len(pending) > 0 {
		scratchBuf, err := m.scratch.Ensure()
		if err != nil {
			return err
		}
		rec.TrackResource(scratchBuf, AccessTrackWrite)

		cmds := make([]BuildCommand, len(pending))
		for i := range pending {
			cmds[i] = pending[i].resolve(m.scratch)
		}
		rec.BuildAccelerationStructures(cmds)
	}

	if err := m.buildTlases(rec); err != nil {
		return err
	}

	rec.InsertBarrier(StageAccelBuild, AccessAccelWrite, StageRayTracing|StageCompute, AccessAccelRead|AccessShaderRead)

	m.endFrame()
	return nil
}

// buildDynamic builds, refits or simply keeps one object's persistent
// structure, and emits its TLAS instances and surface slots.
func (m *AccelManager) buildDynamic(rec Recorder, job dynamicJob) (*pendingBuild, error) {
	inst, st := job.inst, job.st

	input := inst.buildInput(m.opts.buildFlags() | BuildAllowUpdate)
	sizes, err := m.device.QueryBuildSizes(input)
	if err != nil {
		return nil, fmt.Errorf("%w: instance %s: %v", ErrBuildSizeQueryFailed, inst.ID, err)
	}

	fullBuild := st.dynamicBlas == nil || st.dynamicBlas.Size() < sizes.StructureSize
	if fullBuild && st.dynamicBlas != nil {
		m.pool.Release(st.dynamicBlas)
		st.dynamicBlas = nil
	}
	if st.dynamicBlas == nil {
		st.dynamicBlas, err = m.pool.Create(sizes.StructureSize, "BLAS Dynamic")
		if err != nil {
			return nil, err
		}
	}
	m.pool.Touch(st.dynamicBlas)

	// A shape change that the validator rejects falls back to a full build
	// into the existing buffer; the caller never sees the difference.
	canRefit := !fullBuild && CanUpdate(st.dynamicBlas.LastBuild(), input)
	if !fullBuild && inst.GeometryUpdated && !canRefit {
		fullBuild = true
		m.log.Debugf("instance %s: refit rejected, rebuilding in place", inst.ID)
	}

	var pb *pendingBuild
	switch {
	case fullBuild:
		pb = &pendingBuild{
			cmd:           BuildCommand{Input: input, Mode: BuildModeBuild, Dst: st.dynamicBlas.Buffer()},
			scratchOffset: m.scratch.Reserve(sizes.ScratchSize),
		}
		st.dynamicBlas.lastBuild = input.Clone()
	case inst.GeometryUpdated:
		pb = &pendingBuild{
			cmd:           BuildCommand{Input: input, Mode: BuildModeUpdate, Dst: st.dynamicBlas.Buffer(), Src: st.dynamicBlas.Buffer()},
			scratchOffset: m.scratch.Reserve(sizes.ScratchSize),
		}
		st.dynamicBlas.lastBuild = input.Clone()
	}

	if pb != nil {
		rec.TrackResource(st.dynamicBlas.Buffer(), AccessTrackWrite)
	} else {
		rec.TrackResource(st.dynamicBlas.Buffer(), AccessTrackRead)
	}

	blasAddr := st.dynamicBlas.Address()
	if len(inst.ReplicaTransforms) == 0 {
		slot := m.surfaces.add(inst)
		if st.currSlot == InvalidSurfaceIndex {
			st.currSlot = slot
		}
		m.appendTlasInstance(inst, slot, blasAddr, NewTransform3x4(inst.Transform))
	} else {
		// One TLAS instance and surface slot per replica, all sharing the
		// structure; transforms compose object-to-world with each replica.
		for _, rep := range inst.ReplicaTransforms {
			slot := m.surfaces.add(inst)
			if st.currSlot == InvalidSurfaceIndex {
				st.currSlot = slot
			}
			m.appendTlasInstance(inst, slot, blasAddr, NewTransform3x4(inst.Transform.Mul4(rep)))
		}
	}
	return pb, nil
}

// buildBucket acquires a pooled structure for one merged bucket and emits
// its single TLAS instance. Buckets always rebuild; their geometry set is
// different every frame.
func (m *AccelManager) buildBucket(rec Recorder, bucket *BlasBucket) (*pendingBuild, error) {
	input := bucket.buildInput(m.opts.buildFlags())
	sizes, err := m.device.QueryBuildSizes(input)
	if err != nil {
		return nil, fmt.Errorf("%w: merged bucket: %v", ErrBuildSizeQueryFailed, err)
	}

	e, err := m.pool.Acquire(sizes.StructureSize, "BLAS Merged")
	if err != nil {
		return nil, err
	}
	rec.TrackResource(e.Buffer(), AccessTrackWrite)

	cat := TlasOpaque
	if bucket.unordered && m.opts.SeparateUnorderedTLAS {
		cat = TlasUnordered
	}
	m.tlas.append(cat, TLASInstance{
		Transform:         IdentityTransform3x4(),
		CustomIndex:       bucket.customIndexFlags&^uint32(SurfaceIndexMask) | bucket.surfacesOffset&uint32(SurfaceIndexMask),
		Mask:              bucket.mask,
		ShaderTableOffset: bucket.shaderTableOffset,
		Flags:             bucket.flags,
		BlasAddress:       e.Address(),
	})

	return &pendingBuild{
		cmd:           BuildCommand{Input: input, Mode: BuildModeBuild, Dst: e.Buffer()},
		scratchOffset: m.scratch.Reserve(sizes.ScratchSize),
	}, nil
}

func (m *AccelManager) appendTlasInstance(inst *SceneInstance, slot uint32, blasAddr DeviceAddress, transform Transform3x4) {
	cat := TlasOpaque
	if inst.Unordered && m.opts.SeparateUnorderedTLAS {
		cat = TlasUnordered
	}
	m.tlas.append(cat, TLASInstance{
		Transform:         transform,
		CustomIndex:       inst.CustomIndexFlags&^uint32(SurfaceIndexMask) | slot&uint32(SurfaceIndexMask),
		Mask:              inst.Mask,
		ShaderTableOffset: inst.ShaderTableOffset,
		Flags:             inst.effectiveFlags(),
		BlasAddress:       blasAddr,
	})
}

// buildTlases uploads the instance records and rebuilds both categories.
func (m *AccelManager) buildTlases(rec Recorder) error {
	if m.tlas.instanceCount() == 0 {
		return nil
	}

	if limit := m.device.Limits().MaxInstanceCount; limit > 0 && uint32(m.tlas.instanceCount()) > limit {
		m.log.Warnf("%d TLAS instances exceed device limit %d, keeping previous trees", m.tlas.instanceCount(), limit)
		return nil
	}

	if err := m.tlas.uploadInstances(rec); err != nil {
		return err
	}

	// Instance records written above and bottom-level builds recorded
	// earlier both feed the top-level builds.
	rec.InsertBarrier(StageAccelBuild|StageTransfer, AccessAccelWrite|AccessTransferWrite,
		StageAccelBuild, AccessAccelRead|AccessShaderRead)

	var builds []*tlasBuild
	for cat := TlasCategory(0); cat < tlasCategoryCount; cat++ {
		b, err := m.tlas.plan(cat, m.scratch, m.opts.buildFlags())
		if err != nil {
			return err
		}
		if b != nil {
			builds = append(builds, b)
		}
	}
	if len(builds) == 0 {
		return nil
	}

	scratchBuf, err := m.scratch.Ensure()
	if err != nil {
		return err
	}
	rec.TrackResource(scratchBuf, AccessTrackWrite)

	for _, b := range builds {
		m.tlas.record(rec, m.scratch, b)
	}
	return nil
}

// endFrame runs the pool GC and drops cross-frame state for objects not
// seen within the keep window.
func (m *AccelManager) endFrame() {
	m.pool.GarbageCollect()

	for id, st := range m.states {
		if st.lastSeen+m.opts.FramesToKeepBLAS > m.currentFrame {
			continue
		}
		if st.dynamicBlas != nil {
			m.pool.Release(st.dynamicBlas)
		}
		delete(m.states, id)
	}
}

func setTransformAddress(geoms []GeometryDescriptor, addr DeviceAddress) {
	for i := range geoms {
		if tri, ok := geoms[i].Data.(TrianglesData); ok {
			tri.TransformAddress = addr
			geoms[i].Data = tri
		}
	}
}

func hasIntersectionBillboards(billboards []Billboard) bool {
	for i := range billboards {
		if billboards[i].Mask != 0 && billboards[i].AllowIntersectionPrimitive {
			return true
		}
	}
	return false
}

// TLAS returns the current structure buffer for a category, nil before the
// first frame that built it.
func (m *AccelManager) TLAS(cat TlasCategory) BufferHandle { return m.tlas.Handle(cat) }

// PreviousTLAS returns the retained previous-frame opaque structure, nil
// unless RetainPreviousTLAS is set and at least two frames have built.
func (m *AccelManager) PreviousTLAS() BufferHandle { return m.tlas.PreviousHandle() }

// SurfaceBuffer is the device table of per-surface records, in reordered
// surface order.
func (m *AccelManager) SurfaceBuffer() BufferHandle { return m.surfaces.surfaceBuf }

// SurfaceMappingBuffer maps previous-frame surface slots to current ones.
func (m *AccelManager) SurfaceMappingBuffer() BufferHandle { return m.surfaces.mappingBuf }

// PrimitiveIDPrefixSumBuffer is the exclusive prefix sum over surface
// primitive counts, with a trailing total element.
func (m *AccelManager) PrimitiveIDPrefixSumBuffer() BufferHandle { return m.surfaces.prefixBuf }

// LastFramePrimitiveIDPrefixSumBuffer is the previous frame's prefix sum.
func (m *AccelManager) LastFramePrimitiveIDPrefixSumBuffer() BufferHandle {
	return m.surfaces.prefixBufPrev
}

// BillboardBuffer is the device table of billboard records referenced by
// intersection-primitive custom indices.
func (m *AccelManager) BillboardBuffer() BufferHandle { return m.billboards.recordBuf }

// SurfaceCount is the number of surface slots used this frame.
func (m *AccelManager) SurfaceCount() int { return m.surfaces.count() }

// BlasCount is the number of live bottom-level structures, pooled and
// checked out.
func (m *AccelManager) BlasCount() int { return m.pool.Count() }

// Clear destroys every owned device resource immediately. Only legal when
// the device is idle; states and pools come back empty.
func (m *AccelManager) Clear() {
	for id, st := range m.states {
		if st.dynamicBlas != nil {
			m.pool.Release(st.dynamicBlas)
		}
		delete(m.states, id)
	}
	m.pool.Clear()
	m.scratch.Destroy()
	m.tlas.destroy()
	m.surfaces.destroy()
	m.billboards.destroy()
	if m.transformBuf != nil {
		m.transformBuf.Destroy()
		m.transformBuf = nil
	}
}
