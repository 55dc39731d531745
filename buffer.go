package infinio

// BufferHandle is the descriptor spec.md §3 defines: "a chunk of
// pre-registered memory: { buffer id (small integer), pointer/length view,
// region key }". The id is the authoritative identity for release; the
// view is valid until the buffer is released.
type BufferHandle struct {
	id     uint32
	region Region
	length int
}

// ID is the buffer's authoritative release key, and the value encoded into
// work-request ids (workrequest.go).
func (b BufferHandle) ID() uint32 { return b.id }

// Bytes returns the buffer's current view, truncated to Length.
func (b BufferHandle) Bytes() []byte { return b.region.Bytes()[:b.length] }

// Length reports how much of the underlying region is in use.
func (b BufferHandle) Length() int { return b.length }

// RKey is the region key a peer would reference in an RDMA operation
// against this buffer.
func (b BufferHandle) RKey() uint32 { return b.region.RKey() }

// bufferPool is a fixed-size slab of pre-registered buffers, each
// identified by a small integer id (spec.md §4.3). Not safe for concurrent
// use: owned exclusively by its Completion Context's Event Processor
// thread (spec.md §5 "Shared resources").
type bufferPool struct {
	regions []Region
	free    []uint32
	bufLen  int
}

// newBufferPool allocates count buffers of bufLen bytes each via dev,
// mirroring InfinibandProcessor's single registered pool.
func newBufferPool(dev Device, count, bufLen int, access AccessFlags) (*bufferPool, error) {
	p := &bufferPool{
		regions: make([]Region, count),
		free:    make([]uint32, 0, count),
		bufLen:  bufLen,
	}
	for i := 0; i < count; i++ {
		region, err := dev.Allocate(bufLen, access)
		if err != nil {
			return nil, err
		}
		p.regions[i] = region
		p.free = append(p.free, uint32(i))
	}
	return p, nil
}

// Acquire returns a free buffer sized for length bytes, or
// ErrOutOfBuffers.
func (p *bufferPool) Acquire(length int) (BufferHandle, error) {
	if length > p.bufLen {
		return BufferHandle{}, NewError(CategoryInvalidArgument, nil)
	}
	if len(p.free) == 0 {
		return BufferHandle{}, ErrOutOfBuffers
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return BufferHandle{id: id, region: p.regions[id], length: length}, nil
}

// Release returns a buffer to the pool by id (spec.md §4.3
// release_buffer).
func (p *bufferPool) Release(id uint32) {
	p.free = append(p.free, id)
}

// InUse reports how many buffers are currently acquired, for the pool
// accounting invariant (spec.md §8 invariant 6).
func (p *bufferPool) InUse() int {
	return len(p.regions) - len(p.free)
}

func (p *bufferPool) Total() int {
	return len(p.regions)
}
