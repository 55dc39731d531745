package infinio

import "sync"

// BatchingSocket is the Batching Message Socket (C5): it coalesces whole
// frames into one send work request, flushing on capacity, an explicit
// Flush call, or whenever its Processor's task queue drains (spec.md §4.5).
// A capacity-exceeding frame flushes the pending batch first, then is sent
// alone.
//
// go-microbatch was considered and rejected for this role (SPEC_FULL.md
// §4.5): its channel-handoff batching model hands work to a separate
// goroutine, which would let two batches from the same Connection
// interleave on the wire — this socket instead serialises appends and
// flushes behind its own mutex, preserving per-connection send order even
// when called concurrently from an RPC Client Socket's fiber goroutines
// (spec.md §4.7) as well as from the owning Processor's own flush-on-drain
// sweep.
type BatchingSocket struct {
	conn *Connection
	proc *Processor
	max  int

	mu      sync.Mutex
	pending []byte
	nFrames int
}

// NewBatchingSocket wraps conn, registering with proc so pending frames are
// flushed whenever proc's task queue drains.
func NewBatchingSocket(proc *Processor, conn *Connection, maxBatchSize int) *BatchingSocket {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultLimits().MaxBatchSize
	}
	b := &BatchingSocket{conn: conn, proc: proc, max: maxBatchSize}
	proc.RegisterBatcher(b)
	return b
}

// Close stops flush-on-drain registration. Callers should Flush before
// Close to avoid dropping a partially filled batch.
func (b *BatchingSocket) Close() {
	b.proc.DeregisterBatcher(b)
}

// EnqueueFrame appends f to the pending batch, flushing first if f would
// not fit within the remaining capacity (spec.md §4.5 "flush on capacity").
// Safe to call from any goroutine; ordering across concurrent callers is
// preserved by b.mu, not by thread confinement.
func (b *BatchingSocket) EnqueueFrame(f Frame) error {
	b.mu.Lock()
	if len(b.pending)+f.EncodedLen() > b.max && len(b.pending) > 0 {
		batch := b.pending
		b.pending = nil
		n := b.nFrames
		b.nFrames = 0
		b.mu.Unlock()
		if err := b.send(batch, n); err != nil {
			return err
		}
		b.mu.Lock()
	}
	b.pending = AppendFrame(b.pending, f)
	b.nFrames++
	b.mu.Unlock()

	if f.EncodedLen() >= b.max {
		return b.Flush()
	}
	return nil
}

// Flush sends any pending batch immediately, as one send work request.
func (b *BatchingSocket) Flush() error {
	b.mu.Lock()
	batch := b.pending
	n := b.nFrames
	b.pending = nil
	b.nFrames = 0
	b.mu.Unlock()
	if n == 0 {
		return nil
	}
	return b.send(batch, n)
}

func (b *BatchingSocket) flushIfPending() {
	b.mu.Lock()
	empty := b.nFrames == 0
	b.mu.Unlock()
	if empty {
		return
	}
	_ = b.Flush()
}

func (b *BatchingSocket) send(batch []byte, nFrames int) error {
	return b.conn.Send(batch)
}

// PendingFrames reports how many frames are currently buffered, unsent.
func (b *BatchingSocket) PendingFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nFrames
}
