package infinio

import "time"

// Limits collects the configuration options enumerated in spec.md §6.
type Limits struct {
	// PollCycles is the number of busy-poll iterations an Event Processor
	// runs before it calls PrepareSleep on its pollers and blocks in
	// epoll_wait (spec.md §4.1).
	PollCycles int
	// FiberCacheSize is the per-processor free-list cap (spec.md §4.6).
	FiberCacheSize int
	// MaxPendingResponses bounds outstanding synchronous requests
	// (spec.md §4.7); must be >= 1.
	MaxPendingResponses int
	// MaxBatchSize is the upper bound, in bytes, coalesced into one send
	// work request by a Batching Message Socket (spec.md §4.5).
	MaxBatchSize int
	// SendBufferCount/ReceiveBufferCount size the Completion Context's
	// buffer pools (spec.md §4.3).
	SendBufferCount    int
	ReceiveBufferCount int
	// BufferLength is the MTU-aligned length of each pooled buffer.
	BufferLength int
	// ConnectionStormWindow/ConnectionStormLimit configure the CM Event
	// Demultiplexer's admission control (SPEC_FULL.md §4.8, an addition
	// beyond spec.md): at most ConnectionStormLimit CONNECT_REQUEST events
	// are dispatched per remote Endpoint within ConnectionStormWindow.
	ConnectionStormWindow time.Duration
	ConnectionStormLimit  int
	// TaskQueueCapacity bounds the Task Queue (spec.md §4.2): Execute blocks
	// once this many closures are pending.
	TaskQueueCapacity int
}

// DefaultLimits returns the configuration used when a zero Limits is
// supplied to NewProcessor/NewService.
func DefaultLimits() Limits {
	return Limits{
		PollCycles:            1000,
		FiberCacheSize:        64,
		MaxPendingResponses:   16,
		MaxBatchSize:          4096,
		SendBufferCount:       256,
		ReceiveBufferCount:    256,
		BufferLength:          4096,
		ConnectionStormWindow: time.Second,
		ConnectionStormLimit:  32,
		TaskQueueCapacity:     defaultTaskQueueCapacity,
	}
}

// withDefaults fills zero-valued fields of l from DefaultLimits, so callers
// may supply a partially-populated Limits.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.PollCycles <= 0 {
		l.PollCycles = d.PollCycles
	}
	if l.FiberCacheSize <= 0 {
		l.FiberCacheSize = d.FiberCacheSize
	}
	if l.MaxPendingResponses <= 0 {
		l.MaxPendingResponses = d.MaxPendingResponses
	}
	if l.MaxBatchSize <= 0 {
		l.MaxBatchSize = d.MaxBatchSize
	}
	if l.SendBufferCount <= 0 {
		l.SendBufferCount = d.SendBufferCount
	}
	if l.ReceiveBufferCount <= 0 {
		l.ReceiveBufferCount = d.ReceiveBufferCount
	}
	if l.BufferLength <= 0 {
		l.BufferLength = d.BufferLength
	}
	if l.ConnectionStormWindow <= 0 {
		l.ConnectionStormWindow = d.ConnectionStormWindow
	}
	if l.ConnectionStormLimit <= 0 {
		l.ConnectionStormLimit = d.ConnectionStormLimit
	}
	if l.TaskQueueCapacity <= 0 {
		l.TaskQueueCapacity = d.TaskQueueCapacity
	}
	// A batch becomes a single send work request against one pooled buffer
	// (CompletionContext.AcquireSendBuffer rejects anything longer than
	// BufferLength), so a batch larger than the buffer it will be copied
	// into can never actually be sent.
	if l.MaxBatchSize > l.BufferLength {
		l.MaxBatchSize = l.BufferLength
	}
	return l
}

// ProcessorOption configures a Processor at construction time, following
// the teacher's functional-options idiom.
type ProcessorOption func(*processorConfig)

type processorConfig struct {
	limits Limits
	logger *Logger
}

// WithLimits sets the Processor's resource limits.
func WithLimits(limits Limits) ProcessorOption {
	return func(c *processorConfig) { c.limits = limits }
}

// WithLogger sets the Processor's structured logger.
func WithLogger(logger *Logger) ProcessorOption {
	return func(c *processorConfig) { c.logger = logger }
}

func resolveProcessorOptions(opts []ProcessorOption) processorConfig {
	cfg := processorConfig{limits: DefaultLimits(), logger: nopLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg.limits = cfg.limits.withDefaults()
	return cfg
}
