package infinio

import (
	"fmt"
	"sync/atomic"
)

// AccessFlags mirrors the access-right bits a verbs memory region is
// registered with.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// Region is a registered (or allocated) chunk of memory, keyed the way a
// verbs memory region is: a local key for this device's use and a remote
// key a peer would use in an RDMA operation. Neither key is meaningful
// outside the Device that produced the Region.
type Region interface {
	Bytes() []byte
	LKey() uint32
	RKey() uint32
}

// Device is the external, fixed-but-unspecified collaborator boundary
// described by spec.md §6 ("Memory-region manager"): register(ptr, len,
// access) → region; allocate(len, access) → owned_region. No cgo ibverbs
// binding exists in the retrieved corpus (SPEC_FULL.md, External
// collaborator boundary), so production callers provide their own
// implementation; this module ships only the software loopbackDevice used
// by its own tests.
type Device interface {
	// Name identifies the device, as rdma_get_devices would.
	Name() string
	// Register wraps caller-owned memory as a Region, without copying.
	Register(b []byte, access AccessFlags) (Region, error)
	// Allocate returns a freshly allocated, device-owned Region.
	Allocate(length int, access AccessFlags) (Region, error)
	// Close releases device-wide resources. Safe to call once.
	Close() error
}

type loopbackRegion struct {
	b    []byte
	lkey uint32
	rkey uint32
}

func (r *loopbackRegion) Bytes() []byte { return r.b }
func (r *loopbackRegion) LKey() uint32  { return r.lkey }
func (r *loopbackRegion) RKey() uint32  { return r.rkey }

// loopbackDevice is a software stand-in for a real verbs device: it
// satisfies the Register/Allocate contract without any kernel bypass or
// real memory-region pinning, for use where no RDMA NIC is present.
type loopbackDevice struct {
	name    string
	nextKey atomic.Uint32
}

// NewLoopbackDevice constructs the software Device used by this module's
// own tests and by any process without a real RDMA NIC (SPEC_FULL.md
// External collaborator boundary).
func NewLoopbackDevice(name string) Device {
	if name == "" {
		name = "loopback0"
	}
	return &loopbackDevice{name: name}
}

func (d *loopbackDevice) Name() string { return d.name }

func (d *loopbackDevice) Register(b []byte, _ AccessFlags) (Region, error) {
	key := d.nextKey.Add(1)
	return &loopbackRegion{b: b, lkey: key, rkey: key}, nil
}

func (d *loopbackDevice) Allocate(length int, access AccessFlags) (Region, error) {
	if length <= 0 {
		return nil, NewError(CategoryInvalidArgument, fmt.Errorf("allocate: length must be > 0, got %d", length))
	}
	return d.Register(make([]byte, length), access)
}

func (d *loopbackDevice) Close() error { return nil }

// EnumerateDevices lists the devices available to this process. The
// software fabric always reports exactly one, matching
// original_source's DeviceList requirement of exactly one InfinibandDevice
// (spec.md §9 Open Question (ii): single-device kept as specified).
func EnumerateDevices() []Device {
	return []Device{NewLoopbackDevice("")}
}
