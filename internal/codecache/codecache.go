// Package codecache manages the executable memory region translated
// blocks are written into: a single mmap'd RWX-capable region, handed out
// by a bump allocator, reset in one shot on a full cache flush.
package codecache

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrNoSpace is returned when a requested allocation does not fit in
// the remaining capacity of the region.
var ErrNoSpace = errors.New("codecache: no space left in region")

// Region is a single mmap'd block of memory used as a bump-allocated
// executable code cache. It is not safe for concurrent use and takes no
// lock; callers use it from a single thread.
//
// The whole region is mapped RWX up front rather than flipped
// write→execute per block: allocations share pages, and block chaining
// patches a published block's tail, so page-granularity W^X cannot hold
// here (the same trade QEMU's and wazero's code arenas make). The
// mark-executable step still exists as the publication point: it
// enforces the exactly-once contract per allocation and carries the
// instruction-cache synchronization required before first execution.
type Region struct {
	mem    []byte
	offset int
	marked int // high-water mark of published bytes
}

// New mmaps a region of the given size with read/write/exec protection.
// The size is rounded up by the kernel to a multiple of the page size.
func New(size int) (*Region, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("codecache: mmap %d bytes: %w", size, err)
	}
	return &Region{mem: mem}, nil
}

// Close unmaps the region. The region must not be used afterward.
func (r *Region) Close() error {
	return unix.Munmap(r.mem)
}

// Alloc copies code into the next free slice of the region and returns
// the slice (aliasing the region's backing memory) along with the
// region-relative offset it starts at. Blocks are never resized or freed
// individually — only Reset reclaims space.
func (r *Region) Alloc(code []byte) (dst []byte, offset int, err error) {
	if r.offset+len(code) > len(r.mem) {
		return nil, 0, ErrNoSpace
	}
	offset = r.offset
	dst = r.mem[offset : offset+len(code)]
	copy(dst, code)
	r.offset += len(code)
	return dst, offset, nil
}

// MarkExecutable publishes the allocation at [offset, offset+size) for
// execution. Must be called exactly once per allocation, after its bytes
// are written; marking bytes already published is an invariant violation
// and panics, since a block republished after execution would mean the
// immutability discipline was broken somewhere.
func (r *Region) MarkExecutable(offset, size int) {
	if offset < r.marked || offset+size > r.offset {
		panic(fmt.Sprintf("codecache: MarkExecutable(%d,%d) violates publication order (marked=%d used=%d)",
			offset, size, r.marked, r.offset))
	}
	r.marked = offset + size
	synchronizeICache()
}

// fencePad is the target of the publication barrier below.
var fencePad uint32

// synchronizeICache orders the code-byte writes before any subsequent
// execution of them. x86-64 has coherent data and instruction caches, so
// an atomic store (a full compiler + store barrier) is sufficient; a host
// with incoherent caches would need a real cache-maintenance sequence
// here.
func synchronizeICache() {
	atomic.StoreUint32(&fencePad, 1)
}

// Reset discards all allocations, making the entire region available
// again. Every previously allocated code pointer becomes invalid; callers
// must have already invalidated every translation-cache entry referencing
// this region before calling Reset.
func (r *Region) Reset() {
	r.offset = 0
	r.marked = 0
}

// Size returns the total region capacity in bytes.
func (r *Region) Size() int { return len(r.mem) }

// Used returns the number of bytes allocated so far.
func (r *Region) Used() int { return r.offset }

// BaseAddr returns the address of byte 0 of the region, for computing
// absolute addresses of allocated blocks (e.g. to embed in chain fixups).
func (r *Region) BaseAddr() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}
