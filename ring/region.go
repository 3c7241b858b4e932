package ring

import "unsafe"

// Region is a mapped (or allocated) byte range holding the ring header and
// data area. Close releases the mapping; the bytes must not be used after.
type Region struct {
	b     []byte
	close func() error
}

// Bytes exposes the raw region.
func (r *Region) Bytes() []byte { return r.b }

// Close unmaps or releases the region.
func (r *Region) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

// NewInMemory allocates a process-local region, used by tests and by the
// hooking library's in-process transport. Backed by a uint64 slice so the
// header words are aligned for atomics on every platform.
func NewInMemory(size int) *Region {
	words := (size + 7) / 8
	backing := make([]uint64, words)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), words*8)[:size]
	return &Region{b: b}
}

// RegionSize returns the full mapping size for a given data capacity.
func RegionSize(capacity uint64) int {
	return DataOffset + int(capacity)
}
