// Package ring implements the shared-memory transport between the kernel
// driver (or the hooking library) and the agent: a bounded single-producer /
// single-consumer byte ring carrying length-prefixed event frames.
//
// The producer lives in a foreign address space, so the consumer treats
// every header field as untrusted input: indices are masked against the
// capacity and frame lengths are clamped before any copy.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

// Region header, little-endian, at offset 0 of the mapping. The data area
// starts at DataOffset so frames never share a cache line with the header.
//
//	magic        u32  "GLDX"
//	version      u32
//	capacity     u64  power of two, bytes in the data area
//	head         u64  consumer cursor, free-running
//	tail         u64  producer cursor, free-running
//	producer_seq u64  liveness marker, bumped on every enqueue
//	dropped      u64  frames the producer could not fit
const (
	Magic      = 0x58444C47 // "GLDX" read as little-endian u32
	Version    = 1
	HeaderSize = 48
	DataOffset = 64

	offMagic       = 0
	offVersion     = 4
	offCapacity    = 8
	offHead        = 16
	offTail        = 24
	offProducerSeq = 32
	offDropped     = 40

	lenPrefix = 4
)

// DefaultMaxFrame bounds a single frame payload.
const DefaultMaxFrame = 64 * 1024

var (
	ErrMagicMismatch   = errors.New("ring: magic mismatch")
	ErrVersionMismatch = errors.New("ring: version mismatch")
	ErrRegionTooSmall  = errors.New("ring: region smaller than header")
	ErrBadCapacity     = errors.New("ring: capacity not a power of two or larger than region")
	ErrDetached        = errors.New("ring: peer detached")
)

// header gives atomic access to the shared header fields. The mapping is
// page-aligned, so the fixed offsets above are safely aligned for atomics.
type header struct {
	b []byte
}

func (h header) u32(off int) *uint32 { return (*uint32)(unsafe.Pointer(&h.b[off])) }
func (h header) u64(off int) *uint64 { return (*uint64)(unsafe.Pointer(&h.b[off])) }

func (h header) magic() uint32       { return atomic.LoadUint32(h.u32(offMagic)) }
func (h header) version() uint32     { return atomic.LoadUint32(h.u32(offVersion)) }
func (h header) capacity() uint64    { return atomic.LoadUint64(h.u64(offCapacity)) }
func (h header) head() uint64        { return atomic.LoadUint64(h.u64(offHead)) }
func (h header) tail() uint64        { return atomic.LoadUint64(h.u64(offTail)) }
func (h header) producerSeq() uint64 { return atomic.LoadUint64(h.u64(offProducerSeq)) }
func (h header) dropped() uint64     { return atomic.LoadUint64(h.u64(offDropped)) }

func (h header) storeHead(v uint64) { atomic.StoreUint64(h.u64(offHead), v) }
func (h header) storeTail(v uint64) { atomic.StoreUint64(h.u64(offTail), v) }
func (h header) bumpSeq()           { atomic.AddUint64(h.u64(offProducerSeq), 1) }
func (h header) bumpDropped()       { atomic.AddUint64(h.u64(offDropped), 1) }

// Consumer is the user-mode side of the ring. It owns head; the foreign
// producer owns tail. Not safe for concurrent use by multiple goroutines.
type Consumer struct {
	hdr      header
	data     []byte
	capacity uint64
	mask     uint64
	maxFrame uint32
	head     uint64

	resyncs  atomic.Uint64
	frames   atomic.Uint64
	rawBytes atomic.Uint64
}

// Attach validates the region header and positions the consumer at the
// current head. Magic or version mismatch refuses to start.
func Attach(region []byte, maxFrame uint32) (*Consumer, error) {
	if len(region) < DataOffset {
		return nil, ErrRegionTooSmall
	}
	h := header{b: region}
	if h.magic() != Magic {
		return nil, fmt.Errorf("%w: got 0x%08X", ErrMagicMismatch, h.magic())
	}
	if v := h.version(); v != Version {
		return nil, fmt.Errorf("%w: got %d", ErrVersionMismatch, v)
	}
	capacity := h.capacity()
	if capacity == 0 || bits.OnesCount64(capacity) != 1 || capacity > uint64(len(region)-DataOffset) {
		return nil, fmt.Errorf("%w: capacity=%d region=%d", ErrBadCapacity, capacity, len(region))
	}
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Consumer{
		hdr:      h,
		data:     region[DataOffset : DataOffset+int(capacity)],
		capacity: capacity,
		mask:     capacity - 1,
		maxFrame: maxFrame,
		head:     h.head(),
	}, nil
}

// Dequeue returns the next frame payload, or nil if the ring is empty. A
// frame whose declared length is inconsistent with the frame cap or the
// published bytes poisons the stream: the consumer resynchronizes by
// skipping to tail and counts the incident.
func (c *Consumer) Dequeue() []byte {
	tail := c.hdr.tail()
	available := tail - c.head
	if available > c.capacity {
		// The producer wrote an impossible cursor. Recover at tail.
		c.resync(tail)
		return nil
	}
	if available < lenPrefix {
		return nil
	}

	var lenBuf [lenPrefix]byte
	c.copyOut(c.head, lenBuf[:])
	frameLen := binary.LittleEndian.Uint32(lenBuf[:])

	limit := available - lenPrefix
	if uint64(frameLen) > limit || frameLen > c.maxFrame {
		c.resync(tail)
		return nil
	}

	out := make([]byte, frameLen)
	c.copyOut(c.head+lenPrefix, out)
	c.head += lenPrefix + uint64(frameLen)
	c.hdr.storeHead(c.head)

	c.frames.Add(1)
	c.rawBytes.Add(uint64(lenPrefix + frameLen))
	return out
}

func (c *Consumer) resync(tail uint64) {
	c.head = tail
	c.hdr.storeHead(c.head)
	c.resyncs.Add(1)
}

// Drain dequeues until the ring is empty, handing each frame to emit, and
// returns the number of frames drained. The consumer never blocks in here.
func (c *Consumer) Drain(emit func(frame []byte)) int {
	n := 0
	for {
		frame := c.Dequeue()
		if frame == nil {
			return n
		}
		emit(frame)
		n++
	}
}

// Run drives the drain loop until stop closes. The hot path is CPU-bound
// polling, so it pins to an OS thread and sleeps on a short adaptive
// backoff (50µs doubling to 1ms) whenever the ring is empty.
func (c *Consumer) Run(stop <-chan struct{}, emit func(frame []byte)) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	const (
		backoffMin = 50 * time.Microsecond
		backoffMax = time.Millisecond
	)
	backoff := backoffMin
	for {
		select {
		case <-stop:
			// Final sweep so frames published before stop are not stranded.
			c.Drain(emit)
			return
		default:
		}
		if c.Drain(emit) > 0 {
			backoff = backoffMin
			continue
		}
		time.Sleep(backoff)
		if backoff *= 2; backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// Resyncs counts poisoned-stream recoveries.
func (c *Consumer) Resyncs() uint64 { return c.resyncs.Load() }

// Frames counts successfully dequeued frames.
func (c *Consumer) Frames() uint64 { return c.frames.Load() }

// Dropped reads the producer-maintained drop counter.
func (c *Consumer) Dropped() uint64 { return c.hdr.dropped() }

// ProducerSeq reads the producer liveness marker. The control plane samples
// this to distinguish a quiet producer from a departed one.
func (c *Consumer) ProducerSeq() uint64 { return c.hdr.producerSeq() }

// Capacity of the data area in bytes.
func (c *Consumer) Capacity() uint64 { return c.capacity }

func (c *Consumer) copyOut(pos uint64, dst []byte) {
	off := pos & c.mask
	n := copy(dst, c.data[off:])
	if n < len(dst) {
		copy(dst[n:], c.data[:len(dst)-n])
	}
}
