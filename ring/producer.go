package ring

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync/atomic"
)

// Producer is the enqueue side of the ring contract. The kernel driver
// implements the same algorithm; this implementation exists for the
// hooking-library interop path and for tests that exercise the consumer.
type Producer struct {
	hdr      header
	data     []byte
	capacity uint64
	mask     uint64
	maxFrame uint32
	tail     uint64
}

// Format initializes the header of a fresh region and returns a producer
// positioned at zero. Capacity must be a power of two that fits the region.
func Format(region []byte, capacity uint64, maxFrame uint32) (*Producer, error) {
	if len(region) < DataOffset {
		return nil, ErrRegionTooSmall
	}
	if capacity == 0 || bits.OnesCount64(capacity) != 1 || capacity > uint64(len(region)-DataOffset) {
		return nil, fmt.Errorf("%w: capacity=%d region=%d", ErrBadCapacity, capacity, len(region))
	}
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	h := header{b: region}
	atomic.StoreUint64(h.u64(offCapacity), capacity)
	atomic.StoreUint64(h.u64(offHead), 0)
	atomic.StoreUint64(h.u64(offTail), 0)
	atomic.StoreUint64(h.u64(offProducerSeq), 0)
	atomic.StoreUint64(h.u64(offDropped), 0)
	atomic.StoreUint32(h.u32(offVersion), Version)
	// Magic last: a consumer racing attach sees a complete header or none.
	atomic.StoreUint32(h.u32(offMagic), Magic)

	return &Producer{
		hdr:      h,
		data:     region[DataOffset : DataOffset+int(capacity)],
		capacity: capacity,
		mask:     capacity - 1,
		maxFrame: maxFrame,
	}, nil
}

// TryEnqueue writes one length-prefixed frame. It fails without blocking
// when the payload exceeds the frame cap or the ring lacks space; drops are
// counted in the shared header.
func (p *Producer) TryEnqueue(payload []byte) bool {
	if uint32(len(payload)) > p.maxFrame {
		p.hdr.bumpDropped()
		return false
	}
	need := uint64(lenPrefix + len(payload))
	head := p.hdr.head()
	free := p.capacity - (p.tail - head)
	if free < need {
		p.hdr.bumpDropped()
		return false
	}

	var lenBuf [lenPrefix]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	p.copyIn(p.tail, lenBuf[:])
	p.copyIn(p.tail+lenPrefix, payload)

	p.tail += need
	p.hdr.storeTail(p.tail)
	p.hdr.bumpSeq()
	return true
}

// Heartbeat bumps producer_seq without publishing a frame, so a quiet
// producer still proves liveness to the consumer.
func (p *Producer) Heartbeat() { p.hdr.bumpSeq() }

// Dropped reads the shared drop counter.
func (p *Producer) Dropped() uint64 { return p.hdr.dropped() }

func (p *Producer) copyIn(pos uint64, src []byte) {
	off := pos & p.mask
	n := copy(p.data[off:], src)
	if n < len(src) {
		copy(p.data, src[n:])
	}
}
