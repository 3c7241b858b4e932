package ring

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T, capacity uint64, maxFrame uint32) (*Producer, *Consumer) {
	t.Helper()
	region := NewInMemory(RegionSize(capacity))
	p, err := Format(region.Bytes(), capacity, maxFrame)
	require.NoError(t, err)
	c, err := Attach(region.Bytes(), maxFrame)
	require.NoError(t, err)
	return p, c
}

func TestAttachRejectsBadHeader(t *testing.T) {
	region := NewInMemory(RegionSize(4096))

	_, err := Attach(region.Bytes(), 0)
	require.ErrorIs(t, err, ErrMagicMismatch)

	_, err = Format(region.Bytes(), 4096, 0)
	require.NoError(t, err)

	h := header{b: region.Bytes()}
	atomic.StoreUint32(h.u32(offVersion), 99)
	_, err = Attach(region.Bytes(), 0)
	require.ErrorIs(t, err, ErrVersionMismatch)
	atomic.StoreUint32(h.u32(offVersion), Version)

	// A capacity that is not a power of two is refused even with good magic.
	atomic.StoreUint64(h.u64(offCapacity), 4095)
	_, err = Attach(region.Bytes(), 0)
	require.ErrorIs(t, err, ErrBadCapacity)
}

func TestFIFONoDuplicationNoReordering(t *testing.T) {
	p, c := newPair(t, 1<<16, 0)

	var want [][]byte
	for i := 0; i < 500; i++ {
		payload := []byte(fmt.Sprintf("frame-%04d", i))
		require.True(t, p.TryEnqueue(payload))
		want = append(want, payload)
	}

	var got [][]byte
	c.Drain(func(frame []byte) { got = append(got, frame) })
	require.Equal(t, want, got)
	require.EqualValues(t, 0, c.Dropped())
}

func TestWrapAtBoundary(t *testing.T) {
	// Ring of 4096: place the write cursor at 4088 so a 64-byte frame
	// spans the end of the data area.
	p, c := newPair(t, 4096, 0)

	pad := make([]byte, 4084) // 4 + 4084 advances the cursor to 4088
	require.True(t, p.TryEnqueue(pad))
	require.NotNil(t, c.Dequeue())
	require.EqualValues(t, 4088, p.tail)

	frame := bytes.Repeat([]byte{0xAB}, 64)
	require.True(t, p.TryEnqueue(frame))

	got := c.Dequeue()
	require.Equal(t, frame, got)
}

func TestFullRingDropsAndCounts(t *testing.T) {
	p, c := newPair(t, 4096, 0)

	payload := make([]byte, 1020) // 1024 with the prefix
	accepted := 0
	for i := 0; i < 10; i++ {
		if p.TryEnqueue(payload) {
			accepted++
		}
	}
	require.Equal(t, 4, accepted)
	require.EqualValues(t, 6, p.Dropped())

	// Space reopens once the consumer advances head.
	require.NotNil(t, c.Dequeue())
	require.True(t, p.TryEnqueue(payload))
}

func TestOversizeFrameRejectedAtEnqueue(t *testing.T) {
	p, _ := newPair(t, 4096, 256)
	require.False(t, p.TryEnqueue(make([]byte, 257)))
	require.EqualValues(t, 1, p.Dropped())
}

func TestPoisonedLengthResyncsAndRecovers(t *testing.T) {
	capacity := uint64(4096)
	p, c := newPair(t, capacity, 0)

	// Forge a frame declaring length = capacity, bypassing the producer's
	// own validation the way a hostile peer would.
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(capacity))
	p.copyIn(p.tail, lenBuf[:])
	p.tail += 4 + 16
	p.hdr.storeTail(p.tail)

	require.Nil(t, c.Dequeue())
	require.EqualValues(t, 1, c.Resyncs())

	// Well-formed frames after the resync flow normally.
	require.True(t, p.TryEnqueue([]byte("after-poison")))
	require.Equal(t, []byte("after-poison"), c.Dequeue())
}

func TestBogusTailBeyondCapacityResyncs(t *testing.T) {
	p, c := newPair(t, 4096, 0)

	p.hdr.storeTail(1 << 40)
	require.Nil(t, c.Dequeue())
	require.EqualValues(t, 1, c.Resyncs())
}

func TestRunDrainsUntilStop(t *testing.T) {
	p, c := newPair(t, 1<<16, 0)

	var got atomic.Uint64
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(stop, func([]byte) { got.Add(1) })
	}()

	const n = 1000
	go func() {
		for i := 0; i < n; i++ {
			for !p.TryEnqueue([]byte("x")) {
				time.Sleep(10 * time.Microsecond)
			}
		}
	}()

	require.Eventually(t, func() bool { return got.Load() == n }, 5*time.Second, time.Millisecond)
	close(stop)
	<-done
	require.EqualValues(t, n, c.Frames())
}

func TestProducerSeqAdvancesOnEnqueueAndHeartbeat(t *testing.T) {
	p, c := newPair(t, 4096, 0)
	require.EqualValues(t, 0, c.ProducerSeq())
	p.TryEnqueue([]byte("a"))
	require.EqualValues(t, 1, c.ProducerSeq())
	p.Heartbeat()
	require.EqualValues(t, 2, c.ProducerSeq())
}
