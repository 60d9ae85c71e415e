package wasapi

import (
	"fmt"
	"sync/atomic"
)

// RingBuffer is a fixed-capacity single-producer/single-consumer ring of
// interleaved audio frames shared between the hardware-facing thread and the
// application thread.
//
// Both Write and Read are non-blocking and lock-free: cursors are monotonic
// atomic frame counters, and each side only ever advances its own cursor.
// Writes that exceed free space drop the excess and account it as overrun;
// reads that exceed available data return short and account the shortfall as
// underrun. Neither condition is an error, both are latency telemetry.
//
// Exactly one goroutine may write and exactly one may read; no other
// concurrency pattern is supported.
type RingBuffer struct {
	buf      []byte
	capacity uint64 // In frames.
	stride   uint64 // Bytes per frame.

	writePos atomic.Uint64 // Total frames ever written.
	readPos  atomic.Uint64 // Total frames ever consumed.

	overruns  atomic.Uint64 // Total frames dropped on write.
	underruns atomic.Uint64 // Total frames short on read.
}

// NewRingBuffer allocates a ring holding capacityFrames frames of frameSize
// bytes each. All storage is allocated up front; a power-of-two capacity
// avoids a division per wrap but is not required.
func NewRingBuffer(capacityFrames, frameSize uint32) (*RingBuffer, error) {
	if capacityFrames == 0 || frameSize == 0 {
		return nil, fmt.Errorf("invalid ring dimensions: %d frames x %d bytes", capacityFrames, frameSize)
	}

	return &RingBuffer{
		buf:      make([]byte, uint64(capacityFrames)*uint64(frameSize)),
		capacity: uint64(capacityFrames),
		stride:   uint64(frameSize),
	}, nil
}

// Capacity returns the ring capacity in frames.
func (r *RingBuffer) Capacity() uint32 {
	return uint32(r.capacity)
}

// FrameSize returns the stride of one frame in bytes.
func (r *RingBuffer) FrameSize() uint32 {
	return uint32(r.stride)
}

// Available returns the number of frames ready to read.
func (r *RingBuffer) Available() uint32 {
	return uint32(r.writePos.Load() - r.readPos.Load())
}

// Free returns the number of frames that can be written without dropping.
func (r *RingBuffer) Free() uint32 {
	return uint32(r.capacity - (r.writePos.Load() - r.readPos.Load()))
}

// Overruns returns the total number of frames dropped by Write so far.
func (r *RingBuffer) Overruns() uint64 {
	return r.overruns.Load()
}

// Underruns returns the total shortfall in frames accumulated by Read so far.
func (r *RingBuffer) Underruns() uint64 {
	return r.underruns.Load()
}

// Write copies whole frames from p into the ring. It writes as many frames as
// fit, drops the rest and accounts them as overrun, and returns the number of
// frames actually written. Trailing bytes smaller than one frame are ignored.
// Write never blocks and never allocates.
func (r *RingBuffer) Write(p []byte) int {
	offered := uint64(len(p)) / r.stride
	if offered == 0 {
		return 0
	}

	w := r.writePos.Load()
	free := r.capacity - (w - r.readPos.Load())

	take := offered
	if take > free {
		take = free
	}

	r.copyIn(w, p[:take*r.stride])

	// Publish after the copy so the reader never observes unwritten frames.
	r.writePos.Store(w + take)

	if dropped := offered - take; dropped > 0 {
		r.overruns.Add(dropped)
	}

	return int(take)
}

// Read copies up to len(dst)/stride whole frames out of the ring. If fewer
// frames are available than requested it returns what is there and accounts
// the shortfall as underrun; the caller decides how to cover the gap
// (silence for render, a short chunk for capture). Read never blocks.
func (r *RingBuffer) Read(dst []byte) int {
	want := uint64(len(dst)) / r.stride
	if want == 0 {
		return 0
	}

	rd := r.readPos.Load()
	avail := r.writePos.Load() - rd

	take := want
	if take > avail {
		take = avail
	}

	r.copyOut(rd, dst[:take*r.stride])

	// Release the consumed frames only after the copy completes.
	r.readPos.Store(rd + take)

	if short := want - take; short > 0 {
		r.underruns.Add(short)
	}

	return int(take)
}

// PrimeSilence writes up to frames of silence, returning the number of frames
// primed. Used to pre-fill a render ring before the stream starts so the
// first period does not immediately underrun.
func (r *RingBuffer) PrimeSilence(frames uint32) int {
	w := r.writePos.Load()
	free := r.capacity - (w - r.readPos.Load())

	take := uint64(frames)
	if take > free {
		take = free
	}

	r.zeroRange(w, take)
	r.writePos.Store(w + take)

	return int(take)
}

// Reset empties the ring and clears the counters. Only valid while neither
// side is running.
func (r *RingBuffer) Reset() {
	r.readPos.Store(0)
	r.writePos.Store(0)
	r.overruns.Store(0)
	r.underruns.Store(0)
}

// copyIn copies src into the ring starting at frame cursor w, wrapping once.
func (r *RingBuffer) copyIn(w uint64, src []byte) {
	start := (w % r.capacity) * r.stride
	n := copy(r.buf[start:], src)
	if n < len(src) {
		copy(r.buf, src[n:])
	}
}

// copyOut copies frames starting at frame cursor rd into dst, wrapping once.
func (r *RingBuffer) copyOut(rd uint64, dst []byte) {
	start := (rd % r.capacity) * r.stride
	n := copy(dst, r.buf[start:])
	if n < len(dst) {
		copy(dst[n:], r.buf)
	}
}

// zeroRange clears frames frames starting at cursor w.
func (r *RingBuffer) zeroRange(w uint64, frames uint64) {
	start := (w % r.capacity) * r.stride
	total := frames * r.stride

	end := start + total
	if end > uint64(len(r.buf)) {
		end = uint64(len(r.buf))
	}

	clear(r.buf[start:end])
	if rem := total - (end - start); rem > 0 {
		clear(r.buf[:rem])
	}
}
