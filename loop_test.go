package wasapi

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
)

// The loop is exercised against fake ports with real event handles, so the
// full state machine runs without any audio hardware.

var testLoopConfig = SessionConfig{
	Format:        DefaultEngineFormat,
	GrantedPeriod: 480,
	BufferFrames:  960,
}

type fakeStream struct {
	cfg     SessionConfig
	event   windows.Handle
	started atomic.Bool
	stopped atomic.Bool
}

func newFakeStream(t *testing.T, cfg SessionConfig) *fakeStream {
	t.Helper()

	ev, err := windows.CreateEvent(nil, 0, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { windows.CloseHandle(ev) })

	return &fakeStream{cfg: cfg, event: ev}
}

func (f *fakeStream) Config() SessionConfig { return f.cfg }
func (f *fakeStream) Event() windows.Handle { return f.event }

func (f *fakeStream) Start() error {
	f.started.Store(true)

	return nil
}

func (f *fakeStream) Stop() error {
	f.stopped.Store(true)

	return nil
}

func (f *fakeStream) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, windows.SetEvent(f.event))
}

type fakePacket struct {
	data  []byte
	flags uint32
}

type fakeCapturePort struct {
	*fakeStream

	mu       sync.Mutex
	packets  []fakePacket
	fail     error
	released atomic.Uint32
}

func (f *fakeCapturePort) nextPacket() ([]byte, uint32, uint32, error) {
	if f.fail != nil {
		return nil, 0, 0, f.fail
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.packets) == 0 {
		return nil, 0, 0, nil
	}

	p := f.packets[0]
	f.packets = f.packets[1:]
	frames := uint32(len(p.data)) / f.cfg.Format.FrameSize()

	if p.flags&AUDCLNT_BUFFERFLAGS_SILENT != 0 {
		return nil, frames, p.flags, nil
	}

	return p.data, frames, p.flags, nil
}

func (f *fakeCapturePort) releasePacket(frames uint32) error {
	f.released.Add(frames)

	return nil
}

type fakeRenderPort struct {
	*fakeStream

	mu       sync.Mutex
	full     bool
	buf      []byte
	received [][]byte
	fills    int
}

func (f *fakeRenderPort) padding() (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Report the buffer empty exactly once so the test sees a single
	// deterministic fill. A full port never accepts frames at all.
	if f.full || f.fills > 0 {
		return f.cfg.BufferFrames, nil
	}
	f.fills++

	return 0, nil
}

func (f *fakeRenderPort) renderBuffer(frames uint32) ([]byte, error) {
	f.buf = make([]byte, frames*f.cfg.Format.FrameSize())

	return f.buf, nil
}

func (f *fakeRenderPort) releaseRender(frames, _ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.received = append(f.received, f.buf[:frames*f.cfg.Format.FrameSize()])

	return nil
}

func noElevation() (*PriorityToken, error) {
	return &PriorityToken{}, nil
}

func testRing(t *testing.T) *RingBuffer {
	t.Helper()

	ring, err := NewRingBuffer(960, testLoopConfig.Format.FrameSize())
	require.NoError(t, err)

	return ring
}

func fill(frames int, b byte) []byte {
	p := make([]byte, frames*int(testLoopConfig.Format.FrameSize()))
	for i := range p {
		p[i] = b
	}

	return p
}

func waitRunning(t *testing.T, l *Loop) {
	t.Helper()
	require.Eventually(t, func() bool { return l.State() == LoopRunning }, 2*time.Second, time.Millisecond)
}

func TestCaptureLoopDrainsAllPendingPackets(t *testing.T) {
	port := &fakeCapturePort{fakeStream: newFakeStream(t, testLoopConfig)}
	port.packets = []fakePacket{
		{data: fill(240, 0x11)},
		{data: fill(240, 0x22)},
		{flags: AUDCLNT_BUFFERFLAGS_SILENT, data: fill(120, 0xFF)},
	}

	ring := testRing(t)
	loop := newLoop(port, nil, ring)
	loop.elevate = noElevation

	require.NoError(t, loop.Start())
	waitRunning(t, loop)
	require.True(t, port.started.Load())

	// One period signal drains every pending packet, silent ones included.
	port.tick(t)
	require.Eventually(t, func() bool { return ring.Available() == 600 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, uint32(600), port.released.Load())

	loop.Stop()
	require.NoError(t, loop.Wait())
	assert.Equal(t, LoopStopped, loop.State())
	assert.True(t, port.stopped.Load())

	got := make([]byte, testLoopConfig.Format.FramesToBytes(600))
	require.Equal(t, 600, ring.Read(got))

	stride := int(testLoopConfig.Format.FrameSize())
	assert.True(t, bytes.Equal(got[:240*stride], fill(240, 0x11)))
	assert.True(t, bytes.Equal(got[240*stride:480*stride], fill(240, 0x22)))
	assert.True(t, bytes.Equal(got[480*stride:], fill(120, 0x00)), "silent packets must land as silence")
}

func TestRenderLoopPrimesAndPadsShortfall(t *testing.T) {
	port := &fakeRenderPort{fakeStream: newFakeStream(t, testLoopConfig)}

	ring := testRing(t)
	require.Equal(t, 240, ring.Write(fill(240, 0x33)))

	loop := newLoop(nil, port, ring)
	loop.elevate = noElevation

	require.NoError(t, loop.Start())
	waitRunning(t, loop)

	loop.Stop()
	require.NoError(t, loop.Wait())
	assert.Equal(t, LoopStopped, loop.State())

	port.mu.Lock()
	defer port.mu.Unlock()
	require.Len(t, port.received, 1)

	// The single fill covers the whole endpoint buffer: the queued audio
	// first, then the primed period of silence, then zero padding for the
	// shortfall.
	got := port.received[0]
	stride := int(testLoopConfig.Format.FrameSize())
	require.Len(t, got, 960*stride)

	assert.True(t, bytes.Equal(got[:240*stride], fill(240, 0x33)))
	assert.True(t, bytes.Equal(got[240*stride:], fill(720, 0x00)))

	// 240 data + 480 primed silence were available; the last 240 frames are
	// the accounted shortfall.
	assert.Equal(t, uint64(240), ring.Underruns())
}

func TestRenderLoopSeedsSilenceBeforeStartReturns(t *testing.T) {
	port := &fakeRenderPort{fakeStream: newFakeStream(t, testLoopConfig), full: true}

	ring := testRing(t)
	loop := newLoop(nil, port, ring)
	loop.elevate = noElevation

	require.NoError(t, loop.Start())

	// The silence is already in the ring when Start returns; from here on the
	// caller is the ring's only writer and the loop only reads.
	assert.Equal(t, uint32(480), ring.Available())
	assert.Equal(t, 240, ring.Write(fill(240, 0x44)))
	assert.Equal(t, uint32(720), ring.Available())

	loop.Stop()
	require.NoError(t, loop.Wait())
}

func TestLoopDeviceInvalidatedIsTerminal(t *testing.T) {
	port := &fakeCapturePort{fakeStream: newFakeStream(t, testLoopConfig)}
	port.fail = AUDCLNT_E_DEVICE_INVALIDATED

	loop := newLoop(port, nil, testRing(t))
	loop.elevate = noElevation

	require.NoError(t, loop.Start())
	waitRunning(t, loop)

	port.tick(t)

	err := loop.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceInvalidated)
	assert.Equal(t, LoopErrored, loop.State())
	assert.True(t, port.stopped.Load(), "the stream must be halted on the way out")
	assert.ErrorIs(t, loop.Err(), ErrDeviceInvalidated)
}

func TestLoopRunsDegradedWhenElevationDenied(t *testing.T) {
	port := &fakeCapturePort{fakeStream: newFakeStream(t, testLoopConfig)}

	loop := newLoop(port, nil, testRing(t))
	loop.elevate = func() (*PriorityToken, error) {
		return nil, errors.New("AvSetMmThreadCharacteristics denied")
	}

	require.NoError(t, loop.Start())
	waitRunning(t, loop)

	assert.True(t, loop.Stats().Degraded)

	loop.Stop()
	require.NoError(t, loop.Wait(), "denied elevation must not stop the stream")
	assert.Equal(t, LoopStopped, loop.State())
	assert.True(t, loop.Stats().Degraded, "the degraded flag is sticky")
}

func TestLoopStopIsIdempotentAndBounded(t *testing.T) {
	port := &fakeCapturePort{fakeStream: newFakeStream(t, testLoopConfig)}

	loop := newLoop(port, nil, testRing(t))
	loop.elevate = noElevation

	require.NoError(t, loop.Start())
	assert.Error(t, loop.Start(), "a loop cannot be started twice")

	waitRunning(t, loop)

	loop.Stop()
	loop.Stop()

	require.NoError(t, loop.Wait())
	require.NoError(t, loop.Wait(), "Wait is repeatable after completion")
	assert.Equal(t, LoopStopped, loop.State())
	assert.Nil(t, loop.Err())

	// The stop event is gone once the loop has wound down; a late Stop must
	// not touch a closed handle.
	loop.stopMu.Lock()
	assert.Equal(t, windows.Handle(0), loop.stopEvent)
	loop.stopMu.Unlock()
	loop.Stop()
}

func TestLoopStartupDelayNotCountedAsJitter(t *testing.T) {
	port := &fakeCapturePort{fakeStream: newFakeStream(t, testLoopConfig)}
	port.packets = []fakePacket{{data: fill(120, 0x55)}}

	ring := testRing(t)
	loop := newLoop(port, nil, ring)
	loop.elevate = noElevation

	require.NoError(t, loop.Start())
	waitRunning(t, loop)

	// Far longer than the 10 ms period, so counting this wake would show up
	// as tens of milliseconds of jitter.
	time.Sleep(50 * time.Millisecond)
	port.tick(t)
	require.Eventually(t, func() bool { return ring.Available() == 120 }, 2*time.Second, time.Millisecond)

	loop.Stop()
	require.NoError(t, loop.Wait())

	st := loop.Stats()
	assert.Zero(t, st.JitterMaxMs, "the first wake measures startup, not period stability")
	assert.Zero(t, st.JitterMeanMs)
}

func TestLoopStartEventFailureUnblocksWait(t *testing.T) {
	port := &fakeCapturePort{fakeStream: newFakeStream(t, testLoopConfig)}

	loop := newLoop(port, nil, testRing(t))
	loop.elevate = noElevation
	loop.newStopEvent = func() (windows.Handle, error) {
		return 0, errors.New("out of handles")
	}

	err := loop.Start()
	require.Error(t, err)
	assert.Equal(t, LoopErrored, loop.State())

	// Wait must not block on a loop that never launched.
	require.ErrorIs(t, loop.Wait(), err)
	require.ErrorIs(t, loop.Err(), err)
	assert.False(t, port.started.Load())
}
