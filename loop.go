package wasapi

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/windows"
)

// LoopState is the lifecycle state of an I/O loop.
type LoopState int32

const (
	LoopIdle LoopState = iota
	LoopStarting
	LoopRunning
	LoopStopping
	LoopStopped
	LoopErrored
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "idle"
	case LoopStarting:
		return "starting"
	case LoopRunning:
		return "running"
	case LoopStopping:
		return "stopping"
	case LoopStopped:
		return "stopped"
	case LoopErrored:
		return "errored"
	}

	return fmt.Sprintf("LoopState(%d)", int32(s))
}

// LatencyStats is a point-in-time snapshot of the loop's health counters.
// Underruns and Overruns are cumulative frame totals from the ring; jitter
// measures how far period wakeups strayed from the granted period. Degraded
// is set when real-time elevation was denied and the loop ran at normal
// thread priority.
type LatencyStats struct {
	Underruns    uint64
	Overruns     uint64
	JitterMeanMs float64
	JitterMaxMs  float64
	Degraded     bool
}

// streamSession is the slice of Session the loop drives. Split out so loop
// tests can run against fakes with real event handles and no audio hardware.
type streamSession interface {
	Config() SessionConfig
	Event() windows.Handle
	Start() error
	Stop() error
}

// capturePort delivers engine packets into the loop.
type capturePort interface {
	streamSession
	nextPacket() ([]byte, uint32, uint32, error)
	releasePacket(frames uint32) error
}

// renderPort accepts frames from the loop into the engine buffer.
type renderPort interface {
	streamSession
	padding() (uint32, error)
	renderBuffer(frames uint32) ([]byte, error)
	releaseRender(frames, flags uint32) error
}

// Loop drives one session through its period events, moving frames between
// the session and a ring buffer. A capture loop is the ring's single writer;
// a render loop is its single reader. A full-duplex path is two loops
// sharing one ring.
//
// The loop goroutine locks itself to an OS thread, joins the COM apartment
// and elevates to pro-audio scheduling for its whole run. The per-period
// step does no allocation, no blocking I/O and takes no locks.
type Loop struct {
	ring    *RingBuffer
	capture capturePort
	render  renderPort

	state atomic.Int32
	done  chan struct{}
	err   error // Written once before done is closed.

	// stopMu guards stopEvent against Stop racing the loop's teardown. The
	// handle is zeroed before it is closed, so a late Stop never signals a
	// recycled handle.
	stopMu    sync.Mutex
	stopEvent windows.Handle

	// Seams for tests; default to ElevatePriority and CreateEvent.
	elevate      func() (*PriorityToken, error)
	newStopEvent func() (windows.Handle, error)

	// Jitter is tracked in microseconds with atomics so the period path
	// takes no locks and Stats can read from any goroutine.
	degraded    atomic.Bool
	jitterCount atomic.Uint64
	jitterSumUs atomic.Uint64
	jitterMaxUs atomic.Uint64
}

// NewCaptureLoop builds a loop that drains a capture session into ring.
func NewCaptureLoop(s *Session, ring *RingBuffer) *Loop {
	return newLoop(s, nil, ring)
}

// NewRenderLoop builds a loop that feeds a render session from ring.
func NewRenderLoop(s *Session, ring *RingBuffer) *Loop {
	return newLoop(nil, s, ring)
}

func newLoop(capture capturePort, render renderPort, ring *RingBuffer) *Loop {
	return &Loop{
		ring:    ring,
		capture: capture,
		render:  render,
		done:    make(chan struct{}),
		elevate: ElevatePriority,
		newStopEvent: func() (windows.Handle, error) {
			return windows.CreateEvent(nil, 1, 0, nil)
		},
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() LoopState {
	return LoopState(l.state.Load())
}

// Err returns the terminal error after the loop reached Errored, nil
// otherwise. Valid once Wait has returned.
func (l *Loop) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Start launches the loop goroutine. The loop owns the session from here;
// it stops and closes nothing on its own except through Stop or a device
// failure.
func (l *Loop) Start() error {
	if !l.state.CompareAndSwap(int32(LoopIdle), int32(LoopStarting)) {
		return fmt.Errorf("loop already started (state %s)", l.State())
	}

	stop, err := l.newStopEvent()
	if err != nil {
		err = fmt.Errorf("stop event failed: %w", err)
		l.fail(err)
		close(l.done)

		return err
	}

	l.stopMu.Lock()
	l.stopEvent = stop
	l.stopMu.Unlock()

	if l.render != nil {
		// One period of silence so the first quantum cannot underrun. Seeded
		// here, before the loop goroutine exists: once Start returns the ring
		// has exactly one writer (the application) and the loop only reads.
		l.ring.PrimeSilence(l.port().Config().GrantedPeriod)
	}

	go l.run()

	return nil
}

// Stop requests a stop. The loop observes it at the next period boundary,
// drains the in-flight period and shuts the stream down. Safe to call more
// than once and from any goroutine.
func (l *Loop) Stop() {
	l.stopMu.Lock()
	if l.stopEvent != 0 {
		_ = windows.SetEvent(l.stopEvent)
	}
	l.stopMu.Unlock()
}

// Wait blocks until the loop has fully stopped and returns its terminal
// error, nil after a clean stop.
func (l *Loop) Wait() error {
	<-l.done

	return l.err
}

// Stats returns a snapshot of the loop's latency counters. Callable from any
// goroutine at any time.
func (l *Loop) Stats() LatencyStats {
	st := LatencyStats{
		Underruns: l.ring.Underruns(),
		Overruns:  l.ring.Overruns(),
		Degraded:  l.degraded.Load(),
	}

	if n := l.jitterCount.Load(); n > 0 {
		st.JitterMeanMs = float64(l.jitterSumUs.Load()) / float64(n) / 1e3
	}
	st.JitterMaxMs = float64(l.jitterMaxUs.Load()) / 1e3

	return st
}

func (l *Loop) port() streamSession {
	if l.capture != nil {
		return l.capture
	}

	return l.render
}

func (l *Loop) fail(err error) {
	l.state.Store(int32(LoopErrored))
	l.err = err
}

func (l *Loop) closeStopEvent() {
	l.stopMu.Lock()
	if l.stopEvent != 0 {
		windows.CloseHandle(l.stopEvent)
		l.stopEvent = 0
	}
	l.stopMu.Unlock()
}

func (l *Loop) run() {
	defer close(l.done)
	defer l.closeStopEvent()

	comDone, err := comThread()
	if err != nil {
		l.fail(err)

		return
	}
	defer comDone()

	// Elevation denial degrades latency but never stops the stream.
	token, err := l.elevate()
	if err != nil {
		l.degraded.Store(true)
	}
	defer token.Revert()

	port := l.port()
	cfg := port.Config()

	if l.render != nil {
		// Fill whatever the endpoint buffer will take before the clock runs.
		if err := l.fillRender(); err != nil {
			l.fail(l.classify(err))

			return
		}
	}

	if err := port.Start(); err != nil {
		l.fail(l.classify(err))

		return
	}
	l.state.Store(int32(LoopRunning))

	handles := []windows.Handle{l.stopEvent, port.Event()}
	expected := cfg.PeriodDuration()
	last := time.Now()
	first := true

	for {
		ev, werr := windows.WaitForMultipleObjects(handles, false, windows.INFINITE)
		if werr != nil {
			_ = port.Stop()
			l.fail(fmt.Errorf("period wait failed: %w", werr))

			return
		}

		if ev == windows.WAIT_OBJECT_0 {
			break
		}

		now := time.Now()
		if first {
			// The interval up to the first wake includes stream startup; it
			// says nothing about period stability.
			first = false
		} else {
			l.recordJitter(now.Sub(last), expected)
		}
		last = now

		if err := l.step(); err != nil {
			_ = port.Stop()
			l.fail(l.classify(err))

			return
		}
	}

	// Stop observed: drain the in-flight period, then halt the stream.
	l.state.Store(int32(LoopStopping))
	_ = l.step()

	if err := port.Stop(); err != nil {
		l.fail(l.classify(err))

		return
	}

	l.state.Store(int32(LoopStopped))
}

// step moves one period's worth of frames. Runs on the period thread only.
func (l *Loop) step() error {
	if l.capture != nil {
		return l.drainCapture()
	}

	return l.fillRender()
}

// drainCapture empties every pending engine packet into the ring. Packets
// flagged silent carry no valid data and land as zero frames.
func (l *Loop) drainCapture() error {
	for {
		data, frames, flags, err := l.capture.nextPacket()
		if err != nil {
			return err
		}
		if frames == 0 {
			return nil
		}

		if flags&AUDCLNT_BUFFERFLAGS_SILENT != 0 || data == nil {
			l.ring.PrimeSilence(frames)
		} else {
			l.ring.Write(data)
		}

		if err := l.capture.releasePacket(frames); err != nil {
			return err
		}
	}
}

// fillRender tops the endpoint buffer up from the ring, zero-padding any
// shortfall so the engine always gets full frames.
func (l *Loop) fillRender() error {
	pad, err := l.render.padding()
	if err != nil {
		return err
	}

	cfg := l.render.Config()
	if pad >= cfg.BufferFrames {
		return nil
	}
	free := cfg.BufferFrames - pad

	buf, err := l.render.renderBuffer(free)
	if err != nil {
		return err
	}

	got := l.ring.Read(buf)
	clear(buf[uint32(got)*l.ring.FrameSize():])

	return l.render.releaseRender(free, 0)
}

func (l *Loop) classify(err error) error {
	if deviceGone(err) {
		return fmt.Errorf("%w: %v", ErrDeviceInvalidated, err)
	}

	return err
}

func (l *Loop) recordJitter(got, expected time.Duration) {
	us := uint64((got - expected).Abs() / time.Microsecond)

	l.jitterCount.Add(1)
	l.jitterSumUs.Add(us)

	for {
		cur := l.jitterMaxUs.Load()
		if us <= cur || l.jitterMaxUs.CompareAndSwap(cur, us) {
			return
		}
	}
}
