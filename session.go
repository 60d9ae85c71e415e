package wasapi

import (
	"errors"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// defaultFallbackPeriod is used when the endpoint offers no IAudioClient3
// small-period negotiation, matching the classic shared-mode buffer duration.
const defaultFallbackPeriod = 10 * time.Millisecond

// EnginePeriods carries the shared-mode engine period limits for a format,
// all in frames.
type EnginePeriods struct {
	Default     uint32
	Fundamental uint32
	Min         uint32
	Max         uint32
}

// Session is an activated shared-mode audio stream: the audio client, the
// capture or render service, the period event and the granted stream
// parameters. Exactly one of capture and render is non-nil. A Session is
// driven by a Loop and closed exactly once.
//
// The session keeps the process apartment open on a dedicated thread until
// Close, so its interface pointers stay valid and its methods may be called
// from any goroutine.
type Session struct {
	config   SessionConfig
	flow     DataFlow
	loopback bool

	com     *comKeeper
	client  *iAudioClient
	client3 *iAudioClient3
	capture *iAudioCaptureClient
	render  *iAudioRenderClient
	event   windows.Handle

	closed bool
}

// Config returns the stream parameters as granted at activation.
func (s *Session) Config() SessionConfig {
	return s.config
}

// Flow returns the direction of the stream service: ECapture for capture
// and loopback sessions, ERender for render sessions.
func (s *Session) Flow() DataFlow {
	return s.flow
}

// Loopback reports whether the session captures a render endpoint's output.
func (s *Session) Loopback() bool {
	return s.loopback
}

// Event returns the period event handle the engine signals each quantum.
func (s *Session) Event() windows.Handle {
	return s.event
}

// Start begins streaming on the endpoint.
func (s *Session) Start() error {
	return s.client.Start()
}

// Stop halts streaming. The engine stops signalling the period event.
func (s *Session) Stop() error {
	return s.client.Stop()
}

// Close stops the stream if needed and releases every native resource.
// Safe to call more than once.
func (s *Session) Close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true

	if s.client != nil {
		_ = s.client.Stop()
	}

	release(s.capture)
	release(s.render)
	if s.client3 != nil {
		release(s.client3)
	} else {
		release(s.client)
	}

	if s.event != 0 {
		windows.CloseHandle(s.event)
		s.event = 0
	}

	// The apartment goes last; every pointer above belonged to it.
	s.com.release()
}

// ActivateDevice opens a shared-mode stream on an endpoint. flow selects the
// direction of the session: ECapture captures from the endpoint, ERender
// renders to it. Capturing a render endpoint takes the loopback path, so the
// session delivers whatever the endpoint is playing.
//
// The minimum engine period is requested through IAudioClient3; if the
// device rejects it, activation retries exactly once with the default
// period before failing with an ActivationError. Endpoints without
// IAudioClient3 fall back to the classic 10 ms initialization.
func ActivateDevice(ep *Endpoint, flow DataFlow, cfg SessionConfig) (*Session, error) {
	keeper, err := newComKeeper()
	if err != nil {
		return nil, err
	}

	done, err := comThread()
	if err != nil {
		keeper.release()

		return nil, err
	}
	defer done()

	enum, err := newDeviceEnumerator()
	if err != nil {
		keeper.release()

		return nil, err
	}
	defer release(enum)

	dev, err := enum.GetDevice(ep.ID)
	if err != nil {
		keeper.release()

		return nil, fmt.Errorf("%w: endpoint %q no longer present: %v", ErrInvalidSelection, ep.Name, err)
	}
	defer release(dev)

	s := &Session{config: cfg, flow: flow, com: keeper}

	flags := AUDCLNT_STREAMFLAGS_EVENTCALLBACK
	if flow == ECapture && ep.Flow == ERender {
		s.loopback = true
		flags |= AUDCLNT_STREAMFLAGS_LOOPBACK
	}

	if err := s.initializeClient(dev, flags); err != nil {
		s.Close()

		return nil, err
	}

	if err := s.finishActivation(); err != nil {
		s.Close()

		return nil, err
	}

	return s, nil
}

// ActivateProcessLoopback opens a capture stream over the audio of a single
// process (or its tree). The format is taken from cfg verbatim; the virtual
// endpoint renders into whatever the client specifies.
func ActivateProcessLoopback(pid uint32, includeTree bool, cfg SessionConfig) (*Session, error) {
	keeper, err := newComKeeper()
	if err != nil {
		return nil, err
	}

	done, err := comThread()
	if err != nil {
		keeper.release()

		return nil, err
	}
	defer done()

	client, err := activateProcessLoopbackClient(pid, includeTree, DefaultActivationTimeout)
	if err != nil {
		keeper.release()

		return nil, err
	}

	s := &Session{config: cfg, flow: ECapture, loopback: true, com: keeper, client: client}

	buf, wfx := cfg.Format.native()
	flags := AUDCLNT_STREAMFLAGS_LOOPBACK | AUDCLNT_STREAMFLAGS_EVENTCALLBACK

	err = client.Initialize(AUDCLNT_SHAREMODE_SHARED, flags, DurationToRefTime(defaultFallbackPeriod), 0, wfx)
	runtime.KeepAlive(buf)
	if err != nil {
		s.Close()

		return nil, &ActivationError{Op: "process loopback Initialize", Code: asHResult(err)}
	}

	s.config.GrantedPeriod = cfg.Format.DurationToFrames(defaultFallbackPeriod)

	if err := s.finishActivation(); err != nil {
		s.Close()

		return nil, err
	}

	return s, nil
}

// ActivateCapture dispatches a capture target to the matching activation
// path: process targets go through the asynchronous loopback activation,
// endpoint targets through the regular device path.
func ActivateCapture(target CaptureTarget, cfg SessionConfig) (*Session, error) {
	if target.IsProcess() {
		return ActivateProcessLoopback(target.PID, target.IncludeTree, cfg)
	}

	return ActivateDevice(target.Endpoint, ECapture, cfg)
}

// initializeClient activates the audio client on dev and initializes the
// stream, preferring the IAudioClient3 small-period path.
func (s *Session) initializeClient(dev *iMMDevice, flags uint32) error {
	buf, wfx := s.config.Format.native()

	raw, err := dev.Activate(&IID_IAudioClient3)
	if err == nil {
		s.client3 = (*iAudioClient3)(raw)
		s.client = s.client3.base()

		props := audioClientProperties{
			CbSize:   uint32(unsafe.Sizeof(audioClientProperties{})),
			Category: AudioCategory_Media,
		}
		// Best effort; some drivers reject properties they do not know.
		_ = s.client3.SetClientProperties(&props)

		def, _, min, max, err := s.client3.GetSharedModeEnginePeriod(wfx)
		if err != nil {
			return err
		}

		period := min
		if s.config.RequestedPeriod != 0 {
			period = s.config.RequestedPeriod
			if period < min {
				period = min
			}
			if period > max {
				period = max
			}
		}

		err = s.client3.InitializeSharedAudioStream(flags, period, wfx)
		if err != nil && period != def {
			// The driver advertised a minimum it will not actually grant.
			// One retry with the default period, then give up.
			period = def
			err = s.client3.InitializeSharedAudioStream(flags, period, wfx)
		}
		if err != nil {
			return &ActivationError{Op: "InitializeSharedAudioStream", Code: asHResult(err)}
		}

		s.config.GrantedPeriod = period
	} else {
		raw, err = dev.Activate(&IID_IAudioClient)
		if err != nil {
			return err
		}

		s.client = (*iAudioClient)(raw)

		err = s.client.Initialize(AUDCLNT_SHAREMODE_SHARED, flags, DurationToRefTime(defaultFallbackPeriod), 0, wfx)
		if err != nil {
			return &ActivationError{Op: "Initialize", Code: asHResult(err)}
		}

		defPeriod, _, err := s.client.GetDevicePeriod()
		if err != nil {
			return err
		}

		s.config.GrantedPeriod = s.config.Format.DurationToFrames(RefTimeToDuration(defPeriod))
	}

	// wfx aliases buf; the native calls above are done with it now.
	runtime.KeepAlive(buf)

	return nil
}

// finishActivation wires the period event and the stream service onto an
// initialized client.
func (s *Session) finishActivation() error {
	frames, err := s.client.GetBufferSize()
	if err != nil {
		return err
	}
	s.config.BufferFrames = frames

	event, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return fmt.Errorf("period event failed: %w", err)
	}
	s.event = event

	if err := s.client.SetEventHandle(event); err != nil {
		return err
	}

	if s.flow == ECapture {
		raw, err := s.client.GetService(&IID_IAudioCaptureClient)
		if err != nil {
			return err
		}
		s.capture = (*iAudioCaptureClient)(raw)
	} else {
		raw, err := s.client.GetService(&IID_IAudioRenderClient)
		if err != nil {
			return err
		}
		s.render = (*iAudioRenderClient)(raw)
	}

	return nil
}

// Latency returns the stream latency reported by the engine.
func (s *Session) Latency() (time.Duration, error) {
	rt, err := s.client.GetStreamLatency()
	if err != nil {
		return 0, err
	}

	return RefTimeToDuration(rt), nil
}

// Periods queries the shared-mode engine period limits of an endpoint for a
// format, in frames. Endpoints without IAudioClient3 report the classic
// default and minimum device periods converted to frames.
func (ep *Endpoint) Periods(f Format) (EnginePeriods, error) {
	done, err := comThread()
	if err != nil {
		return EnginePeriods{}, err
	}
	defer done()

	enum, err := newDeviceEnumerator()
	if err != nil {
		return EnginePeriods{}, err
	}
	defer release(enum)

	dev, err := enum.GetDevice(ep.ID)
	if err != nil {
		return EnginePeriods{}, fmt.Errorf("%w: endpoint %q no longer present: %v", ErrInvalidSelection, ep.Name, err)
	}
	defer release(dev)

	buf, wfx := f.native()
	defer runtime.KeepAlive(buf)

	raw, err := dev.Activate(&IID_IAudioClient3)
	if err == nil {
		ac3 := (*iAudioClient3)(raw)
		defer release(ac3)

		def, fundamental, min, max, err := ac3.GetSharedModeEnginePeriod(wfx)
		if err != nil {
			return EnginePeriods{}, err
		}

		return EnginePeriods{Default: def, Fundamental: fundamental, Min: min, Max: max}, nil
	}

	raw, err = dev.Activate(&IID_IAudioClient)
	if err != nil {
		return EnginePeriods{}, err
	}

	ac := (*iAudioClient)(raw)
	defer release(ac)

	defPeriod, minPeriod, err := ac.GetDevicePeriod()
	if err != nil {
		return EnginePeriods{}, err
	}

	def := f.DurationToFrames(RefTimeToDuration(defPeriod))
	min := f.DurationToFrames(RefTimeToDuration(minPeriod))

	return EnginePeriods{Default: def, Fundamental: min, Min: min, Max: def}, nil
}

// asHResult extracts the native status from an error, E_FAIL when the error
// carries none.
func asHResult(err error) HResult {
	var hr HResult
	if errors.As(err, &hr) {
		return hr
	}

	return E_FAIL
}

// Port accessors used by the I/O loop.

func (s *Session) nextPacket() ([]byte, uint32, uint32, error) {
	pending, err := s.capture.GetNextPacketSize()
	if err != nil {
		return nil, 0, 0, err
	}
	if pending == 0 {
		return nil, 0, 0, nil
	}

	return s.capture.GetBuffer(s.config.Format.FrameSize())
}

func (s *Session) releasePacket(frames uint32) error {
	return s.capture.ReleaseBuffer(frames)
}

func (s *Session) padding() (uint32, error) {
	return s.client.GetCurrentPadding()
}

func (s *Session) renderBuffer(frames uint32) ([]byte, error) {
	return s.render.GetBuffer(frames, s.config.Format.FrameSize())
}

func (s *Session) releaseRender(frames, flags uint32) error {
	return s.render.ReleaseBuffer(frames, flags)
}
