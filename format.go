package wasapi

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Format describes an interleaved PCM stream: sample rate, channel count and
// the in-memory sample container. BitsPerSample is the container size, so
// 24-bit audio carried in 32-bit containers reports 32, matching the frame
// stride.
type Format struct {
	SampleRate    uint32
	Channels      uint32
	BitsPerSample uint32
	Float         bool
}

// DefaultEngineFormat is the format used when an endpoint cannot report a mix
// format, which is the case for the virtual process-loopback endpoint: the
// shared-mode engine default of 32-bit float stereo at 48 kHz.
var DefaultEngineFormat = Format{
	SampleRate:    48000,
	Channels:      2,
	BitsPerSample: 32,
	Float:         true,
}

// String returns a human-readable representation of the format.
func (f Format) String() string {
	kind := "int"
	if f.Float {
		kind = "float"
	}

	return fmt.Sprintf("%d Hz, %d ch, %d-bit %s", f.SampleRate, f.Channels, f.BitsPerSample, kind)
}

// FrameSize returns the size of a single interleaved frame in bytes.
func (f Format) FrameSize() uint32 {
	return f.Channels * (f.BitsPerSample / 8)
}

// FramesToBytes converts a frame count to a byte count.
func (f Format) FramesToBytes(frames uint32) uint32 {
	return frames * f.FrameSize()
}

// BytesToFrames converts a byte count to a frame count.
func (f Format) BytesToFrames(bytes uint32) uint32 {
	size := f.FrameSize()
	if size == 0 {
		return 0
	}

	return bytes / size
}

// FramesToDuration converts a frame count to wall time at this format's rate.
func (f Format) FramesToDuration(frames uint32) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}

	return time.Duration(float64(frames) / float64(f.SampleRate) * float64(time.Second))
}

// DurationToFrames converts wall time to a frame count at this format's rate.
func (f Format) DurationToFrames(d time.Duration) uint32 {
	return uint32(float64(f.SampleRate) * d.Seconds())
}

// DurationToRefTime converts a duration to REFERENCE_TIME (100 ns units).
func DurationToRefTime(d time.Duration) int64 {
	return int64(d / 100)
}

// RefTimeToDuration converts REFERENCE_TIME (100 ns units) to a duration.
func RefTimeToDuration(rt int64) time.Duration {
	return time.Duration(rt) * 100
}

// speakerMask returns the default dwChannelMask for a channel count.
func speakerMask(channels uint32) uint32 {
	switch channels {
	case 1:
		return 0x4 // SPEAKER_FRONT_CENTER
	case 2:
		return 0x3 // SPEAKER_FRONT_LEFT | SPEAKER_FRONT_RIGHT
	default:
		return (1 << channels) - 1
	}
}

// native encodes the format as a packed WAVEFORMATEX(TENSIBLE) blob. The
// returned pointer aliases the slice; keep the slice alive for as long as the
// pointer is passed to native calls.
func (f Format) native() ([]byte, *WaveFormatEx) {
	frameSize := f.FrameSize()

	// Simple integer formats fit the plain 18-byte header; float and
	// multichannel formats take the extensible layout the engine itself uses.
	extensible := f.Float || f.Channels > 2

	size := wfxSize
	if extensible {
		size = wfxExtensibleSize
	}

	buf := make([]byte, size)
	le := binary.LittleEndian

	tag := WAVE_FORMAT_PCM
	cb := uint16(0)
	if extensible {
		tag = WAVE_FORMAT_EXTENSIBLE
		cb = uint16(wfxExtensibleSize - wfxSize) // 22
	}

	le.PutUint16(buf[0:], tag)
	le.PutUint16(buf[2:], uint16(f.Channels))
	le.PutUint32(buf[4:], f.SampleRate)
	le.PutUint32(buf[8:], f.SampleRate*frameSize)
	le.PutUint16(buf[12:], uint16(frameSize))
	le.PutUint16(buf[14:], uint16(f.BitsPerSample))
	le.PutUint16(buf[16:], cb)

	if extensible {
		le.PutUint16(buf[wfxValidBitsOffset:], uint16(f.BitsPerSample))
		le.PutUint32(buf[wfxChannelMaskOffset:], speakerMask(f.Channels))

		sub := KSDATAFORMAT_SUBTYPE_PCM
		if f.Float {
			sub = KSDATAFORMAT_SUBTYPE_IEEE_FLOAT
		}
		copy(buf[wfxSubFormatOffset:], guidBytes(sub))
	}

	return buf, (*WaveFormatEx)(unsafe.Pointer(&buf[0]))
}

// guidBytes returns the little-endian wire form of a GUID.
func guidBytes(g windows.GUID) []byte {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:], g.Data1)
	binary.LittleEndian.PutUint16(b[4:], g.Data2)
	binary.LittleEndian.PutUint16(b[6:], g.Data3)
	copy(b[8:], g.Data4[:])

	return b[:]
}

// formatFromNative decodes a native WAVEFORMATEX(TENSIBLE) pointer, typically
// one returned by GetMixFormat. Unknown encodings are rejected rather than
// guessed at.
func formatFromNative(wfx *WaveFormatEx) (Format, error) {
	f := Format{
		SampleRate:    wfx.SamplesPerSec,
		Channels:      uint32(wfx.Channels),
		BitsPerSample: uint32(wfx.BitsPerSample),
	}

	switch wfx.FormatTag {
	case WAVE_FORMAT_PCM:
		// Integer PCM.
	case WAVE_FORMAT_IEEE_FLOAT:
		f.Float = true
	case WAVE_FORMAT_EXTENSIBLE:
		if wfx.CbSize < wfxExtensibleSize-wfxSize {
			return Format{}, fmt.Errorf("%w: truncated WAVEFORMATEXTENSIBLE (cbSize=%d)", ErrFormatUnsupported, wfx.CbSize)
		}

		// The extensible tail sits at packed offsets past the Go struct.
		base := unsafe.Pointer(wfx)
		sub := unsafe.Slice((*byte)(unsafe.Add(base, wfxSubFormatOffset)), 16)

		switch {
		case guidEqual(sub, KSDATAFORMAT_SUBTYPE_PCM):
		case guidEqual(sub, KSDATAFORMAT_SUBTYPE_IEEE_FLOAT):
			f.Float = true
		default:
			return Format{}, fmt.Errorf("%w: unknown subformat GUID", ErrFormatUnsupported)
		}
	default:
		return Format{}, fmt.Errorf("%w: unknown format tag 0x%04X", ErrFormatUnsupported, wfx.FormatTag)
	}

	if f.SampleRate == 0 || f.Channels == 0 || f.FrameSize() == 0 {
		return Format{}, fmt.Errorf("%w: degenerate format (%s)", ErrFormatUnsupported, f)
	}

	return f, nil
}

func guidEqual(wire []byte, g windows.GUID) bool {
	want := guidBytes(g)
	for i := range want {
		if wire[i] != want[i] {
			return false
		}
	}

	return true
}

// SessionConfig carries the negotiated stream parameters of a session.
// RequestedPeriod of zero asks for the engine minimum; GrantedPeriod and
// BufferFrames are filled in at activation time.
type SessionConfig struct {
	Format          Format
	RequestedPeriod uint32 // In frames; 0 requests the minimum engine period.
	GrantedPeriod   uint32 // In frames, as granted by the engine.
	BufferFrames    uint32 // Total size of the endpoint buffer in frames.
}

// PeriodDuration returns the granted period as wall time.
func (c SessionConfig) PeriodDuration() time.Duration {
	return c.Format.FramesToDuration(c.GrantedPeriod)
}

// CheckRequested validates a requested format against an endpoint's reported
// mix format without opening a stream. It rejects requests the endpoint
// cannot deliver verbatim; the engine performs no resampling or channel
// conversion.
func (e *Endpoint) CheckRequested(requested Format) error {
	if requested.Channels > e.MixFormat.Channels {
		return fmt.Errorf("%w: requested %d channels, endpoint %q has %d",
			ErrFormatUnsupported, requested.Channels, e.Name, e.MixFormat.Channels)
	}

	if requested.FrameSize() == 0 {
		return fmt.Errorf("%w: degenerate format (%s)", ErrFormatUnsupported, requested)
	}

	return nil
}

// Negotiate produces the session config for a target. With a nil requested
// format the endpoint's mix format is carried through verbatim; a non-nil
// request is validated against the endpoint and rejected with
// ErrFormatUnsupported if the hardware cannot take it as-is.
func Negotiate(target CaptureTarget, requested *Format) (SessionConfig, error) {
	if target.IsProcess() {
		// The virtual loopback endpoint has no mix format of its own; the
		// stream is delivered in whatever format the client specifies.
		f := DefaultEngineFormat
		if requested != nil {
			f = *requested
		}

		if f.FrameSize() == 0 {
			return SessionConfig{}, fmt.Errorf("%w: degenerate format (%s)", ErrFormatUnsupported, f)
		}

		return SessionConfig{Format: f}, nil
	}

	ep := target.Endpoint
	if requested == nil {
		return SessionConfig{Format: ep.MixFormat}, nil
	}

	if err := ep.CheckRequested(*requested); err != nil {
		return SessionConfig{}, err
	}

	ok, err := probeFormat(ep, *requested)
	if err != nil {
		return SessionConfig{}, err
	}
	if !ok {
		return SessionConfig{}, fmt.Errorf("%w: endpoint %q rejected %s (no resampling fallback)",
			ErrFormatUnsupported, ep.Name, *requested)
	}

	return SessionConfig{Format: *requested}, nil
}

// probeFormat asks the endpoint whether it accepts the format in shared mode.
func probeFormat(ep *Endpoint, f Format) (bool, error) {
	done, err := comThread()
	if err != nil {
		return false, err
	}
	defer done()

	enum, err := newDeviceEnumerator()
	if err != nil {
		return false, err
	}
	defer release(enum)

	dev, err := enum.GetDevice(ep.ID)
	if err != nil {
		return false, fmt.Errorf("%w: endpoint %q no longer present: %v", ErrInvalidSelection, ep.Name, err)
	}
	defer release(dev)

	raw, err := dev.Activate(&IID_IAudioClient)
	if err != nil {
		return false, err
	}

	ac := (*iAudioClient)(raw)
	defer release(ac)

	buf, wfx := f.native()
	ok, err := ac.IsFormatSupported(AUDCLNT_SHAREMODE_SHARED, wfx)
	runtime.KeepAlive(buf)

	return ok, err
}
