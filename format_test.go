package wasapi_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wasapi "github.com/tachibanayui/wasapi-low-latency"
)

func TestFormatFrameMath(t *testing.T) {
	t.Parallel()

	f := wasapi.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 32, Float: true}

	assert.Equal(t, uint32(8), f.FrameSize())
	assert.Equal(t, uint32(480*8), f.FramesToBytes(480))
	assert.Equal(t, uint32(480), f.BytesToFrames(480*8))

	mono := wasapi.Format{SampleRate: 44100, Channels: 1, BitsPerSample: 16}
	assert.Equal(t, uint32(2), mono.FrameSize())

	assert.Equal(t, uint32(0), wasapi.Format{}.BytesToFrames(1024), "degenerate format converts to zero, not a panic")
}

func TestFormatDurations(t *testing.T) {
	t.Parallel()

	f := wasapi.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 32, Float: true}

	assert.Equal(t, 10*time.Millisecond, f.FramesToDuration(480))
	assert.Equal(t, uint32(480), f.DurationToFrames(10*time.Millisecond))

	// 128 frames at 48 kHz is the small-period sweet spot: 2.666 ms.
	d := f.FramesToDuration(128)
	assert.InDelta(t, 2.666, float64(d)/float64(time.Millisecond), 0.001)
}

func TestReferenceTimeRoundTrip(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(100000), wasapi.DurationToRefTime(10*time.Millisecond))
	assert.Equal(t, 10*time.Millisecond, wasapi.RefTimeToDuration(100000))

	for _, d := range []time.Duration{0, time.Millisecond, 10 * time.Millisecond, time.Second} {
		assert.Equal(t, d, wasapi.RefTimeToDuration(wasapi.DurationToRefTime(d)))
	}
}

func TestDefaultEngineFormat(t *testing.T) {
	t.Parallel()

	f := wasapi.DefaultEngineFormat
	assert.Equal(t, uint32(48000), f.SampleRate)
	assert.Equal(t, uint32(2), f.Channels)
	assert.Equal(t, uint32(32), f.BitsPerSample)
	assert.True(t, f.Float)
	assert.Equal(t, "48000 Hz, 2 ch, 32-bit float", f.String())
}

func TestCheckRequestedRejectsExtraChannels(t *testing.T) {
	t.Parallel()

	ep := &wasapi.Endpoint{
		Name:      "Fake Speakers",
		Flow:      wasapi.ERender,
		MixFormat: wasapi.DefaultEngineFormat,
	}

	err := ep.CheckRequested(wasapi.Format{SampleRate: 48000, Channels: 6, BitsPerSample: 32, Float: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, wasapi.ErrFormatUnsupported)
	assert.Contains(t, err.Error(), "6 channels")

	err = ep.CheckRequested(wasapi.Format{SampleRate: 48000, Channels: 2})
	require.Error(t, err, "zero bit depth is degenerate")
	assert.ErrorIs(t, err, wasapi.ErrFormatUnsupported)

	assert.NoError(t, ep.CheckRequested(wasapi.Format{SampleRate: 44100, Channels: 2, BitsPerSample: 16}))
}

func TestNegotiateProcessTarget(t *testing.T) {
	t.Parallel()

	target := wasapi.CaptureTarget{PID: 1234}
	require.True(t, target.IsProcess())

	// No request: the virtual loopback endpoint gets the engine default.
	cfg, err := wasapi.Negotiate(target, nil)
	require.NoError(t, err)
	assert.Equal(t, wasapi.DefaultEngineFormat, cfg.Format)

	// A request is carried verbatim; there is no device to consult.
	want := wasapi.Format{SampleRate: 44100, Channels: 1, BitsPerSample: 16}
	cfg, err = wasapi.Negotiate(target, &want)
	require.NoError(t, err)
	assert.Equal(t, want, cfg.Format)

	_, err = wasapi.Negotiate(target, &wasapi.Format{SampleRate: 48000})
	require.Error(t, err)
	assert.ErrorIs(t, err, wasapi.ErrFormatUnsupported)
}

func TestSessionConfigPeriodDuration(t *testing.T) {
	t.Parallel()

	cfg := wasapi.SessionConfig{
		Format:        wasapi.DefaultEngineFormat,
		GrantedPeriod: 480,
	}

	assert.Equal(t, 10*time.Millisecond, cfg.PeriodDuration())
}
