package wasapi_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"

	wasapi "github.com/tachibanayui/wasapi-low-latency"
)

// hasAudio reports whether the machine exposes a working audio subsystem.
// Endpoint and session tests skip without it; the pure logic tests (ring,
// format, loop over fakes) always run.
var hasAudio bool

// TestMain probes for the audio service once so hardware-dependent tests can
// skip cleanly on build agents without sound devices.
func TestMain(m *testing.M) {
	if _, err := wasapi.Endpoints(wasapi.ERender); err == nil {
		hasAudio = true
	} else {
		fmt.Println("Audio endpoints unavailable, skipping hardware tests:", err)
	}

	os.Exit(m.Run())
}

func requireAudio(t *testing.T) {
	t.Helper()

	if !hasAudio {
		t.Skip("no audio subsystem available")
	}
}

func TestEndpointsHardware(t *testing.T) {
	requireAudio(t)

	for _, flow := range []wasapi.DataFlow{wasapi.ERender, wasapi.ECapture} {
		endpoints, err := wasapi.Endpoints(flow)
		require.NoError(t, err)

		for _, ep := range endpoints {
			assert.NotEmpty(t, ep.ID)
			assert.NotEmpty(t, ep.Name)
			assert.Equal(t, flow, ep.Flow)
			assert.NotZero(t, ep.MixFormat.SampleRate, "%s must report a usable mix format", ep.Name)
			assert.NotZero(t, ep.MixFormat.FrameSize())
		}
	}
}

func TestEndpointsRestartable(t *testing.T) {
	requireAudio(t)

	first, err := wasapi.Endpoints(wasapi.ERender)
	require.NoError(t, err)

	second, err := wasapi.Endpoints(wasapi.ERender)
	require.NoError(t, err)

	assert.Equal(t, len(first), len(second), "re-enumeration should be stable on an idle machine")
}

func TestEnginePeriodsHardware(t *testing.T) {
	requireAudio(t)

	endpoints, err := wasapi.Endpoints(wasapi.ERender)
	require.NoError(t, err)
	if len(endpoints) == 0 {
		t.Skip("no render endpoints")
	}

	ep := endpoints[0]
	p, err := ep.Periods(ep.MixFormat)
	require.NoError(t, err)

	assert.NotZero(t, p.Default)
	assert.NotZero(t, p.Min)
	assert.LessOrEqual(t, p.Min, p.Default)
	assert.LessOrEqual(t, p.Default, p.Max)
}

func TestResolveDevice(t *testing.T) {
	t.Parallel()

	endpoints := []wasapi.Endpoint{
		{ID: "a", Name: "Speakers (Realtek)", Flow: wasapi.ERender, MixFormat: wasapi.DefaultEngineFormat},
		{ID: "b", Name: "Headphones (USB)", Flow: wasapi.ERender, MixFormat: wasapi.DefaultEngineFormat},
	}

	target, err := wasapi.ResolveDevice(endpoints, 1)
	require.NoError(t, err)
	require.False(t, target.IsProcess())
	assert.Equal(t, "b", target.Endpoint.ID)

	for _, index := range []int{-1, 2, 100} {
		_, err := wasapi.ResolveDevice(endpoints, index)
		require.Error(t, err)
		assert.ErrorIs(t, err, wasapi.ErrInvalidSelection)
	}
}

func TestResolveDeviceByName(t *testing.T) {
	t.Parallel()

	endpoints := []wasapi.Endpoint{
		{ID: "a", Name: "Speakers (Realtek)", Flow: wasapi.ERender},
		{ID: "b", Name: "Headphones (USB)", Flow: wasapi.ERender},
		{ID: "c", Name: "USB Microphone", Flow: wasapi.ECapture},
	}

	target, err := wasapi.ResolveDeviceByName(endpoints, "speakers")
	require.NoError(t, err)
	assert.Equal(t, "a", target.Endpoint.ID)

	_, err = wasapi.ResolveDeviceByName(endpoints, "usb")
	require.Error(t, err, "ambiguous substrings are rejected, not guessed")
	assert.ErrorIs(t, err, wasapi.ErrInvalidSelection)

	_, err = wasapi.ResolveDeviceByName(endpoints, "bluetooth")
	require.Error(t, err)
	assert.ErrorIs(t, err, wasapi.ErrInvalidSelection)
}

func TestResolveProcess(t *testing.T) {
	t.Parallel()

	// The test process itself is always a valid loopback target.
	target, err := wasapi.ResolveProcess(uint32(os.Getpid()), true)
	require.NoError(t, err)
	assert.True(t, target.IsProcess())
	assert.Equal(t, uint32(os.Getpid()), target.PID)
	assert.True(t, target.IncludeTree)

	// PIDs are multiples of four on Windows, so this one cannot exist.
	_, err = wasapi.ResolveProcess(0xFFFFFFFD, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, wasapi.ErrInvalidSelection)
}

func TestProcessesIncludesSelf(t *testing.T) {
	t.Parallel()

	procs, err := wasapi.Processes()
	require.NoError(t, err)
	require.NotEmpty(t, procs)

	self := uint32(os.Getpid())
	found := false
	for _, p := range procs {
		if p.PID == self {
			found = true

			break
		}
	}
	assert.True(t, found, "the snapshot must include the test process")
}

func TestHResultFormatting(t *testing.T) {
	t.Parallel()

	err := wasapi.AUDCLNT_E_DEVICE_INVALIDATED
	assert.True(t, err.Failed())
	assert.Contains(t, err.Error(), "AUDCLNT_E_DEVICE_INVALIDATED")

	var ok wasapi.HResult
	assert.False(t, ok.Failed())
}

func TestNegotiateHardware(t *testing.T) {
	requireAudio(t)

	endpoints, err := wasapi.Endpoints(wasapi.ERender)
	require.NoError(t, err)
	if len(endpoints) == 0 {
		t.Skip("no render endpoints")
	}

	target, err := wasapi.ResolveDevice(endpoints, 0)
	require.NoError(t, err)

	// The mix format is carried through verbatim when nothing is requested.
	cfg, err := wasapi.Negotiate(target, nil)
	require.NoError(t, err)
	assert.Equal(t, target.Endpoint.MixFormat, cfg.Format)

	// More channels than the endpoint carries can never be granted.
	wide := target.Endpoint.MixFormat
	wide.Channels = wide.Channels * 2
	_, err = wasapi.Negotiate(target, &wide)
	require.Error(t, err)
	assert.ErrorIs(t, err, wasapi.ErrFormatUnsupported)
}

func TestActivateDeviceHardware(t *testing.T) {
	requireAudio(t)

	endpoints, err := wasapi.Endpoints(wasapi.ERender)
	require.NoError(t, err)
	if len(endpoints) == 0 {
		t.Skip("no render endpoints")
	}

	target, err := wasapi.ResolveDevice(endpoints, 0)
	require.NoError(t, err)

	cfg, err := wasapi.Negotiate(target, nil)
	require.NoError(t, err)

	session, err := wasapi.ActivateDevice(target.Endpoint, wasapi.ERender, cfg)
	require.NoError(t, err)
	defer session.Close()

	granted := session.Config()
	assert.NotZero(t, granted.GrantedPeriod, "activation must fix the period")
	assert.NotZero(t, granted.BufferFrames)
	assert.GreaterOrEqual(t, granted.BufferFrames, granted.GrantedPeriod)
	assert.NotEqual(t, windows.Handle(0), session.Event())
	assert.Equal(t, wasapi.ERender, session.Flow())

	// The session volume service is reachable on an activated stream.
	_, err = session.Volume()
	assert.NoError(t, err)

	// Close is idempotent.
	session.Close()
}

func TestWholeDeviceLoopbackHardware(t *testing.T) {
	requireAudio(t)

	endpoints, err := wasapi.Endpoints(wasapi.ERender)
	require.NoError(t, err)
	if len(endpoints) == 0 {
		t.Skip("no render endpoints")
	}

	target, err := wasapi.ResolveDevice(endpoints, 0)
	require.NoError(t, err)

	cfg, err := wasapi.Negotiate(target, nil)
	require.NoError(t, err)

	// Capturing a render endpoint takes the loopback path.
	session, err := wasapi.ActivateCapture(target, cfg)
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, wasapi.ECapture, session.Flow())
	assert.True(t, session.Loopback())
}
