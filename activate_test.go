package wasapi

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
)

type fakeHandshake struct {
	completed bool
	waitErr   error
	client    *iAudioClient
	resultErr error
	released  bool
}

func (f *fakeHandshake) wait(time.Duration) (bool, error) { return f.completed, f.waitErr }
func (f *fakeHandshake) result() (*iAudioClient, error)   { return f.client, f.resultErr }
func (f *fakeHandshake) release()                         { f.released = true }

func stubActivation(t *testing.T, hs activationHandshake, err error) {
	t.Helper()

	prev := beginActivation
	beginActivation = func(uint32, bool) (activationHandshake, error) { return hs, err }
	t.Cleanup(func() { beginActivation = prev })
}

func TestProcessLoopbackActivationTimesOut(t *testing.T) {
	hs := &fakeHandshake{completed: false}
	stubActivation(t, hs, nil)

	start := time.Now()
	client, err := activateProcessLoopbackClient(4321, false, 20*time.Millisecond)
	require.Nil(t, client)
	require.ErrorIs(t, err, ErrActivationTimeout)
	assert.Less(t, time.Since(start), time.Second, "an expired handshake must not hang")
	assert.True(t, hs.released)
}

func TestProcessLoopbackActivationRejected(t *testing.T) {
	// The engine completes the handshake but reports failure, as it does when
	// the target process exited mid-activation.
	hs := &fakeHandshake{
		completed: true,
		resultErr: &ActivationError{Op: "process loopback activation", Code: E_FAIL},
	}
	stubActivation(t, hs, nil)

	client, err := activateProcessLoopbackClient(4321, false, 0)
	require.Nil(t, client)

	var actErr *ActivationError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, E_FAIL, actErr.Code)
	assert.True(t, hs.released)
}

func TestProcessLoopbackActivationBeginFailure(t *testing.T) {
	want := &ActivationError{Op: "ActivateAudioInterfaceAsync", Code: E_FAIL}
	stubActivation(t, nil, want)

	client, err := activateProcessLoopbackClient(4321, true, 0)
	require.Nil(t, client)

	var actErr *ActivationError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "ActivateAudioInterfaceAsync", actErr.Op)
}

func registered(h *completionHandler) bool {
	handlersMu.Lock()
	defer handlersMu.Unlock()

	_, ok := handlers[h]

	return ok
}

func TestCompletionHandlerLifecycle(t *testing.T) {
	h, err := newCompletionHandler()
	require.NoError(t, err)
	require.True(t, registered(h))
	require.NotEqual(t, windows.Handle(0), h.done)

	var out unsafe.Pointer
	require.Equal(t, uintptr(S_OK), handlerQueryInterface(h, &IID_IUnknown, &out))
	assert.Equal(t, unsafe.Pointer(h), out)
	assert.Equal(t, uintptr(1), handlerRelease(h), "QueryInterface adds a reference")

	require.Equal(t, uintptr(S_OK), handlerQueryInterface(h, &IID_IAgileObject, &out))
	assert.Equal(t, uintptr(1), handlerRelease(h))

	out = nil
	assert.Equal(t, uintptr(E_NOINTERFACE), handlerQueryInterface(h, &IID_IAudioClient, &out))
	assert.Nil(t, out)

	// ActivateCompleted signals the event the activation waits on.
	assert.Equal(t, uintptr(S_OK), handlerActivateCompleted(h, 0))
	ev, err := windows.WaitForSingleObject(h.done, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(windows.WAIT_OBJECT_0), ev)

	// The final release leaves the registry and closes the event.
	h.release()
	assert.False(t, registered(h))
	assert.Equal(t, windows.Handle(0), h.done)
}
