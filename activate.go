package wasapi

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// DefaultActivationTimeout bounds the asynchronous process-loopback
// activation handshake. On expiry the activation fails with
// ErrActivationTimeout instead of hanging.
const DefaultActivationTimeout = 5 * time.Second

// completionHandler is an IActivateAudioInterfaceCompletionHandler
// implemented in Go. It answers QueryInterface for IAgileObject so the
// system can invoke it from any apartment, and signals an event when the
// activation completes.
//
// Lifetime follows COM rules: created with one local reference, kept in a
// package registry until the final Release so a handler the OS still holds
// after a timeout can never be collected under it.
type completionHandler struct {
	lpVtbl *completionHandlerVtbl
	refs   atomic.Int32
	done   windows.Handle
}

var (
	handlerVtblOnce sync.Once
	handlerVtbl     completionHandlerVtbl

	handlersMu sync.Mutex
	handlers   = make(map[*completionHandler]struct{})
)

func handlerVtblInit() {
	handlerVtbl = completionHandlerVtbl{
		iUnknownVtbl: iUnknownVtbl{
			QueryInterface: syscall.NewCallback(handlerQueryInterface),
			AddRef:         syscall.NewCallback(handlerAddRef),
			Release:        syscall.NewCallback(handlerRelease),
		},
		ActivateCompleted: syscall.NewCallback(handlerActivateCompleted),
	}
}

func handlerQueryInterface(this *completionHandler, riid *windows.GUID, out *unsafe.Pointer) uintptr {
	if out == nil {
		return uintptr(E_POINTER)
	}

	switch *riid {
	case IID_IUnknown, IID_IAgileObject, IID_IActivateAudioInterfaceCompletionHandler:
		handlerAddRef(this)
		*out = unsafe.Pointer(this)

		return uintptr(S_OK)
	}

	*out = nil

	return uintptr(E_NOINTERFACE)
}

func handlerAddRef(this *completionHandler) uintptr {
	return uintptr(this.refs.Add(1))
}

func handlerRelease(this *completionHandler) uintptr {
	n := this.refs.Add(-1)
	if n == 0 {
		handlersMu.Lock()
		delete(handlers, this)
		handlersMu.Unlock()

		windows.CloseHandle(this.done)
		this.done = 0
	}

	return uintptr(n)
}

func handlerActivateCompleted(this *completionHandler, _ uintptr) uintptr {
	_ = windows.SetEvent(this.done)

	return uintptr(S_OK)
}

// newCompletionHandler builds a handler with one reference owned by the
// caller; release it with release().
func newCompletionHandler() (*completionHandler, error) {
	handlerVtblOnce.Do(handlerVtblInit)

	done, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("activation event failed: %w", err)
	}

	h := &completionHandler{lpVtbl: &handlerVtbl, done: done}
	h.refs.Store(1)

	handlersMu.Lock()
	handlers[h] = struct{}{}
	handlersMu.Unlock()

	return h, nil
}

func (h *completionHandler) release() {
	handlerRelease(h)
}

// activationHandshake is the waitable half of an asynchronous activation,
// split from the native begin call so the timeout and rejection paths run
// under fakes. wait reports whether the handshake completed within timeout.
type activationHandshake interface {
	wait(timeout time.Duration) (bool, error)
	result() (*iAudioClient, error)
	release()
}

// Activation seam; replaced in tests.
var beginActivation = beginProcessLoopbackActivation

type processLoopbackHandshake struct {
	handler *completionHandler
	op      *iActivateAudioInterfaceAsyncOperation
}

// beginProcessLoopbackActivation kicks off an IAudioClient activation against
// the virtual process-loopback endpoint for pid. The calling goroutine must
// be on a comThread.
func beginProcessLoopbackActivation(pid uint32, includeTree bool) (activationHandshake, error) {
	mode := PROCESS_LOOPBACK_MODE_EXCLUDE_TARGET_PROCESS_TREE
	if includeTree {
		mode = PROCESS_LOOPBACK_MODE_INCLUDE_TARGET_PROCESS_TREE
	}

	params := audioClientActivationParams{
		ActivationType:  AUDIOCLIENT_ACTIVATION_TYPE_PROCESS_LOOPBACK,
		TargetProcessID: pid,
		LoopbackMode:    mode,
	}

	// A PROPVARIANT blob referencing params; both must stay alive until the
	// activation call returns.
	pv := propVariantBlob{
		Vt:       VT_BLOB,
		BlobSize: uint32(unsafe.Sizeof(params)),
		BlobData: (*byte)(unsafe.Pointer(&params)),
	}

	handler, err := newCompletionHandler()
	if err != nil {
		return nil, err
	}

	path, err := windows.UTF16PtrFromString(VIRTUAL_AUDIO_DEVICE_PROCESS_LOOPBACK)
	if err != nil {
		handler.release()

		return nil, err
	}

	var op *iActivateAudioInterfaceAsyncOperation
	hr, _, _ := procActivateAudioInterfaceAsync.Call(
		uintptr(unsafe.Pointer(path)),
		uintptr(unsafe.Pointer(&IID_IAudioClient)),
		uintptr(unsafe.Pointer(&pv)),
		uintptr(unsafe.Pointer(handler)),
		uintptr(unsafe.Pointer(&op)),
	)
	runtime.KeepAlive(&params)
	runtime.KeepAlive(&pv)

	if code := HResult(uint32(hr)); code.Failed() {
		handler.release()

		return nil, &ActivationError{Op: "ActivateAudioInterfaceAsync", Code: code}
	}

	return &processLoopbackHandshake{handler: handler, op: op}, nil
}

func (h *processLoopbackHandshake) wait(timeout time.Duration) (bool, error) {
	ev, err := windows.WaitForSingleObject(h.handler.done, uint32(timeout.Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("activation wait failed: %w", err)
	}

	return ev != uint32(windows.WAIT_TIMEOUT), nil
}

func (h *processLoopbackHandshake) result() (*iAudioClient, error) {
	hrActivate, unk, err := h.op.GetActivateResult()
	if err != nil {
		return nil, err
	}
	if hrActivate.Failed() || unk == nil {
		// Explicit rejection: process exited, access denied, or the virtual
		// endpoint refused the parameters.
		return nil, &ActivationError{Op: "process loopback activation", Code: hrActivate}
	}

	// The operation activated the interface we asked for (IID_IAudioClient).
	return (*iAudioClient)(unsafe.Pointer(unk)), nil
}

func (h *processLoopbackHandshake) release() {
	release(h.op)
	h.handler.release()
}

// activateProcessLoopbackClient drives the handshake to completion, bounded
// by timeout; zero selects DefaultActivationTimeout.
func activateProcessLoopbackClient(pid uint32, includeTree bool, timeout time.Duration) (*iAudioClient, error) {
	hs, err := beginActivation(pid, includeTree)
	if err != nil {
		return nil, err
	}
	defer hs.release()

	if timeout <= 0 {
		timeout = DefaultActivationTimeout
	}

	completed, err := hs.wait(timeout)
	if err != nil {
		return nil, err
	}
	if !completed {
		return nil, fmt.Errorf("%w: process %d loopback activation after %v", ErrActivationTimeout, pid, timeout)
	}

	return hs.result()
}
