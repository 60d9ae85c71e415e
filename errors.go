package wasapi

import (
	"errors"
	"fmt"
)

// HResult is a Windows HRESULT status code. Failed COM calls are surfaced as
// HResult errors wrapped with the operation that produced them, the same way
// syscall errnos propagate out of ioctl-based code.
type HResult uint32

// Failed reports whether the code is a failure HRESULT (severity bit set).
func (hr HResult) Failed() bool {
	return hr&0x80000000 != 0
}

// Error implements the error interface.
func (hr HResult) Error() string {
	if name, ok := audClntNames[hr]; ok {
		return fmt.Sprintf("%s (0x%08X)", name, uint32(hr))
	}

	return fmt.Sprintf("HRESULT 0x%08X", uint32(hr))
}

// Sentinel errors making up the engine's failure taxonomy. Concrete errors
// wrap these, so callers can classify with errors.Is while the message names
// the specific unmet constraint.
var (
	// ErrEnumeration indicates the audio subsystem could not be queried at
	// all (COM unavailable, audio service not running).
	ErrEnumeration = errors.New("endpoint enumeration unavailable")

	// ErrInvalidSelection indicates a user-supplied device index or process
	// id did not resolve to a live target.
	ErrInvalidSelection = errors.New("invalid selection")

	// ErrFormatUnsupported indicates the endpoint cannot deliver the
	// requested format verbatim. The engine never resamples.
	ErrFormatUnsupported = errors.New("format not supported by endpoint")

	// ErrActivationTimeout indicates the asynchronous process-loopback
	// activation handshake did not complete within the configured bound.
	ErrActivationTimeout = errors.New("audio interface activation timed out")

	// ErrDeviceInvalidated is a fatal runtime condition: the endpoint was
	// removed, or the loopback target process exited.
	ErrDeviceInvalidated = errors.New("audio device invalidated")
)

// ActivationError reports a failed session activation, carrying the native
// status code of the final rejection.
type ActivationError struct {
	Op   string  // The call that failed, e.g. "InitializeSharedAudioStream".
	Code HResult // The rejection HRESULT.
}

// Error implements the error interface.
func (e *ActivationError) Error() string {
	return fmt.Sprintf("activation failed: %s: %v", e.Op, e.Code)
}

// Unwrap exposes the native code for errors.Is / errors.As matching.
func (e *ActivationError) Unwrap() error {
	return e.Code
}

// deviceGone classifies an I/O error as a device-invalidated condition,
// distinguishing "device gone" from an internal fault.
func deviceGone(err error) bool {
	return errors.Is(err, AUDCLNT_E_DEVICE_INVALIDATED) ||
		errors.Is(err, AUDCLNT_E_RESOURCES_INVALIDATED) ||
		errors.Is(err, AUDCLNT_E_ENDPOINT_CREATE_FAILED) ||
		errors.Is(err, AUDCLNT_E_SERVICE_NOT_RUNNING)
}
