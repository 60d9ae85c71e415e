package wasapi

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modole32    = windows.NewLazySystemDLL("ole32.dll")
	modmmdevapi = windows.NewLazySystemDLL("mmdevapi.dll")

	procCoInitializeEx              = modole32.NewProc("CoInitializeEx")
	procCoUninitialize              = modole32.NewProc("CoUninitialize")
	procCoCreateInstance            = modole32.NewProc("CoCreateInstance")
	procCoTaskMemFree               = modole32.NewProc("CoTaskMemFree")
	procPropVariantClear            = modole32.NewProc("PropVariantClear")
	procActivateAudioInterfaceAsync = modmmdevapi.NewProc("ActivateAudioInterfaceAsync")
)

// Class and interface identifiers used by the engine.
var (
	CLSID_MMDeviceEnumerator = windows.GUID{Data1: 0xBCDE0395, Data2: 0xE52F, Data3: 0x467C, Data4: [8]byte{0x8E, 0x3D, 0xC4, 0x57, 0x92, 0x91, 0x69, 0x2E}}

	IID_IUnknown                                 = windows.GUID{Data1: 0x00000000, Data2: 0x0000, Data3: 0x0000, Data4: [8]byte{0xC0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x46}}
	IID_IAgileObject                             = windows.GUID{Data1: 0x94EA2B94, Data2: 0xE9CC, Data3: 0x49E0, Data4: [8]byte{0xC0, 0xFF, 0xEE, 0x64, 0xCA, 0x8F, 0x5B, 0x90}}
	IID_IMMDeviceEnumerator                      = windows.GUID{Data1: 0xA95664D2, Data2: 0x9614, Data3: 0x4F35, Data4: [8]byte{0xA7, 0x46, 0xDE, 0x8D, 0xB6, 0x36, 0x17, 0xE6}}
	IID_IAudioClient                             = windows.GUID{Data1: 0x1CB9AD4C, Data2: 0xDBFA, Data3: 0x4CC1, Data4: [8]byte{0xB9, 0x0B, 0x08, 0x0E, 0x6C, 0x9A, 0x73, 0xCD}}
	IID_IAudioClient3                            = windows.GUID{Data1: 0x7ED4EE07, Data2: 0x8E67, Data3: 0x4CD4, Data4: [8]byte{0x8C, 0x1A, 0x2B, 0x7A, 0x59, 0x87, 0xAD, 0x42}}
	IID_IAudioCaptureClient                      = windows.GUID{Data1: 0xC8ADBD64, Data2: 0xE71E, Data3: 0x48A0, Data4: [8]byte{0xA4, 0xDE, 0x18, 0x5C, 0x39, 0x5C, 0xD3, 0x17}}
	IID_IAudioRenderClient                       = windows.GUID{Data1: 0xF294ACFC, Data2: 0x3146, Data3: 0x4483, Data4: [8]byte{0xA7, 0xBF, 0xAD, 0xDC, 0xA7, 0xC2, 0x60, 0xE2}}
	IID_ISimpleAudioVolume                       = windows.GUID{Data1: 0x87CE5498, Data2: 0x68D6, Data3: 0x44E5, Data4: [8]byte{0x92, 0x15, 0x6D, 0xA4, 0x7E, 0xF8, 0x83, 0xD8}}
	IID_IActivateAudioInterfaceCompletionHandler = windows.GUID{Data1: 0x41D949AB, Data2: 0x9862, Data3: 0x444A, Data4: [8]byte{0x80, 0xF6, 0xC2, 0x61, 0x33, 0x4D, 0xA5, 0xEB}}

	KSDATAFORMAT_SUBTYPE_PCM        = windows.GUID{Data1: 0x00000001, Data2: 0x0000, Data3: 0x0010, Data4: [8]byte{0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71}}
	KSDATAFORMAT_SUBTYPE_IEEE_FLOAT = windows.GUID{Data1: 0x00000003, Data2: 0x0000, Data3: 0x0010, Data4: [8]byte{0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71}}

	pkeyDeviceFriendlyName = propertyKey{
		Fmtid: windows.GUID{Data1: 0xA45C254E, Data2: 0xDF1C, Data3: 0x4EFD, Data4: [8]byte{0x80, 0x20, 0x67, 0xD1, 0x46, 0xA8, 0x50, 0xE0}},
		Pid:   14,
	}
)

// comCall invokes a COM method through its vtable slot and converts a failure
// HRESULT into an error. Success codes (S_FALSE, AUDCLNT_S_BUFFER_EMPTY) are
// not errors; callers that need them use comCallHR.
func comCall(method uintptr, args ...uintptr) error {
	hr, _, _ := syscall.SyscallN(method, args...)
	if code := HResult(uint32(hr)); code.Failed() {
		return code
	}

	return nil
}

// comCallHR invokes a COM method and returns the raw HRESULT alongside the
// failure error.
func comCallHR(method uintptr, args ...uintptr) (HResult, error) {
	hr, _, _ := syscall.SyscallN(method, args...)
	code := HResult(uint32(hr))
	if code.Failed() {
		return code, code
	}

	return code, nil
}

// comThread pins the calling goroutine to its OS thread and joins the
// multithreaded apartment. The returned function leaves the apartment and
// unpins; it must run on every exit path.
func comThread() (func(), error) {
	runtime.LockOSThread()

	// COINIT_MULTITHREADED | COINIT_SPEED_OVER_MEMORY
	hr, _, _ := procCoInitializeEx.Call(0, uintptr(windows.COINIT_MULTITHREADED|windows.COINIT_SPEED_OVER_MEMORY))
	code := HResult(uint32(hr))

	// S_FALSE means the thread was already initialized; pair it with an
	// uninitialize all the same.
	if code.Failed() && code != RPC_E_CHANGED_MODE {
		runtime.UnlockOSThread()

		return nil, fmt.Errorf("CoInitializeEx failed: %w", code)
	}

	return func() {
		if code != RPC_E_CHANGED_MODE {
			_, _, _ = procCoUninitialize.Call()
		}
		runtime.UnlockOSThread()
	}, nil
}

// comKeeper holds the multithreaded apartment open on a dedicated locked
// thread until released. Interface pointers handed out by an activation are
// valid exactly as long as their keeper lives, and threads that never called
// CoInitializeEx join the apartment implicitly while it does.
type comKeeper struct {
	stop chan struct{}
	once sync.Once
}

func newComKeeper() (*comKeeper, error) {
	k := &comKeeper{stop: make(chan struct{})}
	ready := make(chan error)

	go func() {
		done, err := comThread()
		ready <- err
		if err != nil {
			return
		}

		<-k.stop
		done()
	}()

	if err := <-ready; err != nil {
		return nil, err
	}

	return k, nil
}

// release lets the keeper thread leave the apartment. Safe to call more than
// once and on nil.
func (k *comKeeper) release() {
	if k == nil {
		return
	}

	k.once.Do(func() { close(k.stop) })
}

// coTaskMemFree releases memory allocated by the callee (GetMixFormat, GetId).
func coTaskMemFree(p unsafe.Pointer) {
	if p != nil {
		_, _, _ = procCoTaskMemFree.Call(uintptr(p))
	}
}

// release drops one COM reference. Safe on nil.
func release[T any](obj *T) {
	if obj == nil {
		return
	}

	// Release is vtable slot 2 on every interface.
	vtbl := *(**iUnknownVtbl)(unsafe.Pointer(obj))
	_, _, _ = syscall.SyscallN(vtbl.Release, uintptr(unsafe.Pointer(obj)))
}

// queryInterface asks obj for another interface.
func queryInterface(obj unsafe.Pointer, iid *windows.GUID) (unsafe.Pointer, error) {
	vtbl := *(**iUnknownVtbl)(obj)

	var out unsafe.Pointer
	if err := comCall(vtbl.QueryInterface, uintptr(obj), uintptr(unsafe.Pointer(iid)), uintptr(unsafe.Pointer(&out))); err != nil {
		return nil, fmt.Errorf("QueryInterface failed: %w", err)
	}

	return out, nil
}

// newDeviceEnumerator creates the MMDeviceEnumerator COM object. The caller's
// thread must be in an apartment (comThread).
func newDeviceEnumerator() (*iMMDeviceEnumerator, error) {
	var enum *iMMDeviceEnumerator
	hr, _, _ := procCoCreateInstance.Call(
		uintptr(unsafe.Pointer(&CLSID_MMDeviceEnumerator)),
		0,
		uintptr(CLSCTX_ALL),
		uintptr(unsafe.Pointer(&IID_IMMDeviceEnumerator)),
		uintptr(unsafe.Pointer(&enum)),
	)
	if code := HResult(uint32(hr)); code.Failed() {
		return nil, fmt.Errorf("CoCreateInstance(MMDeviceEnumerator) failed: %w", code)
	}

	return enum, nil
}

func (v *iMMDeviceEnumerator) EnumAudioEndpoints(flow DataFlow, stateMask uint32) (*iMMDeviceCollection, error) {
	var out *iMMDeviceCollection
	err := comCall(v.lpVtbl.EnumAudioEndpoints,
		uintptr(unsafe.Pointer(v)), uintptr(flow), uintptr(stateMask), uintptr(unsafe.Pointer(&out)))
	if err != nil {
		return nil, fmt.Errorf("EnumAudioEndpoints failed: %w", err)
	}

	return out, nil
}

func (v *iMMDeviceEnumerator) GetDefaultAudioEndpoint(flow DataFlow) (*iMMDevice, error) {
	var out *iMMDevice
	// eConsole role.
	err := comCall(v.lpVtbl.GetDefaultAudioEndpoint,
		uintptr(unsafe.Pointer(v)), uintptr(flow), 0, uintptr(unsafe.Pointer(&out)))
	if err != nil {
		return nil, fmt.Errorf("GetDefaultAudioEndpoint failed: %w", err)
	}

	return out, nil
}

func (v *iMMDeviceEnumerator) GetDevice(id string) (*iMMDevice, error) {
	wide, err := windows.UTF16PtrFromString(id)
	if err != nil {
		return nil, fmt.Errorf("invalid device id %q: %w", id, err)
	}

	var out *iMMDevice
	err = comCall(v.lpVtbl.GetDevice,
		uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(wide)), uintptr(unsafe.Pointer(&out)))
	if err != nil {
		return nil, fmt.Errorf("GetDevice(%s) failed: %w", id, err)
	}

	return out, nil
}

func (v *iMMDeviceCollection) GetCount() (uint32, error) {
	var count uint32
	err := comCall(v.lpVtbl.GetCount, uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(&count)))
	if err != nil {
		return 0, fmt.Errorf("GetCount failed: %w", err)
	}

	return count, nil
}

func (v *iMMDeviceCollection) Item(index uint32) (*iMMDevice, error) {
	var out *iMMDevice
	err := comCall(v.lpVtbl.Item, uintptr(unsafe.Pointer(v)), uintptr(index), uintptr(unsafe.Pointer(&out)))
	if err != nil {
		return nil, fmt.Errorf("Item(%d) failed: %w", index, err)
	}

	return out, nil
}

// Activate requests an audio interface (IAudioClient or IAudioClient3) from
// the device.
func (v *iMMDevice) Activate(iid *windows.GUID) (unsafe.Pointer, error) {
	var out unsafe.Pointer
	err := comCall(v.lpVtbl.Activate,
		uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(iid)), uintptr(CLSCTX_ALL), 0, uintptr(unsafe.Pointer(&out)))
	if err != nil {
		return nil, fmt.Errorf("IMMDevice.Activate failed: %w", err)
	}

	return out, nil
}

// GetId returns the endpoint id string.
func (v *iMMDevice) GetId() (string, error) {
	var wide *uint16
	err := comCall(v.lpVtbl.GetId, uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(&wide)))
	if err != nil {
		return "", fmt.Errorf("IMMDevice.GetId failed: %w", err)
	}
	defer coTaskMemFree(unsafe.Pointer(wide))

	return windows.UTF16PtrToString(wide), nil
}

// FriendlyName reads PKEY_Device_FriendlyName from the device property store.
func (v *iMMDevice) FriendlyName() (string, error) {
	var store *iPropertyStore
	err := comCall(v.lpVtbl.OpenPropertyStore,
		uintptr(unsafe.Pointer(v)), uintptr(STGM_READ), uintptr(unsafe.Pointer(&store)))
	if err != nil {
		return "", fmt.Errorf("OpenPropertyStore failed: %w", err)
	}
	defer release(store)

	var pv propVariant
	err = comCall(store.lpVtbl.GetValue,
		uintptr(unsafe.Pointer(store)), uintptr(unsafe.Pointer(&pkeyDeviceFriendlyName)), uintptr(unsafe.Pointer(&pv)))
	if err != nil {
		return "", fmt.Errorf("GetValue(PKEY_Device_FriendlyName) failed: %w", err)
	}
	defer func() { _, _, _ = procPropVariantClear.Call(uintptr(unsafe.Pointer(&pv))) }()

	if pv.Vt != VT_LPWSTR || pv.Val == 0 {
		return "", fmt.Errorf("unexpected property type %d for device name", pv.Vt)
	}

	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(pv.Val))), nil
}

func (v *iAudioClient) Initialize(mode ShareMode, flags uint32, bufferDuration, periodicity int64, wfx *WaveFormatEx) error {
	return comCall(v.lpVtbl.Initialize,
		uintptr(unsafe.Pointer(v)), uintptr(mode), uintptr(flags),
		uintptr(bufferDuration), uintptr(periodicity), uintptr(unsafe.Pointer(wfx)), 0)
}

func (v *iAudioClient) GetBufferSize() (uint32, error) {
	var frames uint32
	err := comCall(v.lpVtbl.GetBufferSize, uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(&frames)))
	if err != nil {
		return 0, fmt.Errorf("GetBufferSize failed: %w", err)
	}

	return frames, nil
}

func (v *iAudioClient) GetStreamLatency() (int64, error) {
	var latency int64
	err := comCall(v.lpVtbl.GetStreamLatency, uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(&latency)))
	if err != nil {
		return 0, fmt.Errorf("GetStreamLatency failed: %w", err)
	}

	return latency, nil
}

func (v *iAudioClient) GetCurrentPadding() (uint32, error) {
	var frames uint32
	err := comCall(v.lpVtbl.GetCurrentPadding, uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(&frames)))
	if err != nil {
		return 0, err
	}

	return frames, nil
}

// IsFormatSupported checks a shared-mode format. A non-nil closest match
// returned by the engine is freed; the engine never adopts it (no silent
// conversion).
func (v *iAudioClient) IsFormatSupported(mode ShareMode, wfx *WaveFormatEx) (bool, error) {
	var closest *WaveFormatEx
	hr, err := comCallHR(v.lpVtbl.IsFormatSupported,
		uintptr(unsafe.Pointer(v)), uintptr(mode), uintptr(unsafe.Pointer(wfx)), uintptr(unsafe.Pointer(&closest)))
	if closest != nil {
		coTaskMemFree(unsafe.Pointer(closest))
	}

	if err != nil {
		if errors.Is(err, AUDCLNT_E_UNSUPPORTED_FORMAT) {
			return false, nil
		}

		return false, fmt.Errorf("IsFormatSupported failed: %w", err)
	}

	// S_FALSE: only a closest match is supported, which is a rejection here.
	return hr == S_OK, nil
}

// GetMixFormat returns the engine mix format. The returned pointer is
// CoTaskMem-allocated; the caller frees it with coTaskMemFree.
func (v *iAudioClient) GetMixFormat() (*WaveFormatEx, error) {
	var wfx *WaveFormatEx
	err := comCall(v.lpVtbl.GetMixFormat, uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(&wfx)))
	if err != nil {
		return nil, fmt.Errorf("GetMixFormat failed: %w", err)
	}

	return wfx, nil
}

// GetDevicePeriod returns the default and minimum device periods in
// 100-nanosecond units.
func (v *iAudioClient) GetDevicePeriod() (def, min int64, err error) {
	err = comCall(v.lpVtbl.GetDevicePeriod,
		uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(&def)), uintptr(unsafe.Pointer(&min)))
	if err != nil {
		return 0, 0, fmt.Errorf("GetDevicePeriod failed: %w", err)
	}

	return def, min, nil
}

func (v *iAudioClient) Start() error {
	if err := comCall(v.lpVtbl.Start, uintptr(unsafe.Pointer(v))); err != nil {
		return fmt.Errorf("IAudioClient.Start failed: %w", err)
	}

	return nil
}

func (v *iAudioClient) Stop() error {
	if err := comCall(v.lpVtbl.Stop, uintptr(unsafe.Pointer(v))); err != nil {
		return fmt.Errorf("IAudioClient.Stop failed: %w", err)
	}

	return nil
}

func (v *iAudioClient) Reset() error {
	if err := comCall(v.lpVtbl.Reset, uintptr(unsafe.Pointer(v))); err != nil {
		return fmt.Errorf("IAudioClient.Reset failed: %w", err)
	}

	return nil
}

func (v *iAudioClient) SetEventHandle(h windows.Handle) error {
	if err := comCall(v.lpVtbl.SetEventHandle, uintptr(unsafe.Pointer(v)), uintptr(h)); err != nil {
		return fmt.Errorf("SetEventHandle failed: %w", err)
	}

	return nil
}

func (v *iAudioClient) GetService(iid *windows.GUID) (unsafe.Pointer, error) {
	var out unsafe.Pointer
	err := comCall(v.lpVtbl.GetService,
		uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(iid)), uintptr(unsafe.Pointer(&out)))
	if err != nil {
		return nil, fmt.Errorf("GetService failed: %w", err)
	}

	return out, nil
}

// base returns the IAudioClient view of an IAudioClient3 pointer. The first
// twelve vtable slots are shared, so the cast is a reinterpretation.
func (v *iAudioClient3) base() *iAudioClient {
	return (*iAudioClient)(unsafe.Pointer(v))
}

func (v *iAudioClient3) SetClientProperties(props *audioClientProperties) error {
	err := comCall(v.lpVtbl.SetClientProperties, uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(props)))
	if err != nil {
		return fmt.Errorf("SetClientProperties failed: %w", err)
	}

	return nil
}

// GetSharedModeEnginePeriod returns the default, fundamental, minimum and
// maximum engine periods in frames for the given format.
func (v *iAudioClient3) GetSharedModeEnginePeriod(wfx *WaveFormatEx) (def, fundamental, min, max uint32, err error) {
	err = comCall(v.lpVtbl.GetSharedModeEnginePeriod,
		uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(wfx)),
		uintptr(unsafe.Pointer(&def)), uintptr(unsafe.Pointer(&fundamental)),
		uintptr(unsafe.Pointer(&min)), uintptr(unsafe.Pointer(&max)))
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("GetSharedModeEnginePeriod failed: %w", err)
	}

	return def, fundamental, min, max, nil
}

func (v *iAudioClient3) InitializeSharedAudioStream(flags uint32, periodFrames uint32, wfx *WaveFormatEx) error {
	return comCall(v.lpVtbl.InitializeSharedAudioStream,
		uintptr(unsafe.Pointer(v)), uintptr(flags), uintptr(periodFrames), uintptr(unsafe.Pointer(wfx)), 0)
}

// GetBuffer returns the next capture packet. The returned slice aliases the
// shared-mode engine buffer and is only valid until ReleaseBuffer.
func (v *iAudioCaptureClient) GetBuffer(frameSize uint32) (data []byte, frames uint32, flags uint32, err error) {
	var buf *byte
	hr, err := comCallHR(v.lpVtbl.GetBuffer,
		uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(&buf)),
		uintptr(unsafe.Pointer(&frames)), uintptr(unsafe.Pointer(&flags)), 0, 0)
	if err != nil {
		return nil, 0, 0, err
	}

	if hr == AUDCLNT_S_BUFFER_EMPTY || frames == 0 || buf == nil {
		return nil, 0, flags, nil
	}

	return unsafe.Slice(buf, int(frames)*int(frameSize)), frames, flags, nil
}

func (v *iAudioCaptureClient) ReleaseBuffer(frames uint32) error {
	return comCall(v.lpVtbl.ReleaseBuffer, uintptr(unsafe.Pointer(v)), uintptr(frames))
}

func (v *iAudioCaptureClient) GetNextPacketSize() (uint32, error) {
	var frames uint32
	err := comCall(v.lpVtbl.GetNextPacketSize, uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(&frames)))
	if err != nil {
		return 0, err
	}

	return frames, nil
}

// GetBuffer returns a writable slice of frames in the engine render buffer,
// valid until ReleaseBuffer.
func (v *iAudioRenderClient) GetBuffer(frames uint32, frameSize uint32) ([]byte, error) {
	var buf *byte
	err := comCall(v.lpVtbl.GetBuffer,
		uintptr(unsafe.Pointer(v)), uintptr(frames), uintptr(unsafe.Pointer(&buf)))
	if err != nil {
		return nil, err
	}

	return unsafe.Slice(buf, int(frames)*int(frameSize)), nil
}

func (v *iAudioRenderClient) ReleaseBuffer(frames uint32, flags uint32) error {
	return comCall(v.lpVtbl.ReleaseBuffer, uintptr(unsafe.Pointer(v)), uintptr(frames), uintptr(flags))
}

func (v *iSimpleAudioVolume) GetMasterVolume() (float32, error) {
	var level float32
	err := comCall(v.lpVtbl.GetMasterVolume, uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(&level)))
	if err != nil {
		return 0, fmt.Errorf("GetMasterVolume failed: %w", err)
	}

	return level, nil
}

func (v *iSimpleAudioVolume) SetMute(mute bool) error {
	var b int32
	if mute {
		b = 1
	}

	if err := comCall(v.lpVtbl.SetMute, uintptr(unsafe.Pointer(v)), uintptr(b), 0); err != nil {
		return fmt.Errorf("SetMute failed: %w", err)
	}

	return nil
}

func (v *iSimpleAudioVolume) GetMute() (bool, error) {
	var b int32
	err := comCall(v.lpVtbl.GetMute, uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(&b)))
	if err != nil {
		return false, fmt.Errorf("GetMute failed: %w", err)
	}

	return b != 0, nil
}

// GetActivateResult retrieves the outcome of an asynchronous activation: the
// activation HRESULT and, on success, the activated interface.
func (v *iActivateAudioInterfaceAsyncOperation) GetActivateResult() (HResult, *iUnknown, error) {
	var hrActivate int32
	var unk *iUnknown
	err := comCall(v.lpVtbl.GetActivateResult,
		uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(&hrActivate)), uintptr(unsafe.Pointer(&unk)))
	if err != nil {
		return 0, nil, fmt.Errorf("GetActivateResult failed: %w", err)
	}

	return HResult(uint32(hrActivate)), unk, nil
}
