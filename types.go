package wasapi

import (
	"golang.org/x/sys/windows"
)

// WaveFormatEx mirrors the native WAVEFORMATEX header.
//
// The C struct is 2-byte packed and 18 bytes long; the Go struct pads to 20.
// All field offsets up to CbSize match the native layout, so the fields of a
// COM-allocated WAVEFORMATEX may be read through this type directly. The
// WAVEFORMATEXTENSIBLE tail that follows a packed header is NOT at a valid Go
// struct offset and is accessed by byte offset instead (see format.go).
type WaveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	CbSize         uint16
}

// Byte offsets of the WAVEFORMATEXTENSIBLE members relative to the packed
// WAVEFORMATEX header.
const (
	wfxSize              = 18 // Packed sizeof(WAVEFORMATEX).
	wfxExtensibleSize    = 40 // Packed sizeof(WAVEFORMATEXTENSIBLE).
	wfxValidBitsOffset   = 18
	wfxChannelMaskOffset = 20
	wfxSubFormatOffset   = 24
)

// propVariantBlob mirrors a PROPVARIANT holding a VT_BLOB, the shape used to
// pass AUDIOCLIENT_ACTIVATION_PARAMS to ActivateAudioInterfaceAsync.
type propVariantBlob struct {
	Vt        uint16
	Reserved1 uint16
	Reserved2 uint16
	Reserved3 uint16
	BlobSize  uint32
	_         uint32 // Pointer alignment inside the union.
	BlobData  *byte
}

// propVariant mirrors a generic PROPVARIANT, large enough for the value types
// read back from property stores (VT_LPWSTR device names).
type propVariant struct {
	Vt        uint16
	Reserved1 uint16
	Reserved2 uint16
	Reserved3 uint16
	Val       uintptr // Union; a pointer for VT_LPWSTR.
	Val2      uintptr
}

// VT_LPWSTR is the PROPVARIANT type of wide-string property values.
const VT_LPWSTR uint16 = 31

// audioClientActivationParams mirrors AUDIOCLIENT_ACTIVATION_PARAMS with the
// process-loopback arm of its union.
type audioClientActivationParams struct {
	ActivationType  uint32
	TargetProcessID uint32
	LoopbackMode    uint32
}

// audioClientProperties mirrors AudioClientProperties (IAudioClient2).
type audioClientProperties struct {
	CbSize    uint32
	IsOffload int32
	Category  uint32
	Options   uint32
}

// propertyKey mirrors PROPERTYKEY.
type propertyKey struct {
	Fmtid windows.GUID
	Pid   uint32
}

// COM vtable mirrors. Method order is the ABI; do not reorder.

type iUnknownVtbl struct {
	QueryInterface uintptr
	AddRef         uintptr
	Release        uintptr
}

type iUnknown struct {
	lpVtbl *iUnknownVtbl
}

type iMMDeviceEnumeratorVtbl struct {
	iUnknownVtbl
	EnumAudioEndpoints                     uintptr
	GetDefaultAudioEndpoint                uintptr
	GetDevice                              uintptr
	RegisterEndpointNotificationCallback   uintptr
	UnregisterEndpointNotificationCallback uintptr
}

type iMMDeviceEnumerator struct {
	lpVtbl *iMMDeviceEnumeratorVtbl
}

type iMMDeviceCollectionVtbl struct {
	iUnknownVtbl
	GetCount uintptr
	Item     uintptr
}

type iMMDeviceCollection struct {
	lpVtbl *iMMDeviceCollectionVtbl
}

type iMMDeviceVtbl struct {
	iUnknownVtbl
	Activate          uintptr
	OpenPropertyStore uintptr
	GetId             uintptr
	GetState          uintptr
}

type iMMDevice struct {
	lpVtbl *iMMDeviceVtbl
}

type iPropertyStoreVtbl struct {
	iUnknownVtbl
	GetCount uintptr
	GetAt    uintptr
	GetValue uintptr
	SetValue uintptr
	Commit   uintptr
}

type iPropertyStore struct {
	lpVtbl *iPropertyStoreVtbl
}

type iAudioClientVtbl struct {
	iUnknownVtbl
	Initialize        uintptr
	GetBufferSize     uintptr
	GetStreamLatency  uintptr
	GetCurrentPadding uintptr
	IsFormatSupported uintptr
	GetMixFormat      uintptr
	GetDevicePeriod   uintptr
	Start             uintptr
	Stop              uintptr
	Reset             uintptr
	SetEventHandle    uintptr
	GetService        uintptr
}

type iAudioClient struct {
	lpVtbl *iAudioClientVtbl
}

// iAudioClient3Vtbl extends iAudioClientVtbl with the IAudioClient2 and
// IAudioClient3 methods, in ABI order.
type iAudioClient3Vtbl struct {
	iAudioClientVtbl
	IsOffloadCapable                 uintptr
	SetClientProperties              uintptr
	GetBufferSizeLimits              uintptr
	GetSharedModeEnginePeriod        uintptr
	GetCurrentSharedModeEnginePeriod uintptr
	InitializeSharedAudioStream      uintptr
}

type iAudioClient3 struct {
	lpVtbl *iAudioClient3Vtbl
}

type iAudioCaptureClientVtbl struct {
	iUnknownVtbl
	GetBuffer         uintptr
	ReleaseBuffer     uintptr
	GetNextPacketSize uintptr
}

type iAudioCaptureClient struct {
	lpVtbl *iAudioCaptureClientVtbl
}

type iAudioRenderClientVtbl struct {
	iUnknownVtbl
	GetBuffer     uintptr
	ReleaseBuffer uintptr
}

type iAudioRenderClient struct {
	lpVtbl *iAudioRenderClientVtbl
}

type iSimpleAudioVolumeVtbl struct {
	iUnknownVtbl
	SetMasterVolume uintptr
	GetMasterVolume uintptr
	SetMute         uintptr
	GetMute         uintptr
}

type iSimpleAudioVolume struct {
	lpVtbl *iSimpleAudioVolumeVtbl
}

type iActivateAudioInterfaceAsyncOperationVtbl struct {
	iUnknownVtbl
	GetActivateResult uintptr
}

type iActivateAudioInterfaceAsyncOperation struct {
	lpVtbl *iActivateAudioInterfaceAsyncOperationVtbl
}

// completionHandlerVtbl is the vtable of the
// IActivateAudioInterfaceCompletionHandler object implemented in Go
// (activate.go).
type completionHandlerVtbl struct {
	iUnknownVtbl
	ActivateCompleted uintptr
}
