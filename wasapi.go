// Package wasapi provides a Go interface to the Windows WASAPI audio stack,
// focused on low-latency shared-mode capture and render, including per-process
// loopback capture.
package wasapi

// DataFlow defines the direction of an audio endpoint.
// These values correspond to the EDataFlow enumeration.
type DataFlow int32

const (
	ERender  DataFlow = 0 // Playback endpoints.
	ECapture DataFlow = 1 // Recording endpoints.
	EAll     DataFlow = 2
)

// String returns the SDK name of the data flow.
func (f DataFlow) String() string {
	switch f {
	case ERender:
		return "render"
	case ECapture:
		return "capture"
	default:
		return "all"
	}
}

// Endpoint device states, per the DEVICE_STATE_* constants.
const (
	DEVICE_STATE_ACTIVE     uint32 = 0x1
	DEVICE_STATE_DISABLED   uint32 = 0x2
	DEVICE_STATE_NOTPRESENT uint32 = 0x4
	DEVICE_STATE_UNPLUGGED  uint32 = 0x8
)

// ShareMode defines how a stream shares the endpoint with other clients.
// These values correspond to the AUDCLNT_SHAREMODE enumeration.
type ShareMode int32

const (
	AUDCLNT_SHAREMODE_SHARED    ShareMode = 0
	AUDCLNT_SHAREMODE_EXCLUSIVE ShareMode = 1
)

// Stream flags for IAudioClient initialization.
const (
	AUDCLNT_STREAMFLAGS_CROSSPROCESS  uint32 = 0x00010000
	AUDCLNT_STREAMFLAGS_LOOPBACK      uint32 = 0x00020000
	AUDCLNT_STREAMFLAGS_EVENTCALLBACK uint32 = 0x00040000
	AUDCLNT_STREAMFLAGS_NOPERSIST     uint32 = 0x00080000
	AUDCLNT_STREAMFLAGS_RATEADJUST    uint32 = 0x00100000
)

// Buffer flags reported by IAudioCaptureClient.GetBuffer and accepted by
// IAudioRenderClient.ReleaseBuffer.
const (
	AUDCLNT_BUFFERFLAGS_DATA_DISCONTINUITY uint32 = 0x1
	AUDCLNT_BUFFERFLAGS_SILENT             uint32 = 0x2
	AUDCLNT_BUFFERFLAGS_TIMESTAMP_ERROR    uint32 = 0x4
)

// WAVEFORMATEX format tags.
const (
	WAVE_FORMAT_PCM        uint16 = 0x0001
	WAVE_FORMAT_IEEE_FLOAT uint16 = 0x0003
	WAVE_FORMAT_EXTENSIBLE uint16 = 0xFFFE
)

// Process-loopback activation, per the AUDIOCLIENT_ACTIVATION_* and
// PROCESS_LOOPBACK_MODE_* constants.
const (
	AUDIOCLIENT_ACTIVATION_TYPE_DEFAULT          uint32 = 0
	AUDIOCLIENT_ACTIVATION_TYPE_PROCESS_LOOPBACK uint32 = 1

	PROCESS_LOOPBACK_MODE_INCLUDE_TARGET_PROCESS_TREE uint32 = 0
	PROCESS_LOOPBACK_MODE_EXCLUDE_TARGET_PROCESS_TREE uint32 = 1
)

// VIRTUAL_AUDIO_DEVICE_PROCESS_LOOPBACK is the device interface path of the
// virtual endpoint used for per-process loopback activation.
const VIRTUAL_AUDIO_DEVICE_PROCESS_LOOPBACK = `VAD\Process_Loopback`

// AudioCategory values for IAudioClient2.SetClientProperties.
const (
	AudioCategory_Other uint32 = 0
	AudioCategory_Media uint32 = 9
)

// AUDCLNT_* status codes. Success codes below 0x80000000, failure codes above.
const (
	AUDCLNT_S_BUFFER_EMPTY HResult = 0x08890001

	AUDCLNT_E_NOT_INITIALIZED            HResult = 0x88890001
	AUDCLNT_E_ALREADY_INITIALIZED        HResult = 0x88890002
	AUDCLNT_E_WRONG_ENDPOINT_TYPE        HResult = 0x88890003
	AUDCLNT_E_DEVICE_INVALIDATED         HResult = 0x88890004
	AUDCLNT_E_NOT_STOPPED                HResult = 0x88890005
	AUDCLNT_E_BUFFER_TOO_LARGE           HResult = 0x88890006
	AUDCLNT_E_OUT_OF_ORDER               HResult = 0x88890007
	AUDCLNT_E_UNSUPPORTED_FORMAT         HResult = 0x88890008
	AUDCLNT_E_INVALID_SIZE               HResult = 0x88890009
	AUDCLNT_E_DEVICE_IN_USE              HResult = 0x8889000A
	AUDCLNT_E_BUFFER_OPERATION_PENDING   HResult = 0x8889000B
	AUDCLNT_E_EXCLUSIVE_MODE_NOT_ALLOWED HResult = 0x8889000E
	AUDCLNT_E_ENDPOINT_CREATE_FAILED     HResult = 0x8889000F
	AUDCLNT_E_SERVICE_NOT_RUNNING        HResult = 0x88890010
	AUDCLNT_E_BUFFER_SIZE_ERROR          HResult = 0x88890016
	AUDCLNT_E_BUFFER_SIZE_NOT_ALIGNED    HResult = 0x88890019
	AUDCLNT_E_INVALID_DEVICE_PERIOD      HResult = 0x88890020
	AUDCLNT_E_INVALID_STREAM_FLAG        HResult = 0x88890021
	AUDCLNT_E_RESOURCES_INVALIDATED      HResult = 0x88890026
	AUDCLNT_E_ENGINE_PERIODICITY_LOCKED  HResult = 0x88890028
	AUDCLNT_E_ENGINE_FORMAT_LOCKED       HResult = 0x88890029
)

// General COM status codes.
const (
	S_OK                 HResult = 0x00000000
	S_FALSE              HResult = 0x00000001
	E_NOINTERFACE        HResult = 0x80004002
	E_POINTER            HResult = 0x80004003
	E_FAIL               HResult = 0x80004005
	E_ACCESSDENIED       HResult = 0x80070005
	E_OUTOFMEMORY        HResult = 0x8007000E
	RPC_E_CHANGED_MODE   HResult = 0x80010106
	CO_E_NOTINITIALIZED  HResult = 0x800401F0
	ERROR_NOT_FOUND_HRES HResult = 0x80070490
)

// CLSCTX_ALL activation context for CoCreateInstance.
const CLSCTX_ALL uint32 = 0x17

// STGM_READ access mode for IMMDevice.OpenPropertyStore.
const STGM_READ uint32 = 0

// VT_BLOB is the PROPVARIANT type used to carry activation parameter blobs.
const VT_BLOB uint16 = 65

// audClntNames provides human-readable names for AUDCLNT_E_* codes,
// used when formatting activation and runtime errors.
var audClntNames = map[HResult]string{
	AUDCLNT_E_NOT_INITIALIZED:            "AUDCLNT_E_NOT_INITIALIZED",
	AUDCLNT_E_ALREADY_INITIALIZED:        "AUDCLNT_E_ALREADY_INITIALIZED",
	AUDCLNT_E_WRONG_ENDPOINT_TYPE:        "AUDCLNT_E_WRONG_ENDPOINT_TYPE",
	AUDCLNT_E_DEVICE_INVALIDATED:         "AUDCLNT_E_DEVICE_INVALIDATED",
	AUDCLNT_E_NOT_STOPPED:                "AUDCLNT_E_NOT_STOPPED",
	AUDCLNT_E_BUFFER_TOO_LARGE:           "AUDCLNT_E_BUFFER_TOO_LARGE",
	AUDCLNT_E_OUT_OF_ORDER:               "AUDCLNT_E_OUT_OF_ORDER",
	AUDCLNT_E_UNSUPPORTED_FORMAT:         "AUDCLNT_E_UNSUPPORTED_FORMAT",
	AUDCLNT_E_INVALID_SIZE:               "AUDCLNT_E_INVALID_SIZE",
	AUDCLNT_E_DEVICE_IN_USE:              "AUDCLNT_E_DEVICE_IN_USE",
	AUDCLNT_E_BUFFER_OPERATION_PENDING:   "AUDCLNT_E_BUFFER_OPERATION_PENDING",
	AUDCLNT_E_EXCLUSIVE_MODE_NOT_ALLOWED: "AUDCLNT_E_EXCLUSIVE_MODE_NOT_ALLOWED",
	AUDCLNT_E_ENDPOINT_CREATE_FAILED:     "AUDCLNT_E_ENDPOINT_CREATE_FAILED",
	AUDCLNT_E_SERVICE_NOT_RUNNING:        "AUDCLNT_E_SERVICE_NOT_RUNNING",
	AUDCLNT_E_BUFFER_SIZE_ERROR:          "AUDCLNT_E_BUFFER_SIZE_ERROR",
	AUDCLNT_E_BUFFER_SIZE_NOT_ALIGNED:    "AUDCLNT_E_BUFFER_SIZE_NOT_ALIGNED",
	AUDCLNT_E_INVALID_DEVICE_PERIOD:      "AUDCLNT_E_INVALID_DEVICE_PERIOD",
	AUDCLNT_E_INVALID_STREAM_FLAG:        "AUDCLNT_E_INVALID_STREAM_FLAG",
	AUDCLNT_E_RESOURCES_INVALIDATED:      "AUDCLNT_E_RESOURCES_INVALIDATED",
	AUDCLNT_E_ENGINE_PERIODICITY_LOCKED:  "AUDCLNT_E_ENGINE_PERIODICITY_LOCKED",
	AUDCLNT_E_ENGINE_FORMAT_LOCKED:       "AUDCLNT_E_ENGINE_FORMAT_LOCKED",
}
