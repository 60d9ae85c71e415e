package wasapi

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Endpoint describes an enumerated audio endpoint. Immutable once returned
// from Endpoints.
type Endpoint struct {
	ID        string // Endpoint id string, stable across enumerations.
	Name      string // Friendly name from the device property store.
	Flow      DataFlow
	MixFormat Format // The shared-mode engine mix format.
}

// String returns a human-readable representation of the endpoint.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s (%s) [%s]", e.Name, e.MixFormat, e.Flow)
}

// Process identifies a running process that can be targeted for loopback
// capture.
type Process struct {
	PID  uint32
	Name string
}

// CaptureTarget is the resolved activation target of a session: either a
// concrete endpoint or a process for loopback capture. Exactly one of the
// two arms is set; the target is dispatched once at activation time.
type CaptureTarget struct {
	Endpoint *Endpoint

	PID         uint32
	IncludeTree bool // Capture the whole process tree, not just the pid.
}

// IsProcess reports whether the target is a process-loopback target.
func (t CaptureTarget) IsProcess() bool {
	return t.Endpoint == nil
}

// Endpoints enumerates the active audio endpoints for the given flow. Each
// call re-enumerates, so the sequence is restartable. Errors from an
// unavailable audio subsystem wrap ErrEnumeration.
func Endpoints(flow DataFlow) ([]Endpoint, error) {
	done, err := comThread()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnumeration, err)
	}
	defer done()

	enum, err := newDeviceEnumerator()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnumeration, err)
	}
	defer release(enum)

	coll, err := enum.EnumAudioEndpoints(flow, DEVICE_STATE_ACTIVE)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnumeration, err)
	}
	defer release(coll)

	count, err := coll.GetCount()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnumeration, err)
	}

	endpoints := make([]Endpoint, 0, count)
	for i := uint32(0); i < count; i++ {
		dev, err := coll.Item(i)
		if err != nil {
			return nil, fmt.Errorf("endpoint %d: %w", i, err)
		}

		ep, err := describeDevice(dev)
		release(dev)
		if err != nil {
			// A device can disappear mid-enumeration; skip it rather than
			// failing the whole listing.
			continue
		}

		ep.Flow = flow
		endpoints = append(endpoints, ep)
	}

	return endpoints, nil
}

// describeDevice reads the id, friendly name and mix format of a device.
func describeDevice(dev *iMMDevice) (Endpoint, error) {
	var ep Endpoint

	id, err := dev.GetId()
	if err != nil {
		return ep, err
	}
	ep.ID = id

	name, err := dev.FriendlyName()
	if err != nil {
		return ep, err
	}
	ep.Name = name

	raw, err := dev.Activate(&IID_IAudioClient)
	if err != nil {
		return ep, err
	}

	ac := (*iAudioClient)(raw)
	defer release(ac)

	wfx, err := ac.GetMixFormat()
	if err != nil {
		return ep, err
	}
	defer coTaskMemFree(unsafe.Pointer(wfx))

	ep.MixFormat, err = formatFromNative(wfx)
	if err != nil {
		return ep, err
	}

	return ep, nil
}

// Processes returns a snapshot of running processes. The snapshot is taken at
// call time; there is no liveness guarantee afterwards.
func Processes() ([]Process, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("process snapshot failed: %w", err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	if err := windows.Process32First(snap, &entry); err != nil {
		return nil, fmt.Errorf("process snapshot walk failed: %w", err)
	}

	var procs []Process
	for {
		procs = append(procs, Process{
			PID:  entry.ProcessID,
			Name: windows.UTF16ToString(entry.ExeFile[:]),
		})

		if err := windows.Process32Next(snap, &entry); err != nil {
			if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
				break
			}

			return nil, fmt.Errorf("process snapshot walk failed: %w", err)
		}
	}

	return procs, nil
}

// ResolveDevice maps a listing index to a device capture target. The index
// refers to the slice previously returned by Endpoints.
func ResolveDevice(endpoints []Endpoint, index int) (CaptureTarget, error) {
	if index < 0 || index >= len(endpoints) {
		return CaptureTarget{}, fmt.Errorf("%w: device index %d out of range (have %d endpoints)",
			ErrInvalidSelection, index, len(endpoints))
	}

	ep := endpoints[index]

	return CaptureTarget{Endpoint: &ep}, nil
}

// ResolveDeviceByName maps a case-insensitive name substring to a device
// capture target. Ambiguous or unmatched names are invalid selections.
func ResolveDeviceByName(endpoints []Endpoint, name string) (CaptureTarget, error) {
	var matches []int
	for i, ep := range endpoints {
		if strings.Contains(strings.ToLower(ep.Name), strings.ToLower(name)) {
			matches = append(matches, i)
		}
	}

	switch len(matches) {
	case 1:
		ep := endpoints[matches[0]]

		return CaptureTarget{Endpoint: &ep}, nil
	case 0:
		return CaptureTarget{}, fmt.Errorf("%w: no endpoint matches %q", ErrInvalidSelection, name)
	default:
		return CaptureTarget{}, fmt.Errorf("%w: %q matches %d endpoints", ErrInvalidSelection, name, len(matches))
	}
}

// ResolveProcess validates that pid is alive and returns a process-loopback
// capture target. The pid can still exit between resolution and activation;
// that race surfaces as an activation error, not a hang.
func ResolveProcess(pid uint32, includeTree bool) (CaptureTarget, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return CaptureTarget{}, fmt.Errorf("%w: process %d not found: %v", ErrInvalidSelection, pid, err)
	}
	windows.CloseHandle(h)

	return CaptureTarget{PID: pid, IncludeTree: includeTree}, nil
}
