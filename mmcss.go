package wasapi

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modavrt = windows.NewLazySystemDLL("avrt.dll")

	procAvSetMmThreadCharacteristicsW   = modavrt.NewProc("AvSetMmThreadCharacteristicsW")
	procAvRevertMmThreadCharacteristics = modavrt.NewProc("AvRevertMmThreadCharacteristics")
)

// PriorityToken represents a thread registered with the MMCSS "Pro Audio"
// scheduling class. Revert must run on the same OS thread that acquired the
// token; the I/O loop holds it for the lifetime of a run and releases it on
// every exit path.
type PriorityToken struct {
	handle    windows.Handle
	taskIndex uint32
}

// ElevatePriority registers the calling OS thread with the MMCSS "Pro Audio"
// task class, raising it to pro-audio real-time scheduling. The caller must
// be locked to its OS thread. A denial (insufficient privilege, MMCSS service
// unavailable) is a soft failure: the error is reported, the thread keeps its
// normal priority, and the session proceeds.
func ElevatePriority() (*PriorityToken, error) {
	task, err := windows.UTF16PtrFromString("Pro Audio")
	if err != nil {
		return nil, err
	}

	var taskIndex uint32
	h, _, callErr := procAvSetMmThreadCharacteristicsW.Call(
		uintptr(unsafe.Pointer(task)),
		uintptr(unsafe.Pointer(&taskIndex)),
	)
	if h == 0 {
		return nil, fmt.Errorf("AvSetMmThreadCharacteristics denied: %w", callErr)
	}

	return &PriorityToken{handle: windows.Handle(h), taskIndex: taskIndex}, nil
}

// TaskIndex returns the MMCSS task index assigned to the thread.
func (t *PriorityToken) TaskIndex() uint32 {
	return t.taskIndex
}

// Revert restores the thread's prior scheduling class. Safe on nil, so a
// deferred Revert covers the elevation-denied path too.
func (t *PriorityToken) Revert() {
	if t == nil || t.handle == 0 {
		return
	}

	_, _, _ = procAvRevertMmThreadCharacteristics.Call(uintptr(t.handle))
	t.handle = 0
}
