//go:build windows && amd64

package driver

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	vxlapi = windows.NewLazyDLL("vxlapi64.dll")

	procOpenDriver         = vxlapi.NewProc("xlOpenDriver")
	procCloseDriver        = vxlapi.NewProc("xlCloseDriver")
	procGetDriverConfig    = vxlapi.NewProc("xlGetDriverConfig")
	procOpenPort           = vxlapi.NewProc("xlOpenPort")
	procClosePort          = vxlapi.NewProc("xlClosePort")
	procSetBitrate         = vxlapi.NewProc("xlCanSetChannelBitrate")
	procActivateChannel    = vxlapi.NewProc("xlActivateChannel")
	procDeactivateChannel  = vxlapi.NewProc("xlDeactivateChannel")
	procCanTransmit        = vxlapi.NewProc("xlCanTransmit")
	procReceive            = vxlapi.NewProc("xlReceive")
	procRequestChipState   = vxlapi.NewProc("xlCanRequestChipState")
	procFlushTransmitQueue = vxlapi.NewProc("xlCanFlushTransmitQueue")
	procFlushReceiveQueue  = vxlapi.NewProc("xlFlushReceiveQueue")
	procGetSyncTime        = vxlapi.NewProc("xlGetSyncTime")
	procGetErrorString     = vxlapi.NewProc("xlGetErrorString")
)

// xlError wraps a non-zero XLstatus.
type xlError struct {
	fn     string
	status uintptr
}

func (e *xlError) Error() string {
	return fmt.Sprintf("%s failed: %s (%d)", e.fn, xlErrorString(e.status), e.status)
}

func xlErrorString(status uintptr) string {
	if err := procGetErrorString.Find(); err != nil {
		return "unknown"
	}
	r, _, _ := procGetErrorString.Call(status)
	if r == 0 {
		return "unknown"
	}
	return windows.BytePtrToString((*byte)(unsafe.Pointer(r)))
}

// xlCall invokes an XL API function and converts its status into an error.
func xlCall(proc *windows.LazyProc, args ...uintptr) error {
	if err := proc.Find(); err != nil {
		return fmt.Errorf("vxlapi: %w", err)
	}
	status, _, _ := proc.Call(args...)
	if status != xlSuccess {
		return &xlError{fn: proc.Name, status: status}
	}
	return nil
}
