//go:build windows

// Windows mapping of the shared ring region. The kernel driver backs the
// ring with a named SECTION; the agent opens it through the session-global
// namespace and maps a read-write view.

package ring

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// AttachNamed opens an existing file mapping by name and maps it entirely.
func AttachNamed(name string) (*Region, error) {
	namep, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenFileMapping(windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, false, namep)
	if err != nil {
		return nil, fmt.Errorf("open section %q: %w", name, err)
	}
	return mapView(h)
}

// CreateNamed creates a pagefile-backed mapping of the given total size.
// The driver normally owns creation; this path serves tests and the
// hooking-library loopback.
func CreateNamed(name string, size int) (*Region, error) {
	namep, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE,
		uint32(uint64(size)>>32), uint32(size), namep)
	if err != nil {
		return nil, fmt.Errorf("create section %q: %w", name, err)
	}
	return mapView(h)
}

func mapView(h windows.Handle) (*Region, error) {
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, 0)
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("map view: %w", err)
	}
	var info windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info)); err != nil {
		windows.UnmapViewOfFile(addr)
		windows.CloseHandle(h)
		return nil, fmt.Errorf("query view: %w", err)
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(info.RegionSize))
	return &Region{b: b, close: func() error {
		uerr := windows.UnmapViewOfFile(addr)
		cerr := windows.CloseHandle(h)
		if uerr != nil {
			return uerr
		}
		return cerr
	}}, nil
}
