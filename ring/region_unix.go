//go:build !windows

// POSIX mapping of the shared ring region. On these hosts the named region
// is a file under /dev/shm (or an absolute path), which is what the test
// producers and the hooking library use outside of Windows sessions.

package ring

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

func regionPath(name string) string {
	if strings.ContainsRune(name, os.PathSeparator) {
		return name
	}
	return filepath.Join("/dev/shm", name)
}

// AttachNamed maps an existing named region read-write.
func AttachNamed(name string) (*Region, error) {
	f, err := os.OpenFile(regionPath(name), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open ring region: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat ring region: %w", err)
	}
	if fi.Size() < int64(DataOffset) {
		return nil, ErrRegionTooSmall
	}

	b, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap ring region: %w", err)
	}
	return &Region{b: b, close: func() error { return unix.Munmap(b) }}, nil
}

// CreateNamed creates and maps a named region of the given total size,
// truncating any previous content. Used by reference producers and tests.
func CreateNamed(name string, size int) (*Region, error) {
	path := regionPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create ring region: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("size ring region: %w", err)
	}
	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap ring region: %w", err)
	}
	return &Region{b: b, close: func() error { return unix.Munmap(b) }}, nil
}
