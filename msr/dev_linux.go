//go:build linux

package msr

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DevFile accesses registers through the Linux msr driver, one
// /dev/cpu/<n>/msr file per processor. The register index is the file
// offset.
type DevFile struct {
	root string

	mu  sync.Mutex
	fds map[int]int
}

// NewDevFile returns a DevFile rooted at /dev/cpu.
func NewDevFile() *DevFile {
	return NewDevFileAt("/dev/cpu")
}

// NewDevFileAt returns a DevFile reading <root>/<n>/msr.
func NewDevFileAt(root string) *DevFile {
	return &DevFile{root: root, fds: map[int]int{}}
}

func (d *DevFile) fd(cpu int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if fd, ok := d.fds[cpu]; ok {
		return fd, nil
	}

	path := fmt.Sprintf("%s/%d/msr", d.root, cpu)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return -1, fmt.Errorf("%s: %w", path, ErrNoCPU)
		}

		return -1, fmt.Errorf("%s: %w", path, err)
	}

	d.fds[cpu] = fd

	return fd, nil
}

// Read implements Device.
func (d *DevFile) Read(cpu int, reg uint32) (uint64, error) {
	fd, err := d.fd(cpu)
	if err != nil {
		return 0, err
	}

	var b [8]byte

	n, err := unix.Pread(fd, b[:], int64(reg))
	if err != nil {
		return 0, fmt.Errorf("rdmsr cpu%d %#x: %w", cpu, reg, err)
	}

	if n != len(b) {
		return 0, fmt.Errorf("rdmsr cpu%d %#x: %w", cpu, reg, ErrShortIO)
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// Write implements Device.
func (d *DevFile) Write(cpu int, reg uint32, val uint64) error {
	fd, err := d.fd(cpu)
	if err != nil {
		return err
	}

	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], val)

	n, err := unix.Pwrite(fd, b[:], int64(reg))
	if err != nil {
		return fmt.Errorf("wrmsr cpu%d %#x: %w", cpu, reg, err)
	}

	if n != len(b) {
		return fmt.Errorf("wrmsr cpu%d %#x: %w", cpu, reg, ErrShortIO)
	}

	return nil
}

// Close releases every open register file.
func (d *DevFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var first error

	for cpu, fd := range d.fds {
		if err := unix.Close(fd); err != nil && first == nil {
			first = err
		}

		delete(d.fds, cpu)
	}

	return first
}
