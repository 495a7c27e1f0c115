//go:build linux

package cpuid

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// DevFile executes CPUID through the Linux cpuid driver. Reading 16 bytes
// at offset leaf from /dev/cpu/<n>/cpuid returns EAX, EBX, ECX, EDX.
type DevFile struct {
	Root string
}

// Leaf implements Reader.
func (d DevFile) Leaf(cpu int, leaf uint32) (Leaf, error) {
	root := d.Root
	if root == "" {
		root = "/dev/cpu"
	}

	path := fmt.Sprintf("%s/%d/cpuid", root, cpu)

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return Leaf{}, fmt.Errorf("%s: %w", path, err)
	}
	defer unix.Close(fd)

	var b [16]byte
	if _, err := unix.Pread(fd, b[:], int64(leaf)); err != nil {
		return Leaf{}, fmt.Errorf("cpuid cpu%d leaf %#x: %w", cpu, leaf, err)
	}

	return Leaf{
		EAX: binary.LittleEndian.Uint32(b[0:4]),
		EBX: binary.LittleEndian.Uint32(b[4:8]),
		ECX: binary.LittleEndian.Uint32(b[8:12]),
		EDX: binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}
