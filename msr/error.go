package msr

import "errors"

var (
	// ErrNoCPU is returned for a processor that has no register file.
	ErrNoCPU = errors.New("no such cpu")

	// ErrUnknownRegister is returned for a register the device does not
	// implement.
	ErrUnknownRegister = errors.New("unknown msr")

	// ErrShortIO is returned when the msr device transfers fewer than 8 bytes.
	ErrShortIO = errors.New("short msr transfer")
)
