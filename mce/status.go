// Package mce classifies machine-check bank status and decides what to do
// about it: whether the error is fatal, whether the bank must be cleared,
// and, for memory errors carrying a physical address, how the affected page
// is retired and its owner notified.
//
// Everything here is free of shared state. Platform capabilities that the
// original hardware generation decides (software error recovery support)
// are passed in explicitly.
package mce

// Status is a snapshot of an MCi_STATUS register.
type Status uint64

// MCi_STATUS bits.
const (
	Val   Status = 1 << 63 // register contents are valid
	Over  Status = 1 << 62 // an earlier error was lost
	UC    Status = 1 << 61 // uncorrected
	EN    Status = 1 << 60 // signalling enabled for this error
	MiscV Status = 1 << 59 // MCi_MISC holds extra information
	AddrV Status = 1 << 58 // MCi_ADDR holds the fault address
	PCC   Status = 1 << 57 // processor context corrupt
	S     Status = 1 << 56 // signalled through a machine-check exception
	AR    Status = 1 << 55 // action required before resuming the context

	codeMask Status = 0xffff
)

// Has reports whether every bit in f is set.
func (s Status) Has(f Status) bool {
	return s&f == f
}

// Code returns the architectural MCA error code, bits 15:0.
func (s Status) Code() uint16 {
	return uint16(s & codeMask)
}

// Misc is a snapshot of an MCi_MISC register.
type Misc uint64

// Address modes reported in MCi_MISC[8:6].
const (
	AddrModeSegmentOffset = 0
	AddrModeLinear        = 1
	AddrModePhysical      = 2
	AddrModeMemory        = 3

	addrModeShift = 6
	addrModeMask  = 0x7
)

// AddrMode returns the address mode qualifying MCi_ADDR.
func (m Misc) AddrMode() int {
	return int(uint64(m)>>addrModeShift) & addrModeMask
}

// PageShift is the log2 of the page size used for retirement.
const PageShift = 12

const pageMask = 1<<PageShift - 1

// Frame returns the page frame number containing addr.
func Frame(addr uint64) uint64 {
	return addr >> PageShift
}

// Error codes the recovery handlers act on.
const (
	CodeMemScrubFirst = 0xc0 // memory scrubbing, 0xc0..0xcf
	CodeMemScrubLast  = 0xcf
	CodeL3Writeback   = 0x17a // L3 explicit writeback
	CodeDataLoad      = 0x134 // data load
	CodeInstrFetch    = 0x150 // instruction fetch
)
