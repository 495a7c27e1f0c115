// Package msr describes the machine-check architecture register file and
// provides access to it, one logical processor at a time.
package msr

// Global machine-check registers.
const (
	MCGCap    uint32 = 0x179
	MCGStatus uint32 = 0x17a
	MCGCtl    uint32 = 0x17b

	// Extended machine-check state, present when MCG_CAP.EXT_P is set.
	MCGEAX    uint32 = 0x180
	MCGEBX    uint32 = 0x181
	MCGECX    uint32 = 0x182
	MCGEDX    uint32 = 0x183
	MCGESI    uint32 = 0x184
	MCGEDI    uint32 = 0x185
	MCGEBP    uint32 = 0x186
	MCGESP    uint32 = 0x187
	MCGEFLAGS uint32 = 0x188
	MCGEIP    uint32 = 0x189
	MCGMisc   uint32 = 0x18a
	MCGR8     uint32 = 0x190
	MCGR15    uint32 = 0x197

	// MC0Ctl is the first register of the per-bank block. Every bank owns
	// four consecutive registers: CTL, STATUS, ADDR, MISC.
	MC0Ctl uint32 = 0x400

	// MC0Ctl2 is the first per-bank CMCI control register.
	MC0Ctl2 uint32 = 0x280
)

// MCG_CAP layout.
const (
	CapCountMask  = 0xff
	CapCtlP       = 1 << 8
	CapExtP       = 1 << 9
	CapCMCIP      = 1 << 10
	CapTESP       = 1 << 11
	CapExtCntShft = 16
	CapSERP       = 1 << 24
)

// MCG_STATUS layout.
const (
	StatusRIPV = 1 << 0
	StatusEIPV = 1 << 1
	StatusMCIP = 1 << 2
)

// MCi_CTL2 layout.
const (
	CMCIEn            = 1 << 30
	CMCIThresholdMask = 0x7fff
	CMCIThreshold     = 0x1
)

// Ctl returns the MCi_CTL register of bank i.
func Ctl(i int) uint32 { return MC0Ctl + 4*uint32(i) }

// Status returns the MCi_STATUS register of bank i.
func Status(i int) uint32 { return MC0Ctl + 4*uint32(i) + 1 }

// Addr returns the MCi_ADDR register of bank i.
func Addr(i int) uint32 { return MC0Ctl + 4*uint32(i) + 2 }

// Misc returns the MCi_MISC register of bank i.
func Misc(i int) uint32 { return MC0Ctl + 4*uint32(i) + 3 }

// Ctl2 returns the MCi_CTL2 register of bank i.
func Ctl2(i int) uint32 { return MC0Ctl2 + uint32(i) }

// BankCount extracts the number of reporting banks from an MCG_CAP value.
func BankCount(mcgCap uint64) int {
	return int(mcgCap & CapCountMask)
}

// ExtCount extracts the number of extended state registers from MCG_CAP.
// It is zero unless EXT_P is set.
func ExtCount(mcgCap uint64) int {
	if mcgCap&CapExtP == 0 {
		return 0
	}

	return int((mcgCap >> CapExtCntShft) & 0xff)
}

// Device reads and writes model-specific registers of a logical processor.
//
// Implementations must be safe for concurrent use by different processors;
// calls for the same processor are never issued concurrently except during
// CMCI discovery, which the caller serializes.
type Device interface {
	Read(cpu int, reg uint32) (uint64, error)
	Write(cpu int, reg uint32, val uint64) error
}

// Extended lists the extended state registers in the order they are
// captured into a report.
func Extended() []uint32 {
	regs := make([]uint32, 0, 19)

	for r := MCGEAX; r <= MCGMisc; r++ {
		regs = append(regs, r)
	}

	for r := MCGR8; r <= MCGR15; r++ {
		regs = append(regs, r)
	}

	return regs
}
