package mcheck

import (
	"fmt"

	"github.com/bobuhiro11/mcheck/cpuid"
	"github.com/bobuhiro11/mcheck/msr"
)

// Capabilities are the machine-check features the platform is run with.
// They are taken from the first processor and never change afterwards.
type Capabilities struct {
	Broadcast bool // machine checks reach every processor
	SER       bool // software error recovery
	CMCI      bool // corrected machine-check interrupt
	FirstBank int
	ExtMSRs   int
	Banks     int
}

func (c Capabilities) String() string {
	return fmt.Sprintf("bcast=%t ser=%t cmci=%t firstbank=%d ext=%d banks=%d",
		c.Broadcast, c.SER, c.CMCI, c.FirstBank, c.ExtMSRs, c.Banks)
}

// Equal compares the fields processors are expected to agree on. The bank
// count is not among them.
func (c Capabilities) Equal(o Capabilities) bool {
	return c.Broadcast == o.Broadcast &&
		c.SER == o.SER &&
		c.CMCI == o.CMCI &&
		c.FirstBank == o.FirstBank &&
		c.ExtMSRs == o.ExtMSRs
}

// Broadcast reports whether machine checks are signalled to all
// processors: always when forced, and on Intel family 6 from model 0xE on.
func Broadcast(info cpuid.Info, force bool) bool {
	if force {
		return true
	}

	return info.IsIntel() && info.Family == 6 && info.Model >= 0xe
}

// FirstBank returns the first bank the hypervisor initialises. Older
// Intel family 6 parts leave bank 0 to the firmware.
func FirstBank(info cpuid.Info) int {
	if info.IsIntel() && info.Family == 6 && info.Model < 0x1a {
		return 1
	}

	return 0
}

// Derive computes the capabilities of a processor from its MCG_CAP and
// identification.
func Derive(mcgCap uint64, info cpuid.Info, forceBroadcast bool) Capabilities {
	c := Capabilities{
		Broadcast: Broadcast(info, forceBroadcast),
		SER:       mcgCap&msr.CapSERP != 0,
		CMCI:      mcgCap&msr.CapCMCIP != 0 && info.Has(cpuid.APIC),
		FirstBank: FirstBank(info),
		Banks:     msr.BankCount(mcgCap),
	}

	if mcgCap&msr.CapExtP != 0 {
		c.ExtMSRs = msr.ExtCount(mcgCap)
	}

	return c
}
