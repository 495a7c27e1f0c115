package machine

import (
	"fmt"

	"github.com/bobuhiro11/mcheck/cpuid"
	"github.com/bobuhiro11/mcheck/msr"
)

func word(s string) uint32 {
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24
}

// signature encodes family and model the way leaf 1 EAX does.
func signature(family, model uint32) uint32 {
	var eax uint32

	if family > 0xf {
		eax |= 0xf<<8 | (family-0xf)<<20
	} else {
		eax |= family << 8
	}

	return eax | (model&0xf)<<4 | (model>>4)<<16
}

// Leaf implements cpuid.Reader for an Intel processor with MCE and MCA.
func (m *Machine) Leaf(cpu int, leaf uint32) (cpuid.Leaf, error) {
	if cpu < 0 || cpu >= m.cfg.CPUs {
		return cpuid.Leaf{}, msr.ErrNoCPU
	}

	switch leaf {
	case 0:
		v := cpuid.VendorIntel

		return cpuid.Leaf{EAX: 0xd, EBX: word(v[0:4]), EDX: word(v[4:8]), ECX: word(v[8:12])}, nil
	case 1:
		edx := uint32(1)<<cpuid.FPU | 1<<cpuid.MCE | 1<<cpuid.APIC | 1<<cpuid.MCA

		return cpuid.Leaf{EAX: signature(m.cfg.Family, m.cfg.Model), EDX: edx}, nil
	}

	return cpuid.Leaf{}, fmt.Errorf("cpuid leaf %#x: %w", leaf, msr.ErrUnknownRegister)
}
