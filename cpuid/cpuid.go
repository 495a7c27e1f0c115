// Package cpuid decodes the processor identification needed to set up
// machine-check handling: vendor, display family/model and the leaf 1
// feature bits.
package cpuid

import "errors"

// Vendors.
const (
	VendorIntel = "GenuineIntel"
	VendorAMD   = "AuthenticAMD"
)

var errNoBasicLeaf = errors.New("cpuid leaf 1 not supported")

// Leaf is the register output of one CPUID invocation.
type Leaf struct {
	EAX, EBX, ECX, EDX uint32
}

// Reader executes CPUID on a given logical processor.
type Reader interface {
	Leaf(cpu int, leaf uint32) (Leaf, error)
}

// Info is the decoded identification of a processor.
type Info struct {
	Vendor   string
	Family   uint32
	Model    uint32
	Stepping uint32
	F1Edx    uint32
}

// Has reports whether feature f is present.
func (i Info) Has(f F1Edx) bool {
	return i.F1Edx&(1<<uint(f)) != 0
}

// MCEAvailable reports whether the processor implements both the
// machine-check exception and the machine-check architecture.
func (i Info) MCEAvailable() bool {
	return i.Has(MCE) && i.Has(MCA)
}

// IsIntel reports whether the vendor string is Intel's.
func (i Info) IsIntel() bool {
	return i.Vendor == VendorIntel
}

// Decode builds an Info from leaves 0 and 1. The display family and model
// fold in the extended fields the way the SDM describes.
func Decode(l0, l1 Leaf) (Info, error) {
	if l0.EAX < 1 {
		return Info{}, errNoBasicLeaf
	}

	s := []byte{}
	for _, x := range []uint32{l0.EBX, l0.EDX, l0.ECX} {
		s = append(s, byte(x), byte(x>>8), byte(x>>16), byte(x>>24))
	}

	family := (l1.EAX >> 8) & 0xf
	model := (l1.EAX >> 4) & 0xf

	if family == 0xf {
		family += (l1.EAX >> 20) & 0xff
	}

	if family == 0x6 || family >= 0xf {
		model += ((l1.EAX >> 16) & 0xf) << 4
	}

	return Info{
		Vendor:   string(s),
		Family:   family,
		Model:    model,
		Stepping: l1.EAX & 0xf,
		F1Edx:    l1.EDX,
	}, nil
}

// Read runs leaves 0 and 1 on cpu and decodes them.
func Read(r Reader, cpu int) (Info, error) {
	l0, err := r.Leaf(cpu, 0)
	if err != nil {
		return Info{}, err
	}

	l1, err := r.Leaf(cpu, 1)
	if err != nil {
		return Info{}, err
	}

	return Decode(l0, l1)
}
