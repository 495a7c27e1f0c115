package cpuid

import "fmt"

// The leaf 1 EDX feature bits, as named in arch/x86/include/asm/cpufeatures.h
// in Linux.
//
// [1] https://github.com/torvalds/linux/blob/v4.20/arch/x86/include/asm/cpufeatures.h#L29
type F1Edx uint32

const (
	FPU       F1Edx = 0  /* Onboard FPU */
	VME       F1Edx = 1  /* Virtual Mode Extensions */
	DE        F1Edx = 2  /* Debugging Extensions */
	PSE       F1Edx = 3  /* Page Size Extensions */
	TSC       F1Edx = 4  /* Time Stamp Counter */
	MSR       F1Edx = 5  /* Model-Specific Registers */
	PAE       F1Edx = 6  /* Physical Address Extensions */
	MCE       F1Edx = 7  /* Machine Check Exception */
	CX8       F1Edx = 8  /* CMPXCHG8 instruction */
	APIC      F1Edx = 9  /* Onboard APIC */
	SEP       F1Edx = 11 /* SYSENTER/SYSEXIT */
	MTRR      F1Edx = 12 /* Memory Type Range Registers */
	PGE       F1Edx = 13 /* Page Global Enable */
	MCA       F1Edx = 14 /* Machine Check Architecture */
	CMOV      F1Edx = 15 /* CMOV instructions */
	PAT       F1Edx = 16 /* Page Attribute Table */
	CLFLUSH   F1Edx = 19 /* CLFLUSH instruction */
	DS        F1Edx = 21 /* "dts" Debug Store */
	ACPI      F1Edx = 22 /* ACPI via MSR */
	HT        F1Edx = 28 /* Hyper-Threading */
	ACC       F1Edx = 29 /* "tm" Automatic clock control */
	PBE       F1Edx = 31 /* Pending Break Enable */
)

var f1EdxNames = map[F1Edx]string{
	FPU: "FPU", VME: "VME", DE: "DE", PSE: "PSE", TSC: "TSC", MSR: "MSR",
	PAE: "PAE", MCE: "MCE", CX8: "CX8", APIC: "APIC", SEP: "SEP",
	MTRR: "MTRR", PGE: "PGE", MCA: "MCA", CMOV: "CMOV", PAT: "PAT",
	CLFLUSH: "CLFLUSH", DS: "DS", ACPI: "ACPI", HT: "HT", ACC: "ACC",
	PBE: "PBE",
}

func (f F1Edx) String() string {
	if s, ok := f1EdxNames[f]; ok {
		return s
	}

	return fmt.Sprintf("F1Edx(%d)", uint32(f))
}

// AllF1Edx lists every named leaf 1 EDX feature in bit order.
//
//nolint:gochecknoglobals
var AllF1Edx = []F1Edx{
	FPU, VME, DE, PSE, TSC, MSR, PAE, MCE, CX8, APIC, SEP, MTRR, PGE, MCA,
	CMOV, PAT, CLFLUSH, DS, ACPI, HT, ACC, PBE,
}
