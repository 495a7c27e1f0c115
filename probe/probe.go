// Package probe prints what a processor offers for machine-check handling.
package probe

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/mcheck/cpuid"
	"github.com/bobuhiro11/mcheck/mce"
	"github.com/bobuhiro11/mcheck/mcheck"
	"github.com/bobuhiro11/mcheck/msr"
)

// Capabilities reads CPUID and MCG_CAP of cpu and prints the decoded
// result followed by the state of every bank.
func Capabilities(w io.Writer, dev msr.Device, r cpuid.Reader, cpu int, forceBroadcast bool) error {
	info, err := cpuid.Read(r, cpu)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "cpu%d %s family %#x model %#x stepping %d\n",
		cpu, info.Vendor, info.Family, info.Model, info.Stepping)
	fmt.Fprintf(w, "F_1_Edx.\n")
	printFeatures(w, cpuid.AllF1Edx, info.F1Edx)

	if !info.MCEAvailable() {
		return fmt.Errorf("cpu%d: %w", cpu, mcheck.ErrNoMCA)
	}

	mcgCap, err := dev.Read(cpu, msr.MCGCap)
	if err != nil {
		return fmt.Errorf("MCG_CAP: %w", err)
	}

	c := mcheck.Derive(mcgCap, info, forceBroadcast)

	fmt.Fprintf(w, "MCG_CAP %#x\n", mcgCap)
	fmt.Fprintf(w, "* %s\n", c)
	fmt.Fprintf(w, "* ctl_p=%t ext_p=%t tes_p=%t\n\n",
		mcgCap&msr.CapCtlP != 0, mcgCap&msr.CapExtP != 0, mcgCap&msr.CapTESP != 0)

	return printBanks(w, dev, cpu, c)
}

func printBanks(w io.Writer, dev msr.Device, cpu int, c mcheck.Capabilities) error {
	for i := 0; i < c.Banks; i++ {
		ctl, err := dev.Read(cpu, msr.Ctl(i))
		if err != nil {
			return fmt.Errorf("bank %d: %w", i, err)
		}

		status, err := dev.Read(cpu, msr.Status(i))
		if err != nil {
			return fmt.Errorf("bank %d: %w", i, err)
		}

		fmt.Fprintf(w, "bank%-3d ctl=%#016x status=%#016x", i, ctl, status)

		if s := mce.Status(status); s.Has(mce.Val) {
			fmt.Fprintf(w, " %s", mce.Classify(s, c.SER))
		}

		// CTL2 is absent without CMCI; a failed read is not an error.
		if ctl2, err := dev.Read(cpu, msr.Ctl2(i)); err == nil {
			fmt.Fprintf(w, " cmci=%t", ctl2&msr.CMCIEn != 0)
		}

		fmt.Fprintln(w)
	}

	return nil
}

func printFeatures(w io.Writer, features []cpuid.F1Edx, reg uint32) {
	enabled := []cpuid.F1Edx{}
	disabled := []cpuid.F1Edx{}

	for _, f := range features {
		if reg&(1<<uint(f)) != 0 {
			enabled = append(enabled, f)
		} else {
			disabled = append(disabled, f)
		}
	}

	fmt.Fprintf(w, "* Enabled:")

	for _, f := range enabled {
		fmt.Fprintf(w, " %s", f)
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for _, f := range disabled {
		fmt.Fprintf(w, " %s", f)
	}

	fmt.Fprintf(w, "\n\n")
}
