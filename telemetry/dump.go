package telemetry

import (
	"fmt"
	"io"
	"strings"

	"github.com/bobuhiro11/mcheck/mca"
	"github.com/bobuhiro11/mcheck/mce"
	"github.com/bobuhiro11/mcheck/msr"
	"golang.org/x/arch/x86/x86asm"
)

var statusFlags = []struct {
	bit  mce.Status
	name string
}{
	{mce.Val, "VAL"}, {mce.Over, "OVER"}, {mce.UC, "UC"}, {mce.EN, "EN"},
	{mce.MiscV, "MISCV"}, {mce.AddrV, "ADDRV"}, {mce.PCC, "PCC"},
	{mce.S, "S"}, {mce.AR, "AR"},
}

func flags(s mce.Status) string {
	var names []string

	for _, f := range statusFlags {
		if s.Has(f.bit) {
			names = append(names, f.name)
		}
	}

	return strings.Join(names, "|")
}

// Inst decodes the instruction at ip.
func Inst(text io.ReaderAt, ip uint64) (string, error) {
	b := make([]byte, 16)

	n, err := text.ReadAt(b, int64(ip))
	if n == 0 {
		return "", fmt.Errorf("reading ip %#x: %w", ip, err)
	}

	d, err := x86asm.Decode(b[:n], 64)
	if err != nil {
		return "", fmt.Errorf("decoding %#02x: %w", b[:n], err)
	}

	return x86asm.GNUSyntax(d, ip, nil), nil
}

func eip(r *mca.Report) (uint64, bool) {
	if r.Global.MCGStatus&msr.StatusEIPV == 0 {
		return 0, false
	}

	for _, e := range r.Extended {
		if e.Reg == msr.MCGEIP {
			return e.Value, true
		}
	}

	return 0, false
}

// Dump prints r. When the error IP is valid and text is not nil, the
// instruction it points at is decoded too.
func Dump(w io.Writer, r *mca.Report, text io.ReaderAt) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "MCE %s cpu%d source=%s mcg_status=%#x time=%s",
		r.ID, r.Global.CPU, r.Source, r.Global.MCGStatus, r.Time.UTC().Format("2006-01-02T15:04:05.000Z"))

	if r.Incomplete {
		sb.WriteString(" incomplete")
	}

	sb.WriteString("\n")

	for _, b := range r.Banks {
		fmt.Fprintf(&sb, "  bank%d cpu%d status=%#016x [%s] code=%#04x",
			b.Bank, b.CPU, uint64(b.Status), flags(b.Status), b.Status.Code())

		if b.Status.Has(mce.AddrV) {
			fmt.Fprintf(&sb, " addr=%#x", b.Addr)
		}

		if b.Status.Has(mce.MiscV) {
			fmt.Fprintf(&sb, " misc=%#x", uint64(b.Misc))
		}

		sb.WriteString("\n")
	}

	for _, a := range r.Actions {
		fmt.Fprintf(&sb, "  action bank%d page-offline mfn=%#x %s\n", a.Bank, a.MFN, a.Status)
	}

	for _, e := range r.Extended {
		fmt.Fprintf(&sb, "  msr %#x=%#x\n", e.Reg, e.Value)
	}

	if ip, ok := eip(r); ok && text != nil {
		if s, err := Inst(text, ip); err != nil {
			fmt.Fprintf(&sb, "  ip %#x: %v\n", ip, err)
		} else {
			fmt.Fprintf(&sb, "  ip %#x: %s\n", ip, s)
		}
	}

	_, err := io.WriteString(w, sb.String())

	return err
}

// Local returns a printer for mca.Scanner.Local.
func Local(w io.Writer, text io.ReaderAt) func(*mca.Report) {
	return func(r *mca.Report) {
		_ = Dump(w, r, text)
	}
}
