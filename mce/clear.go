package mce

import "fmt"

// Source identifies the path that read a bank.
type Source int

const (
	// SourcePoll is the periodic poller covering banks without CMCI.
	SourcePoll Source = iota
	// SourceCMCI is a corrected machine-check interrupt on an owned bank.
	SourceCMCI
	// SourceReset is the boot-time scan for errors left over from before
	// the last reset.
	SourceReset
	// SourceMCEScan is the scan done from the machine-check exception.
	SourceMCEScan
)

func (s Source) String() string {
	switch s {
	case SourcePoll:
		return "poll"
	case SourceCMCI:
		return "cmci"
	case SourceReset:
		return "reset"
	case SourceMCEScan:
		return "mce"
	}

	return fmt.Sprintf("Source(%d)", int(s))
}

// NeedClear reports whether a bank read from src must be cleared after it
// has been logged.
//
// A CMCI bank is cleared when it holds a corrected error, a spurious
// error, or a UCNA without overflow; otherwise it is only logged.
//
// An MCE-scanned bank is never cleared without software error recovery,
// and never when it holds a fatal (UC and PCC) error, so that the sticky
// bank can be picked up by polling after the reboot. Spurious errors,
// SRAR without overflow and SRAO are cleared.
//
// Banks read by the poller or the post-reset scan are always cleared.
func NeedClear(src Source, s Status, ser bool) bool {
	switch src {
	case SourceCMCI:
		switch {
		case !s.Has(UC):
			return true
		case ser && !s.Has(Over) && !s.Has(EN):
			return true
		case ser && !s.Has(Over) && !s.Has(PCC) && !s.Has(S) && !s.Has(AR):
			return true
		}

		return false
	case SourceMCEScan:
		switch {
		case !ser:
			return false
		case s.Has(UC | PCC):
			return false
		case !s.Has(Over) && s.Has(UC) && !s.Has(EN):
			return true
		case s.Has(UC|S|AR) && !s.Has(Over):
			return true
		case !s.Has(AR) && s.Has(S|UC):
			return true
		}

		return false
	case SourcePoll, SourceReset:
	}

	return true
}
