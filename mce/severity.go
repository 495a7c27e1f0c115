package mce

import "fmt"

// Severity is the classification of a bank status.
type Severity int

const (
	Invalid Severity = iota
	Fatal
	Corrected
	RecoverableUCNA
	RecoverableSRAO
	RecoverableSRAR
)

var severityNames = [...]string{
	Invalid:         "invalid",
	Fatal:           "fatal",
	Corrected:       "corrected",
	RecoverableUCNA: "ucna",
	RecoverableSRAO: "srao",
	RecoverableSRAR: "srar",
}

func (s Severity) String() string {
	if s >= 0 && int(s) < len(severityNames) {
		return severityNames[s]
	}

	return fmt.Sprintf("Severity(%d)", int(s))
}

// Classify maps a status to its severity. ser tells whether the processor
// supports software error recovery; without it every uncorrected error is
// fatal.
//
// The checks run in a fixed priority order: VAL, PCC, UC, SER, then S/AR/OVER.
func Classify(s Status, ser bool) Severity {
	if !s.Has(Val) {
		return Invalid
	}

	if s.Has(PCC) {
		return Fatal
	}

	if !s.Has(UC) {
		return Corrected
	}

	if !ser {
		return Fatal
	}

	if s.Has(S) {
		if s.Has(AR) {
			if s.Has(Over) {
				return Fatal
			}

			return RecoverableSRAR
		}

		return RecoverableSRAO
	}

	if !s.Has(S) {
		return RecoverableUCNA
	}

	// No well-formed status reaches here.
	return Fatal
}

// Recoverable reports whether execution can continue after an error with
// status s. The scan infrastructure uses it to decide whether a machine
// check as a whole is survivable.
//
//  1. corrected (UC=0)
//  2. spurious: OVER=0, EN=0
//  3. SRAR: OVER=0, PCC=0, S=1, AR=1, EN=1
//  4. SRAO: PCC=0, S=1, AR=0, EN=1
//  5. UCNA: OVER=0, EN=1, PCC=0, S=0, AR=0
func Recoverable(s Status, ser bool) bool {
	switch {
	case !s.Has(UC):
		return true
	case !ser:
		return false
	case !s.Has(EN) && !s.Has(Over):
		return true
	case !s.Has(Over) && !s.Has(PCC) && s.Has(S|AR|EN):
		return true
	case !s.Has(PCC) && s.Has(S|EN) && !s.Has(AR):
		return true
	case !s.Has(Over) && s.Has(EN) && !s.Has(PCC) && !s.Has(S) && !s.Has(AR):
		return true
	}

	return false
}
