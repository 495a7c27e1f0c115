package mce

import "fmt"

// Outcome is what a handler concluded about one bank. Outcomes are ordered
// by severity, so the result of a whole scan is the worst of its banks.
type Outcome int

const (
	// Recovered means the error was contained, e.g. a free page was
	// offlined or the owning guest took over.
	Recovered Outcome = iota
	// Continue means no containment was needed, or it will be retried.
	Continue
	// Reset means it is unsafe to go on; the system must halt or restart.
	Reset
)

func (o Outcome) String() string {
	switch o {
	case Recovered:
		return "recovered"
	case Continue:
		return "continue"
	case Reset:
		return "reset"
	}

	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Worst returns the more severe of a and b.
func Worst(a, b Outcome) Outcome {
	if a > b {
		return a
	}

	return b
}
