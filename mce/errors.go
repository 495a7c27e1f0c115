package mce

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPhysAddr means the bank did not carry a usable physical address.
	ErrNoPhysAddr = errors.New("no physical address provided for memory error")

	// ErrSharedOwner marks a page owned by the copy-on-write pseudo domain.
	// Notifying every sharer is not implemented.
	ErrSharedOwner = errors.New("broken page is shared; multi-owner notification unimplemented")

	// ErrReservedOwner marks a page owned by a reserved domain id that does
	// not resolve to a guest.
	ErrReservedOwner = errors.New("broken page owned by a reserved domain")

	// ErrReportFull is returned by an ActionSink that has no room left.
	ErrReportFull = errors.New("report buffer exhausted")
)

// Step names one stage of guest notification.
type Step int

const (
	StepLookup Step = iota
	StepNotReady
	StepTranslate
	StepUnmap
	StepFill
	StepInject
)

var stepNames = [...]string{
	StepLookup:    "lookup",
	StepNotReady:  "not-ready",
	StepTranslate: "translate",
	StepUnmap:     "unmap",
	StepFill:      "fill",
	StepInject:    "inject",
}

func (s Step) String() string {
	if s >= 0 && int(s) < len(stepNames) {
		return stepNames[s]
	}

	return fmt.Sprintf("Step(%d)", int(s))
}

// RecoveryError is a failed guest notification step.
type RecoveryError struct {
	Step   Step
	Domain uint16
	Err    error
}

func (e *RecoveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("vmce %s for dom%d failed", e.Step, e.Domain)
	}

	return fmt.Sprintf("vmce %s for dom%d: %v", e.Step, e.Domain, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }
