package mce

import "fmt"

// Observation is one bank as read during a scan. Handlers may rewrite Addr
// and DomID when the error is forwarded to a guest.
type Observation struct {
	Bank      int
	CPU       int // processor that read the bank
	Owner     int // CMCI owner of a shared bank, -1 if none
	Status    Status
	Addr      uint64
	Misc      Misc
	MCGStatus uint64
	DomID     uint16
}

// Table selects which handler set is consulted.
type Table int

const (
	// Urgent runs inside the machine-check exception and only decides
	// whether the system survives.
	Urgent Table = iota
	// Deferred runs once the exception has been survived and performs
	// recovery actions.
	Deferred
)

func (t Table) String() string {
	switch t {
	case Urgent:
		return "urgent"
	case Deferred:
		return "deferred"
	}

	return fmt.Sprintf("Table(%d)", int(t))
}

// HandlerKind names the handler a status was routed to.
type HandlerKind int

const (
	HandlerDefault HandlerKind = iota
	HandlerSRAO
	HandlerSRAR
)

func (h HandlerKind) String() string {
	switch h {
	case HandlerDefault:
		return "default"
	case HandlerSRAO:
		return "srao"
	case HandlerSRAR:
		return "srar"
	}

	return fmt.Sprintf("HandlerKind(%d)", int(h))
}

// Select returns the handler for s. Every status maps to exactly one
// handler; anything without a dedicated one gets the default.
func (t Table) Select(s Status, ser bool) HandlerKind {
	if t != Deferred {
		return HandlerDefault
	}

	switch Classify(s, ser) {
	case RecoverableSRAO:
		return HandlerSRAO
	case RecoverableSRAR:
		return HandlerSRAR
	case Invalid, Fatal, Corrected, RecoverableUCNA:
		return HandlerDefault
	}

	return HandlerDefault
}

// Dispatcher runs the handler tables.
type Dispatcher struct {
	// SER is the software error recovery capability of the platform.
	SER      bool
	Recovery *Recovery
}

// Dispatch routes obs through table t. Recovery records go to sink.
func (d *Dispatcher) Dispatch(t Table, obs *Observation, sink ActionSink) (HandlerKind, Outcome) {
	kind := t.Select(obs.Status, d.SER)

	switch kind {
	case HandlerSRAO:
		return kind, d.srao(obs, sink)
	case HandlerSRAR:
		return kind, d.srar(obs, sink)
	case HandlerDefault:
	}

	return kind, d.fallback(obs)
}

func (d *Dispatcher) fallback(obs *Observation) Outcome {
	if Classify(obs.Status, d.SER) == Fatal {
		return Reset
	}

	return Continue
}

// srao acts on memory scrub and L3 writeback errors. Other action-optional
// errors need nothing.
func (d *Dispatcher) srao(obs *Observation, sink ActionSink) Outcome {
	if !obs.Status.Has(Val) {
		return Continue
	}

	code := obs.Status.Code()

	if (code >= CodeMemScrubFirst && code <= CodeMemScrubLast) || code == CodeL3Writeback {
		_, o := d.recover(obs, sink, Continue)

		return o
	}

	return Continue
}

// srar acts on data load and instruction fetch errors. Any other
// action-required error has no recovery policy and resets.
func (d *Dispatcher) srar(obs *Observation, sink ActionSink) Outcome {
	switch obs.Status.Code() {
	case CodeDataLoad, CodeInstrFetch:
		_, o := d.recover(obs, sink, Reset)

		return o
	}

	return Reset
}

func (d *Dispatcher) recover(obs *Observation, sink ActionSink, preset Outcome) (*Action, Outcome) {
	if d.Recovery == nil {
		return nil, preset
	}

	return d.Recovery.Build(obs, sink, preset)
}
