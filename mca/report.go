// Package mca walks machine-check banks, assembles what it finds into
// reports and runs the handler tables over them. It is the glue between
// the register file and the decisions made by package mce.
package mca

import (
	"time"

	"github.com/bobuhiro11/mcheck/mce"
	"github.com/bobuhiro11/mcheck/metrics"
	"github.com/google/uuid"
)

// DefaultCapacity is the number of records a report holds by default.
const DefaultCapacity = 32

// Global is the per-report processor state.
type Global struct {
	CPU       int
	MCGStatus uint64
}

// Register is one captured extended register.
type Register struct {
	Reg   uint32
	Value uint64
}

// Report is what one scan found. Bank, action and extended register
// records share a bounded buffer; once it is exhausted further records
// are dropped and the report is marked incomplete.
type Report struct {
	ID         uuid.UUID
	Source     mce.Source
	Time       time.Time
	Global     Global
	Banks      []mce.Observation
	Actions    []mce.Action
	Extended   []Register
	Incomplete bool

	capacity int
	used     int
}

// NewReport returns an empty report for cpu.
func NewReport(src mce.Source, cpu, capacity int) *Report {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Report{
		ID:       uuid.New(),
		Source:   src,
		Time:     time.Now(),
		Global:   Global{CPU: cpu},
		capacity: capacity,
	}
}

func (r *Report) reserve() error {
	if r.used >= r.capacity {
		if !r.Incomplete {
			metrics.ReportsIncomplete.Inc()
		}

		r.Incomplete = true

		return mce.ErrReportFull
	}

	r.used++

	return nil
}

// AddBank appends a bank record and returns a pointer to it, so handlers
// can update it in place.
func (r *Report) AddBank(obs mce.Observation) (*mce.Observation, error) {
	if err := r.reserve(); err != nil {
		return nil, err
	}

	r.Banks = append(r.Banks, obs)

	return &r.Banks[len(r.Banks)-1], nil
}

// AddAction implements mce.ActionSink.
func (r *Report) AddAction(a mce.Action) error {
	if err := r.reserve(); err != nil {
		return err
	}

	r.Actions = append(r.Actions, a)

	return nil
}

// AddExtended appends the extended register block as a single record.
func (r *Report) AddExtended(regs []Register) error {
	if err := r.reserve(); err != nil {
		return err
	}

	r.Extended = append(r.Extended, regs...)

	return nil
}

// Empty reports whether no bank had an error.
func (r *Report) Empty() bool {
	return len(r.Banks) == 0
}

// Summary condenses a scan.
type Summary struct {
	ErrCnt        int
	UC            bool
	PCC           bool
	RIPV          bool
	EIPV          bool
	Unrecoverable bool
	// Dropped holds the errors the report had no room for. They are still
	// dispatched.
	Dropped []mce.Observation
}

// Observed returns every error of a scan: the report's bank records
// followed by the dropped ones.
func (sum *Summary) Observed(r *Report) []*mce.Observation {
	obs := make([]*mce.Observation, 0, len(r.Banks)+len(sum.Dropped))
	for i := range r.Banks {
		obs = append(obs, &r.Banks[i])
	}

	for i := range sum.Dropped {
		obs = append(obs, &sum.Dropped[i])
	}

	return obs
}
