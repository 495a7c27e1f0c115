package mca

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/bobuhiro11/mcheck/mce"
	"github.com/bobuhiro11/mcheck/metrics"
	"github.com/bobuhiro11/mcheck/msr"
)

// ErrAlreadyRegistered is returned by a second Register call.
var ErrAlreadyRegistered = errors.New("machine-check hooks already registered")

// ErrNotRegistered is returned when scanning before Register.
var ErrNotRegistered = errors.New("machine-check hooks not registered")

// Hooks are the vendor decisions the scanner consults.
type Hooks struct {
	// Recoverable reports whether a status can be survived.
	Recoverable func(mce.Status) bool
	// NeedClear reports whether a bank must be cleared after logging.
	NeedClear func(mce.Source, mce.Status) bool
	// Dispatcher runs the handler tables.
	Dispatcher *mce.Dispatcher
	// Extended captures extra processor state into a report, optional.
	Extended func(cpu int, r *Report)
}

// Consumer is the management consumer of committed reports.
type Consumer interface {
	// Deliver commits r and notifies the consumer asynchronously. It
	// never blocks; false means the report was dropped.
	Deliver(r *Report) bool
	// Persist stores r synchronously. It is used before a reset so the
	// cause survives the restart.
	Persist(r *Report) error
}

// Scanner reads banks and drives the handlers.
type Scanner struct {
	Dev      msr.Device
	Banks    int
	Capacity int
	// Consumer receives committed reports. Without one reports are
	// printed through Local and dismissed.
	Consumer Consumer
	// Local prints a report. Defaults to a log line per record.
	Local func(r *Report)
	Log   *slog.Logger

	mu    sync.RWMutex
	hooks *Hooks
}

// Register installs the vendor hooks. It succeeds exactly once.
func (s *Scanner) Register(h Hooks) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hooks != nil {
		return ErrAlreadyRegistered
	}

	s.hooks = &h

	return nil
}

// Registered returns the installed hooks or nil.
func (s *Scanner) Registered() *Hooks {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.hooks
}

func (s *Scanner) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}

	return s.Log
}

// AllBanks returns a set with every bank.
func (s *Scanner) AllBanks() *bitset.BitSet {
	b := bitset.New(uint(s.Banks))
	for i := 0; i < s.Banks; i++ {
		b.Set(uint(i))
	}

	return b
}

// Logout reads the banks in set on cpu and records every valid one. Banks
// the clear policy selects are cleared right away, except for MCE scans
// with a non-nil clear set, where they are marked in clear and left for
// ClearBanks once handling is done.
func (s *Scanner) Logout(cpu int, src mce.Source, set, clear *bitset.BitSet) (*Report, Summary, error) {
	h := s.Registered()
	if h == nil {
		return nil, Summary{}, ErrNotRegistered
	}

	log := s.log().With("cpu", cpu, "source", src.String())
	r := NewReport(src, cpu, s.Capacity)

	var sum Summary

	gstatus, err := s.Dev.Read(cpu, msr.MCGStatus)
	if err != nil {
		return nil, sum, fmt.Errorf("logout cpu%d: %w", cpu, err)
	}

	r.Global.MCGStatus = gstatus
	sum.RIPV = gstatus&msr.StatusRIPV != 0
	sum.EIPV = gstatus&msr.StatusEIPV != 0

	for i, ok := set.NextSet(0); ok && int(i) < s.Banks; i, ok = set.NextSet(i + 1) {
		bank := int(i)

		v, err := s.Dev.Read(cpu, msr.Status(bank))
		if err != nil {
			log.Warn("cannot read bank status", "bank", bank, "err", err)

			continue
		}

		st := mce.Status(v)
		if !st.Has(mce.Val) {
			continue
		}

		obs := mce.Observation{Bank: bank, CPU: cpu, Owner: -1, Status: st, MCGStatus: gstatus}

		// An unreadable ADDR or MISC is recorded as not valid.
		if st.Has(mce.AddrV) {
			if obs.Addr, err = s.Dev.Read(cpu, msr.Addr(bank)); err != nil {
				log.Warn("cannot read bank address", "bank", bank, "err", err)
				obs.Addr = 0
				obs.Status &^= mce.AddrV
			}
		}

		if st.Has(mce.MiscV) {
			m, err := s.Dev.Read(cpu, msr.Misc(bank))
			if err != nil {
				log.Warn("cannot read bank misc", "bank", bank, "err", err)
				m = 0
				obs.Status &^= mce.MiscV
			}

			obs.Misc = mce.Misc(m)
		}

		sum.ErrCnt++
		sum.UC = sum.UC || st.Has(mce.UC)
		sum.PCC = sum.PCC || st.Has(mce.PCC)

		if !h.Recoverable(st) {
			sum.Unrecoverable = true
		}

		sev := mce.Classify(st, h.Dispatcher.SER)
		metrics.Errors.WithLabelValues(sev.String(), src.String()).Inc()
		log.Debug("bank error", "bank", bank, "status", fmt.Sprintf("%#x", v), "severity", sev.String())

		if _, err := r.AddBank(obs); err != nil {
			log.Warn("bank record dropped", "bank", bank, "err", err)
			sum.Dropped = append(sum.Dropped, obs)
		}

		if !h.NeedClear(src, st) {
			continue
		}

		if src == mce.SourceMCEScan && clear != nil {
			clear.Set(i)

			continue
		}

		if err := s.Dev.Write(cpu, msr.Status(bank), 0); err != nil {
			log.Warn("cannot clear bank", "bank", bank, "err", err)
		}
	}

	if sum.ErrCnt > 0 && sum.EIPV && h.Extended != nil {
		h.Extended(cpu, r)
	}

	return r, sum, nil
}

// ClearBanks zeroes the status of every bank marked in clear and empties
// the set.
func (s *Scanner) ClearBanks(cpu int, clear *bitset.BitSet) {
	for i, ok := clear.NextSet(0); ok; i, ok = clear.NextSet(i + 1) {
		if err := s.Dev.Write(cpu, msr.Status(int(i)), 0); err != nil {
			s.log().Warn("cannot clear bank", "cpu", cpu, "bank", i, "err", err)
		}
	}

	clear.ClearAll()
}

// Deliver hands a report to the management consumer, or prints and
// dismisses it when there is none. Empty reports are dismissed.
func (s *Scanner) Deliver(r *Report) {
	if r == nil || r.Empty() {
		metrics.Reports.WithLabelValues("dismissed").Inc()

		return
	}

	if s.Consumer != nil {
		if s.Consumer.Deliver(r) {
			metrics.Reports.WithLabelValues("committed").Inc()
		} else {
			metrics.Reports.WithLabelValues("dropped").Inc()
		}

		return
	}

	s.dump(r)
	metrics.Reports.WithLabelValues("dumped").Inc()
}

func (s *Scanner) dump(r *Report) {
	if s.Local != nil {
		s.Local(r)

		return
	}

	log := s.log()
	for _, b := range r.Banks {
		log.Warn("machine check",
			"cpu", b.CPU, "bank", b.Bank,
			"status", fmt.Sprintf("%#x", uint64(b.Status)),
			"addr", fmt.Sprintf("%#x", b.Addr),
			"misc", fmt.Sprintf("%#x", uint64(b.Misc)))
	}

	for _, a := range r.Actions {
		log.Warn("recovery action", "bank", a.Bank, "mfn", fmt.Sprintf("%#x", a.MFN), "status", a.Status.String())
	}
}

// persist makes sure r survives a reset: it is printed and, when there is
// a consumer, stored synchronously.
func (s *Scanner) persist(r *Report) {
	s.dump(r)

	if s.Consumer == nil {
		return
	}

	if err := s.Consumer.Persist(r); err != nil {
		s.log().Error("cannot persist machine-check report before reset", "id", r.ID, "err", err)

		return
	}

	metrics.Reports.WithLabelValues("persisted").Inc()
}

// reset persists r and forgets the banks marked for clearing; they are
// left to the post-reset scan.
func (s *Scanner) reset(r *Report, clear *bitset.BitSet) mce.Outcome {
	s.persist(r)

	if clear != nil {
		clear.ClearAll()
	}

	return record(mce.Reset)
}

func record(o mce.Outcome) mce.Outcome {
	metrics.Outcomes.WithLabelValues(o.String()).Inc()

	return o
}

// MachineCheck handles a machine-check exception on cpu. clear is the
// processor's pending-clear set. The result is Reset when the system must
// not continue; the report has then already been persisted.
func (s *Scanner) MachineCheck(cpu int, clear *bitset.BitSet) (mce.Outcome, error) {
	r, sum, err := s.Logout(cpu, mce.SourceMCEScan, s.AllBanks(), clear)
	if err != nil {
		return mce.Reset, err
	}

	if sum.ErrCnt == 0 {
		s.Deliver(r)

		return record(mce.Continue), nil
	}

	h := s.Registered()
	observed := sum.Observed(r)
	worst := mce.Recovered

	for _, obs := range observed {
		_, o := h.Dispatcher.Dispatch(mce.Urgent, obs, nil)
		worst = mce.Worst(worst, o)
	}

	if sum.Unrecoverable {
		worst = mce.Reset
	}

	if worst == mce.Reset {
		s.log().Error("fatal machine check", "cpu", cpu, "banks", len(observed), "id", r.ID)

		return s.reset(r, clear), nil
	}

	worst = mce.Recovered

	for _, obs := range observed {
		kind, o := h.Dispatcher.Dispatch(mce.Deferred, obs, r)
		s.log().Debug("bank handled", "cpu", cpu, "bank", obs.Bank, "handler", kind.String(), "outcome", o.String())

		worst = mce.Worst(worst, o)
	}

	if worst == mce.Reset {
		return s.reset(r, clear), nil
	}

	s.ClearBanks(cpu, clear)
	s.Deliver(r)

	return record(worst), nil
}

// Scan logs the banks in set from src and delivers the report. It returns
// the number of banks with errors.
func (s *Scanner) Scan(cpu int, src mce.Source, set *bitset.BitSet) (int, error) {
	r, sum, err := s.Logout(cpu, src, set, nil)
	if err != nil {
		return 0, err
	}

	s.Deliver(r)

	return sum.ErrCnt, nil
}

// PostReset logs what the banks still hold from before the last reset.
// Anything found is printed and, with a consumer, stored.
func (s *Scanner) PostReset(cpu int) (int, error) {
	r, sum, err := s.Logout(cpu, mce.SourceReset, s.AllBanks(), nil)
	if err != nil {
		return 0, err
	}

	if sum.ErrCnt == 0 {
		s.Deliver(r)

		return 0, nil
	}

	s.persist(r)

	return sum.ErrCnt, nil
}

