package mce

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bobuhiro11/mcheck/metrics"
)

// OfflineStatus is the result word of a page retirement request.
type OfflineStatus uint32

const (
	Offlined OfflineStatus = 1 << 0 // page is off the free lists now
	Pending  OfflineStatus = 1 << 1 // page is in use; offlined once released
	Failed   OfflineStatus = 1 << 2 // retirement refused
	Again    OfflineStatus = 1 << 3 // transient contention, try later

	XenPage   OfflineStatus = 1 << 8  // page belongs to the hypervisor heap
	Owned     OfflineStatus = 1 << 12 // page has an owning domain
	Anonymous OfflineStatus = 1 << 13 // page is in use without an owner
	Broken    OfflineStatus = 1 << 14 // page was already marked broken

	ownerShift = 16
)

// Reserved domain ids.
const (
	DomIDFirstReserved uint16 = 0x7ff0
	DomIDIO            uint16 = 0x7ff1
	DomIDXen           uint16 = 0x7ff2
	DomIDCOW           uint16 = 0x7ff3
)

// WithOwner returns s with the owning domain recorded.
func (s OfflineStatus) WithOwner(dom uint16) OfflineStatus {
	return s&(1<<ownerShift-1) | Owned | OfflineStatus(dom)<<ownerShift
}

// Owner returns the owning domain. It is meaningful only with Owned set.
func (s OfflineStatus) Owner() uint16 {
	return uint16(s >> ownerShift)
}

// Result names the retirement result without the owner.
func (s OfflineStatus) Result() string {
	switch {
	case s&Offlined != 0:
		return "offlined"
	case s&Again != 0:
		return "again"
	case s&Pending != 0:
		return "pending"
	case s&Failed != 0:
		return "failed"
	}

	return "none"
}

func (s OfflineStatus) String() string {
	if s&Owned != 0 {
		return fmt.Sprintf("%s(dom%d)", s.Result(), s.Owner())
	}

	return s.Result()
}

// PageRetirer removes physical frames from general allocation.
type PageRetirer interface {
	Retire(mfn uint64) (OfflineStatus, error)
}

// Domain is a guest that may own a broken page.
type Domain interface {
	ID() uint16
	// VMCEReady reports whether the guest can take a virtual machine
	// check for this observation.
	VMCEReady(obs *Observation) bool
	// GFN translates a machine frame to the guest's frame.
	GFN(mfn uint64) (uint64, error)
	// UnmapBrokenPage removes the page from the guest's physical map.
	UnmapBrokenPage(mfn, gfn uint64) error
	// FillVMCE loads the virtual machine-check registers.
	FillVMCE(obs *Observation, mcgStatus uint64) error
	// InjectVMCE raises the virtual machine check.
	InjectVMCE() error
	// Crash terminates the guest.
	Crash()
}

// Virt resolves domain ids.
type Virt interface {
	Domain(id uint16) (Domain, error)
}

// ActionKind is the kind of recovery recorded in a report.
type ActionKind int

// ActionPageOffline is the only recovery action.
const ActionPageOffline ActionKind = 1

// Action records one recovery attempt.
type Action struct {
	Bank   int
	Kind   ActionKind
	MFN    uint64
	Status OfflineStatus
}

// ActionSink accepts recovery records. AddAction fails with ErrReportFull
// when the report has no space; the action is then dropped.
type ActionSink interface {
	AddAction(a Action) error
}

// Recovery retires pages hit by memory errors and hands the error to the
// owning guest when there is one.
type Recovery struct {
	Pages PageRetirer
	Virt  Virt
	Log   *slog.Logger
}

func (r *Recovery) log() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}

	return r.Log
}

// Build acts on the memory error in obs and records what it did in sink.
// preset is returned when nothing more specific can be concluded, e.g.
// the retirement request failed or the page belongs to the hypervisor.
//
// Without a physical address nothing is attempted and Continue is
// returned.
func (r *Recovery) Build(obs *Observation, sink ActionSink, preset Outcome) (*Action, Outcome) {
	log := r.log().With("cpu", obs.CPU, "bank", obs.Bank)
	log.Debug("MCE: enter UCR recovery action")

	if !obs.Status.Has(AddrV|MiscV) || obs.Misc.AddrMode() != AddrModePhysical {
		log.Warn(ErrNoPhysAddr.Error(), "status", fmt.Sprintf("%#x", uint64(obs.Status)))

		return nil, Continue
	}

	mfn := Frame(obs.Addr)

	st, err := r.Pages.Retire(mfn)
	if err != nil {
		log.Warn("failed to offline page for MCE error", "mfn", fmt.Sprintf("%#x", mfn), "err", err)
		metrics.PageOffline.WithLabelValues("error").Inc()

		act := r.record(log, sink, obs.Bank, mfn, st|Failed)

		return act, preset
	}

	metrics.PageOffline.WithLabelValues(st.Result()).Inc()

	act := r.record(log, sink, obs.Bank, mfn, st)

	switch {
	case st&Offlined != 0:
		return act, Recovered
	case st&Again != 0:
		return act, Continue
	case st&Pending != 0 && st&Owned != 0:
		return act, r.notify(log, obs, st.Owner(), mfn, preset)
	}

	return act, preset
}

func (r *Recovery) record(log *slog.Logger, sink ActionSink, bank int, mfn uint64, st OfflineStatus) *Action {
	act := Action{Bank: bank, Kind: ActionPageOffline, MFN: mfn, Status: st}

	if sink == nil {
		return &act
	}

	if err := sink.AddAction(act); err != nil {
		log.Warn("page offline action not recorded", "err", err)

		return nil
	}

	return &act
}

// notify hands a broken page to its owner. Any failure along the way
// crashes the owner, which contains the error just as well.
func (r *Recovery) notify(log *slog.Logger, obs *Observation, owner uint16, mfn uint64, preset Outcome) Outcome {
	obs.DomID = owner
	log.Info("MCE: error page is owned", "dom", owner)

	switch {
	case owner == DomIDCOW:
		panic(fmt.Errorf("mfn %#x: %w", mfn, ErrSharedOwner))
	case owner == DomIDXen:
		return preset
	case owner >= DomIDFirstReserved:
		panic(fmt.Errorf("mfn %#x dom%#x: %w", mfn, owner, ErrReservedOwner))
	}

	d, err := r.Virt.Domain(owner)
	if err != nil {
		// The guest is gone; its pages are released and the pending
		// offline completes without anyone to tell. This holds for
		// action-required errors too: nobody is left to consume the
		// page, so the preset is not returned.
		log.Warn("MCE: owner lookup failed", "err", &RecoveryError{Step: StepLookup, Domain: owner, Err: err})
		metrics.VMCE.WithLabelValues(StepLookup.String()).Inc()

		return Continue
	}

	if err := deliver(d, obs, mfn); err != nil {
		var rerr *RecoveryError

		step := "unknown"
		if errors.As(err, &rerr) {
			step = rerr.Step.String()
		}

		log.Warn("MCE: vMCE delivery failed, crashing domain", "err", err)
		metrics.VMCE.WithLabelValues(step).Inc()
		d.Crash()

		return Recovered
	}

	metrics.VMCE.WithLabelValues("injected").Inc()

	return Recovered
}

func deliver(d Domain, obs *Observation, mfn uint64) error {
	id := d.ID()

	if !d.VMCEReady(obs) {
		return &RecoveryError{Step: StepNotReady, Domain: id}
	}

	gfn, err := d.GFN(mfn)
	if err != nil {
		return &RecoveryError{Step: StepTranslate, Domain: id, Err: err}
	}

	if err := d.UnmapBrokenPage(mfn, gfn); err != nil {
		return &RecoveryError{Step: StepUnmap, Domain: id, Err: err}
	}

	// The guest sees its own frame; only the offset inside the page is
	// carried over.
	obs.Addr = gfn<<PageShift | obs.Addr&pageMask

	if err := d.FillVMCE(obs, obs.MCGStatus); err != nil {
		return &RecoveryError{Step: StepFill, Domain: id, Err: err}
	}

	if err := d.InjectVMCE(); err != nil {
		return &RecoveryError{Step: StepInject, Domain: id, Err: err}
	}

	return nil
}
