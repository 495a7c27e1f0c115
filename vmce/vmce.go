// Package vmce emulates the machine-check registers a guest sees.
//
// Guests get a small bank file without CMCI. Their accesses to the
// per-bank CMCI control range are rejected by GuardRead and GuardWrite
// before they reach anything else.
package vmce

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/bobuhiro11/mcheck/msr"
)

// GuestBanks is the number of banks exposed to a guest.
const GuestBanks = 2

// DefaultCap is the guest MCG_CAP: GuestBanks banks, MCG_CTL present.
const DefaultCap = GuestBanks | msr.CapCtlP

var (
	// ErrRejected is returned for an access inside the CMCI control range.
	ErrRejected = errors.New("register access rejected for guests")

	// ErrBusy is returned when a machine check is already in progress.
	ErrBusy = errors.New("virtual machine check already in progress")

	// ErrNotEnabled is returned when the guest has not turned on its
	// machine-check banks.
	ErrNotEnabled = errors.New("virtual machine check not enabled")
)

// VCPU is the guest view consulted by the guards.
type VCPU interface {
	MCGCap() uint64
}

func guarded(v VCPU, reg uint32) bool {
	return reg >= msr.MC0Ctl2 && reg < msr.Ctl2(msr.BankCount(v.MCGCap()))
}

// GuardWrite reports whether a guest write to reg must be rejected.
func GuardWrite(v VCPU, reg uint32, _ uint64) bool {
	if !guarded(v, reg) {
		return false
	}

	slog.Debug("guest write to CMCI control rejected", "msr", reg)

	return true
}

// GuardRead reports whether a guest read of reg must be rejected.
func GuardRead(v VCPU, reg uint32) bool {
	if !guarded(v, reg) {
		return false
	}

	slog.Debug("guest read of CMCI control rejected", "msr", reg)

	return true
}

type bank struct {
	ctl, status, addr, misc uint64
}

// State is one guest's virtual machine-check register file.
type State struct {
	mu        sync.Mutex
	mcgCap    uint64
	mcgStatus uint64
	mcgCtl    uint64
	banks     [GuestBanks]bank
	injected  int
}

// New returns a register file advertising mcgCap. Zero means DefaultCap.
func New(mcgCap uint64) *State {
	if mcgCap == 0 {
		mcgCap = DefaultCap
	}

	return &State{mcgCap: mcgCap}
}

// MCGCap implements VCPU.
func (s *State) MCGCap() uint64 { return s.mcgCap }

// Ready reports whether a new virtual machine check can be taken.
func (s *State) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mcgStatus&msr.StatusMCIP == 0
}

// Fill loads bank 1 with an error and sets MCG_STATUS. Bank 0 is left
// alone; guests expect the host error in bank 1.
func (s *State) Fill(status, addr, misc, mcgStatus uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mcgStatus&msr.StatusMCIP != 0 {
		return ErrBusy
	}

	s.banks[1] = bank{ctl: s.banks[1].ctl, status: status, addr: addr, misc: misc}
	s.mcgStatus = mcgStatus | msr.StatusMCIP

	return nil
}

// Inject raises the machine check.
func (s *State) Inject() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mcgStatus&msr.StatusMCIP == 0 {
		return ErrNotEnabled
	}

	s.injected++

	return nil
}

// Injected returns how many machine checks were raised.
func (s *State) Injected() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.injected
}

func (s *State) lookup(reg uint32) (*uint64, bool) {
	switch reg {
	case msr.MCGStatus:
		return &s.mcgStatus, true
	case msr.MCGCtl:
		return &s.mcgCtl, true
	}

	if reg < msr.MC0Ctl || reg >= msr.Ctl(GuestBanks) {
		return nil, false
	}

	b := &s.banks[(reg-msr.MC0Ctl)/4]

	switch (reg - msr.MC0Ctl) % 4 {
	case 0:
		return &b.ctl, true
	case 1:
		return &b.status, true
	case 2:
		return &b.addr, true
	default:
		return &b.misc, true
	}
}

// ReadMSR emulates a guest read.
func (s *State) ReadMSR(reg uint32) (uint64, error) {
	if GuardRead(s, reg) {
		return 0, ErrRejected
	}

	if reg == msr.MCGCap {
		return s.mcgCap, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.lookup(reg)
	if !ok {
		return 0, msr.ErrUnknownRegister
	}

	return *p, nil
}

// WriteMSR emulates a guest write.
func (s *State) WriteMSR(reg uint32, val uint64) error {
	if GuardWrite(s, reg, val) {
		return ErrRejected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.lookup(reg)
	if !ok {
		return msr.ErrUnknownRegister
	}

	*p = val

	return nil
}
