// Package mcheck brings up Intel machine-check handling on each processor
// and follows processors through hotplug.
package mcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/bobuhiro11/mcheck/cmci"
	"github.com/bobuhiro11/mcheck/cpuid"
	"github.com/bobuhiro11/mcheck/mca"
	"github.com/bobuhiro11/mcheck/mce"
	"github.com/bobuhiro11/mcheck/metrics"
	"github.com/bobuhiro11/mcheck/msr"
)

var (
	// ErrNoMCA is returned for a processor without MCE and MCA.
	ErrNoMCA = errors.New("processor lacks machine-check architecture")

	// ErrNotIntel is returned for processors of other vendors.
	ErrNotIntel = errors.New("not an Intel processor")

	// ErrNotInitialized is returned before the first InitCPU.
	ErrNotInitialized = errors.New("machine-check handling not initialized")
)

// Action is a processor hotplug notification.
type Action int

const (
	// UpPrepare precedes bringing a processor up.
	UpPrepare Action = iota
	// Dying runs on a processor that is going offline.
	Dying
	// UpCanceled follows a failed bring-up.
	UpCanceled
	// Dead follows a processor going offline.
	Dead
)

func (a Action) String() string {
	switch a {
	case UpPrepare:
		return "up-prepare"
	case Dying:
		return "dying"
	case UpCanceled:
		return "up-canceled"
	case Dead:
		return "dead"
	}

	return fmt.Sprintf("Action(%d)", int(a))
}

// Manager owns the process-wide machine-check state.
type Manager struct {
	Dev            msr.Device
	CPUID          cpuid.Reader
	Scanner        *mca.Scanner
	Recovery       *mce.Recovery
	ForceBroadcast bool
	Log            *slog.Logger

	freeze   sync.Once
	caps     Capabilities
	coord    *cmci.Coordinator
	register sync.Once
	regErr   error
}

func (m *Manager) log() *slog.Logger {
	if m.Log == nil {
		return slog.Default()
	}

	return m.Log
}

// Capabilities returns the frozen capabilities.
func (m *Manager) Capabilities() (Capabilities, error) {
	if m.coord == nil {
		return Capabilities{}, ErrNotInitialized
	}

	return m.caps, nil
}

// Coordinator returns the CMCI ownership coordinator.
func (m *Manager) Coordinator() *cmci.Coordinator { return m.coord }

// InitCPU sets up machine-check handling on cpu. The first call freezes
// the capabilities; later processors that disagree only get a warning.
func (m *Manager) InitCPU(cpu int, bsp bool) error {
	info, err := cpuid.Read(m.CPUID, cpu)
	if err != nil {
		return fmt.Errorf("cpu%d: %w", cpu, err)
	}

	if !info.MCEAvailable() {
		return fmt.Errorf("cpu%d: %w", cpu, ErrNoMCA)
	}

	if !info.IsIntel() {
		return fmt.Errorf("cpu%d %s: %w", cpu, info.Vendor, ErrNotIntel)
	}

	mcgCap, err := m.Dev.Read(cpu, msr.MCGCap)
	if err != nil {
		return fmt.Errorf("cpu%d MCG_CAP: %w", cpu, err)
	}

	m.initMCA(cpu, Derive(mcgCap, info, m.ForceBroadcast))

	if bsp {
		if err := m.coord.Alloc(cpu); err != nil && !errors.Is(err, cmci.ErrAllocated) {
			return err
		}
	}

	if err := m.registerHooks(); err != nil {
		return err
	}

	if err := m.initMCE(cpu); err != nil {
		return err
	}

	return m.initCMCI(cpu)
}

func (m *Manager) initMCA(cpu int, c Capabilities) {
	m.freeze.Do(func() {
		m.caps = c
		m.Scanner.Banks = c.Banks
		m.coord = cmci.New(m.Dev, m.Scanner, c.Banks, m.log())
		m.log().Info("MCA capability", "cpu", cpu,
			"broadcast", c.Broadcast, "ser", c.SER, "cmci", c.CMCI,
			"firstbank", c.FirstBank, "ext_msrs", c.ExtMSRs, "banks", c.Banks)
	})

	if !c.Equal(m.caps) {
		metrics.CapabilityMismatch.Inc()
		m.log().Warn("processor has different MCA capability than the boot processor, results may be undetermined",
			"cpu", cpu, "got", c.String(), "frozen", m.caps.String())
	}
}

func (m *Manager) registerHooks() error {
	m.register.Do(func() {
		ser := m.caps.SER
		m.regErr = m.Scanner.Register(mca.Hooks{
			Recoverable: func(s mce.Status) bool { return mce.Recoverable(s, ser) },
			NeedClear:   func(src mce.Source, s mce.Status) bool { return mce.NeedClear(src, s, ser) },
			Dispatcher:  &mce.Dispatcher{SER: ser, Recovery: m.Recovery},
			Extended:    m.extended,
		})
	})

	return m.regErr
}

// extended captures the extended register block when the processor
// reported a valid error IP.
func (m *Manager) extended(cpu int, r *mca.Report) {
	n := uint32(m.caps.ExtMSRs)
	if n == 0 || r.Global.MCGStatus&msr.StatusEIPV == 0 {
		return
	}

	var regs []mca.Register

	for _, reg := range msr.Extended() {
		if reg >= msr.MCGEAX+n {
			continue
		}

		v, err := m.Dev.Read(cpu, reg)
		if err != nil {
			m.log().Debug("cannot read extended register", "cpu", cpu, "msr", reg, "err", err)

			continue
		}

		regs = append(regs, mca.Register{Reg: reg, Value: v})
	}

	if err := r.AddExtended(regs); err != nil {
		m.log().Warn("extended registers dropped", "cpu", cpu, "err", err)
	}
}

// initMCE logs what survived the last reset and enables the banks no
// sibling has set up yet.
func (m *Manager) initMCE(cpu int) error {
	if n, err := m.Scanner.PostReset(cpu); err != nil {
		return fmt.Errorf("cpu%d post-reset scan: %w", cpu, err)
	} else if n > 0 {
		m.log().Warn("errors left from before reset", "cpu", cpu, "banks", n)
	}

	for i := m.caps.FirstBank; i < m.caps.Banks; i++ {
		ctl, err := m.Dev.Read(cpu, msr.Ctl(i))
		if err != nil {
			return fmt.Errorf("cpu%d bank %d: %w", cpu, i, err)
		}

		// Shared banks may have been set up by a sibling already.
		if ctl != 0 {
			continue
		}

		m.log().Debug("init bank", "cpu", cpu, "bank", i)

		if err := m.Dev.Write(cpu, msr.Ctl(i), ^uint64(0)); err != nil {
			return fmt.Errorf("cpu%d bank %d: %w", cpu, i, err)
		}

		if err := m.Dev.Write(cpu, msr.Status(i), 0); err != nil {
			return fmt.Errorf("cpu%d bank %d: %w", cpu, i, err)
		}
	}

	if m.caps.FirstBank != 0 {
		if err := m.Dev.Write(cpu, msr.Status(0), 0); err != nil {
			return fmt.Errorf("cpu%d bank 0: %w", cpu, err)
		}
	}

	return nil
}

func (m *Manager) initCMCI(cpu int) error {
	if !m.caps.CMCI {
		m.log().Debug("no CMCI support", "cpu", cpu)

		return nil
	}

	return m.coord.Discover(cpu)
}

// Notify follows cpu through hotplug. Banks are allocated before bring-up,
// released by the dying processor, and redistributed to the survivors
// before the departed processor's state is freed.
func (m *Manager) Notify(ctx context.Context, a Action, cpu int) error {
	if m.coord == nil {
		return ErrNotInitialized
	}

	m.log().Debug("cpu notification", "cpu", cpu, "action", a.String())

	switch a {
	case UpPrepare:
		return m.coord.Alloc(cpu)
	case Dying:
		if m.caps.CMCI {
			return m.coord.Release(cpu)
		}
	case UpCanceled, Dead:
		var err error
		if m.caps.CMCI {
			err = m.coord.Distribute(ctx)
		}

		m.coord.Free(cpu)

		return err
	}

	return nil
}

// MachineCheck handles a machine-check exception on cpu.
func (m *Manager) MachineCheck(cpu int) (mce.Outcome, error) {
	if m.coord == nil {
		return mce.Reset, ErrNotInitialized
	}

	b, err := m.coord.Banks(cpu)
	if err != nil {
		return mce.Reset, err
	}

	return m.Scanner.MachineCheck(cpu, b.Clear)
}

// CMCI handles a corrected machine-check interrupt on cpu.
func (m *Manager) CMCI(cpu int) (int, error) {
	if m.coord == nil {
		return 0, ErrNotInitialized
	}

	return m.coord.Interrupt(cpu)
}

// PollBanks returns the banks of cpu that need polling: those without
// CMCI, or all of them when the platform has none.
func (m *Manager) PollBanks(cpu int) *bitset.BitSet {
	if m.coord == nil {
		return nil
	}

	if !m.caps.CMCI {
		return m.Scanner.AllBanks()
	}

	return m.coord.PollBanks(cpu)
}
