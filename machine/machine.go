// Package machine simulates the machine-check side of a multiprocessor
// platform: per-processor and package-shared banks, CMCI control
// registers, physical pages with owners and guest domains. It backs the
// tests and the simulate command.
package machine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/mcheck/msr"
)

var (
	// ErrReadOnly is returned for writes to read-only registers.
	ErrReadOnly = errors.New("read-only msr")

	// ErrNoBank is returned when injecting into a bank that does not exist.
	ErrNoBank = errors.New("no such bank")
)

// Config describes the simulated platform.
type Config struct {
	CPUs  int
	Banks int
	// PackageSize is the number of processors sharing one set of Shared
	// banks. Zero means all processors share a single package.
	PackageSize int
	// Shared lists the banks shared by the processors of a package.
	Shared []int
	// NoCMCI lists the banks that cannot raise CMCI.
	NoCMCI []int

	SER      bool
	CMCI     bool
	ExtCount int

	Family, Model uint32
	// Pages is the number of physical frames.
	Pages uint64
}

type bank struct {
	ctl, status, addr, misc, ctl2 uint64
	cmci                          bool
	// target is the processor that set CMCI_EN, -1 when clear.
	target int
}

type processor struct {
	mcgCap    uint64
	mcgStatus uint64
	mcgCtl    uint64
	ext       map[uint32]uint64
	banks     []*bank
}

// Machine is a simulated platform. It implements msr.Device.
type Machine struct {
	cfg Config

	mu   sync.Mutex
	cpus []*processor

	*Pages
	*Domains
	*Text
}

// New builds a platform. Bank CTL registers start at zero, as after a
// cold reset.
func New(cfg Config) (*Machine, error) {
	if cfg.CPUs <= 0 || cfg.Banks <= 0 || cfg.Banks > msr.CapCountMask {
		return nil, fmt.Errorf("machine: %d cpus, %d banks: %w", cfg.CPUs, cfg.Banks, msr.ErrNoCPU)
	}

	if cfg.PackageSize <= 0 {
		cfg.PackageSize = cfg.CPUs
	}

	if cfg.Family == 0 {
		cfg.Family, cfg.Model = 6, 0x55
	}

	m := &Machine{
		cfg:     cfg,
		Pages:   NewPages(cfg.Pages),
		Domains: NewDomains(),
		Text:    NewText(),
	}

	noCMCI := map[int]bool{}
	for _, b := range cfg.NoCMCI {
		noCMCI[b] = true
	}

	shared := map[int]bool{}
	for _, b := range cfg.Shared {
		shared[b] = true
	}

	pkgBanks := map[int][]*bank{}

	for c := 0; c < cfg.CPUs; c++ {
		p := &processor{
			mcgCap: m.capability(),
			ext:    map[uint32]uint64{},
			banks:  make([]*bank, cfg.Banks),
		}

		pkg := c / cfg.PackageSize
		if pkgBanks[pkg] == nil {
			pkgBanks[pkg] = make([]*bank, cfg.Banks)
		}

		for i := range p.banks {
			b := &bank{cmci: cfg.CMCI && !noCMCI[i], target: -1}

			if shared[i] {
				if pkgBanks[pkg][i] == nil {
					pkgBanks[pkg][i] = b
				}

				b = pkgBanks[pkg][i]
			}

			p.banks[i] = b
		}

		m.cpus = append(m.cpus, p)
	}

	return m, nil
}

func (m *Machine) capability() uint64 {
	c := uint64(m.cfg.Banks) | msr.CapCtlP

	if m.cfg.CMCI {
		c |= msr.CapCMCIP
	}

	if m.cfg.SER {
		c |= msr.CapSERP
	}

	if m.cfg.ExtCount > 0 {
		c |= msr.CapExtP | uint64(m.cfg.ExtCount)<<msr.CapExtCntShft
	}

	return c
}

// Config returns the platform description.
func (m *Machine) Config() Config { return m.cfg }

// CPUs returns the number of processors.
func (m *Machine) CPUs() int { return m.cfg.CPUs }

// SetCap overrides MCG_CAP of one processor.
func (m *Machine) SetCap(cpu int, val uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cpu < 0 || cpu >= len(m.cpus) {
		return msr.ErrNoCPU
	}

	m.cpus[cpu].mcgCap = val

	return nil
}

func (m *Machine) reg(p *processor, reg uint32) (*uint64, *bank, bool) {
	switch reg {
	case msr.MCGStatus:
		return &p.mcgStatus, nil, true
	case msr.MCGCtl:
		return &p.mcgCtl, nil, true
	}

	n := uint32(len(p.banks))

	if reg >= msr.MC0Ctl2 && reg < msr.Ctl2(int(n)) {
		b := p.banks[reg-msr.MC0Ctl2]

		return &b.ctl2, b, true
	}

	if reg >= msr.MC0Ctl && reg < msr.Ctl(int(n)) {
		b := p.banks[(reg-msr.MC0Ctl)/4]

		switch (reg - msr.MC0Ctl) % 4 {
		case 0:
			return &b.ctl, b, true
		case 1:
			return &b.status, b, true
		case 2:
			return &b.addr, b, true
		default:
			return &b.misc, b, true
		}
	}

	return nil, nil, false
}

// extended reports whether reg is one of the MCG_EXT_CNT extended
// registers counted from MCG_EAX.
func (m *Machine) extended(p *processor, reg uint32) bool {
	if p.mcgCap&msr.CapExtP == 0 {
		return false
	}

	n := uint32(msr.ExtCount(p.mcgCap))

	return reg >= msr.MCGEAX && reg < msr.MCGEAX+n
}

// Read implements msr.Device.
func (m *Machine) Read(cpu int, reg uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cpu < 0 || cpu >= len(m.cpus) {
		return 0, msr.ErrNoCPU
	}

	p := m.cpus[cpu]

	if reg == msr.MCGCap {
		return p.mcgCap, nil
	}

	if m.extended(p, reg) {
		return p.ext[reg], nil
	}

	v, _, ok := m.reg(p, reg)
	if !ok {
		return 0, fmt.Errorf("cpu%d msr %#x: %w", cpu, reg, msr.ErrUnknownRegister)
	}

	return *v, nil
}

// Write implements msr.Device. CMCI_EN does not latch in banks without
// CMCI support.
func (m *Machine) Write(cpu int, reg uint32, val uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cpu < 0 || cpu >= len(m.cpus) {
		return msr.ErrNoCPU
	}

	p := m.cpus[cpu]

	if reg == msr.MCGCap || m.extended(p, reg) {
		return fmt.Errorf("cpu%d msr %#x: %w", cpu, reg, ErrReadOnly)
	}

	v, b, ok := m.reg(p, reg)
	if !ok {
		return fmt.Errorf("cpu%d msr %#x: %w", cpu, reg, msr.ErrUnknownRegister)
	}

	if reg >= msr.MC0Ctl2 && reg < msr.MC0Ctl {
		if !b.cmci {
			val &^= msr.CMCIEn
		}

		switch {
		case val&msr.CMCIEn == 0:
			b.target = -1
		case b.ctl2&msr.CMCIEn == 0:
			b.target = cpu
		}
	}

	*v = val

	return nil
}

// Inject latches an error into a bank of cpu. For shared banks every
// processor of the package sees it.
func (m *Machine) Inject(cpu, bankIdx int, status, addr, misc uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cpu < 0 || cpu >= len(m.cpus) {
		return msr.ErrNoCPU
	}

	p := m.cpus[cpu]
	if bankIdx < 0 || bankIdx >= len(p.banks) {
		return fmt.Errorf("cpu%d bank %d: %w", cpu, bankIdx, ErrNoBank)
	}

	b := p.banks[bankIdx]
	b.status, b.addr, b.misc = status, addr, misc

	return nil
}

// Raise sets MCG_STATUS of cpu as the processor does when it takes a
// machine check, and records the faulting instruction pointer in the
// extended state.
func (m *Machine) Raise(cpu int, mcgStatus, ip uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cpu < 0 || cpu >= len(m.cpus) {
		return msr.ErrNoCPU
	}

	p := m.cpus[cpu]
	p.mcgStatus = mcgStatus | msr.StatusMCIP
	p.ext[msr.MCGEIP] = ip

	return nil
}

// CMCITarget returns the processor a corrected error in bank of cpu
// interrupts: the one that enabled CMCI on it.
func (m *Machine) CMCITarget(cpu, bankIdx int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cpu < 0 || cpu >= len(m.cpus) || bankIdx < 0 || bankIdx >= m.cfg.Banks {
		return 0, false
	}

	b := m.cpus[cpu].banks[bankIdx]
	if b.ctl2&msr.CMCIEn == 0 {
		return 0, false
	}

	return b.target, true
}

// Sibling reports whether two processors share a package.
func (m *Machine) Sibling(a, b int) bool {
	return a/m.cfg.PackageSize == b/m.cfg.PackageSize
}

// CMCIEnabled reports whether CMCI_EN is set in bank of cpu.
func (m *Machine) CMCIEnabled(cpu, bankIdx int) bool {
	v, err := m.Read(cpu, msr.Ctl2(bankIdx))

	return err == nil && v&msr.CMCIEn != 0
}
