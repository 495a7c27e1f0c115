// Package cmci decides which processor receives the corrected
// machine-check interrupt of each bank.
//
// Banks may be shared by the processors of a package. Exactly one of them
// enables CMCI on a shared bank and owns it; the others leave it alone.
// Ownership is claimed by Discover under a single lock and handed back by
// Release when a processor goes away, after which Distribute lets the
// remaining processors pick up the orphaned banks.
package cmci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/bobuhiro11/mcheck/mca"
	"github.com/bobuhiro11/mcheck/mce"
	"github.com/bobuhiro11/mcheck/metrics"
	"github.com/bobuhiro11/mcheck/msr"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotAllocated is returned for a processor without bank state.
	ErrNotAllocated = errors.New("cpu has no bank state")

	// ErrAllocated is returned when allocating twice.
	ErrAllocated = errors.New("cpu bank state already allocated")
)

// Banks is the per-processor bank state.
type Banks struct {
	// Owned are the banks this processor has CMCI enabled on.
	Owned *bitset.BitSet
	// NoCMCI are the banks that refused CMCI and must be polled.
	NoCMCI *bitset.BitSet
	// Clear are the banks whose clearing is deferred until the current
	// machine check has been handled.
	Clear *bitset.BitSet

	online atomic.Bool
}

// NewBanks returns empty state for n banks.
func NewBanks(n int) *Banks {
	return &Banks{
		Owned:  bitset.New(uint(n)),
		NoCMCI: bitset.New(uint(n)),
		Clear:  bitset.New(uint(n)),
	}
}

// Coordinator holds the bank state of every processor.
type Coordinator struct {
	Dev     msr.Device
	Scanner *mca.Scanner
	NBanks  int
	Log     *slog.Logger

	// discovery serializes ownership changes system-wide.
	discovery sync.Mutex

	mu   sync.RWMutex
	cpus map[int]*Banks
}

// New returns a coordinator for n banks.
func New(dev msr.Device, s *mca.Scanner, n int, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}

	return &Coordinator{
		Dev:     dev,
		Scanner: s,
		NBanks:  n,
		Log:     log,
		cpus:    map[int]*Banks{},
	}
}

// Alloc creates the bank state of cpu before it is brought up.
func (c *Coordinator) Alloc(cpu int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.cpus[cpu]; ok {
		return fmt.Errorf("cpu%d: %w", cpu, ErrAllocated)
	}

	c.cpus[cpu] = NewBanks(c.NBanks)

	return nil
}

// Free drops the bank state of cpu.
func (c *Coordinator) Free(cpu int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.cpus, cpu)
	metrics.OwnedBanks.DeleteLabelValues(strconv.Itoa(cpu))
}

// Banks returns the bank state of cpu.
func (c *Coordinator) Banks(cpu int) (*Banks, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.cpus[cpu]
	if !ok {
		return nil, fmt.Errorf("cpu%d: %w", cpu, ErrNotAllocated)
	}

	return b, nil
}

// Discover claims every bank of cpu nobody else has CMCI enabled on, then
// scans the banks it owns for errors that arrived while ownership was
// moving.
func (c *Coordinator) Discover(cpu int) error {
	b, err := c.Banks(cpu)
	if err != nil {
		return err
	}

	c.discovery.Lock()
	c.claim(cpu, b)
	owned := b.Owned.Clone()
	c.discovery.Unlock()

	metrics.Discovery.Inc()

	if c.Scanner == nil || owned.None() {
		return nil
	}

	if _, err := c.Scanner.Scan(cpu, mce.SourceCMCI, owned); err != nil {
		return fmt.Errorf("cpu%d discovery scan: %w", cpu, err)
	}

	return nil
}

// claim must be called with the discovery lock held.
func (c *Coordinator) claim(cpu int, b *Banks) {
	log := c.Log.With("cpu", cpu)
	b.online.Store(true)

	for i := 0; i < c.NBanks; i++ {
		bank := uint(i)
		if b.Owned.Test(bank) {
			continue
		}

		v, err := c.Dev.Read(cpu, msr.Ctl2(i))
		if err != nil {
			log.Warn("cannot read CMCI control", "bank", i, "err", err)
			b.NoCMCI.Set(bank)

			continue
		}

		if v&msr.CMCIEn != 0 {
			// A sibling owns it.
			b.Owned.Clear(bank)
			b.NoCMCI.Clear(bank)

			continue
		}

		v &^= msr.CMCIThresholdMask
		if err := c.Dev.Write(cpu, msr.Ctl2(i), v|msr.CMCIEn|msr.CMCIThreshold); err != nil {
			log.Warn("cannot write CMCI control", "bank", i, "err", err)
			b.NoCMCI.Set(bank)

			continue
		}

		if v, err = c.Dev.Read(cpu, msr.Ctl2(i)); err != nil || v&msr.CMCIEn == 0 {
			b.NoCMCI.Set(bank)

			continue
		}

		b.Owned.Set(bank)
		b.NoCMCI.Clear(bank)
	}

	metrics.OwnedBanks.WithLabelValues(strconv.Itoa(cpu)).Set(float64(b.Owned.Count()))
	log.Debug("CMCI ownership", "owned", b.Owned.String(), "no_cmci", b.NoCMCI.String())
}

// Release disables CMCI on every bank cpu owns and gives them up. It runs
// on a processor that is going away, before Distribute.
func (c *Coordinator) Release(cpu int) error {
	b, err := c.Banks(cpu)
	if err != nil {
		return err
	}

	c.discovery.Lock()
	defer c.discovery.Unlock()

	for i, ok := b.Owned.NextSet(0); ok; i, ok = b.Owned.NextSet(i + 1) {
		reg := msr.Ctl2(int(i))

		v, err := c.Dev.Read(cpu, reg)
		if err != nil {
			c.Log.Warn("cannot read CMCI control", "cpu", cpu, "bank", i, "err", err)
		} else if v&(msr.CMCIEn|msr.CMCIThresholdMask) != 0 {
			if err := c.Dev.Write(cpu, reg, v&^(msr.CMCIEn|msr.CMCIThresholdMask)); err != nil {
				c.Log.Warn("cannot disable CMCI", "cpu", cpu, "bank", i, "err", err)
			}
		}

		b.Owned.Clear(i)
	}

	b.online.Store(false)
	metrics.OwnedBanks.WithLabelValues(strconv.Itoa(cpu)).Set(0)

	return nil
}

// Distribute reruns discovery on every online processor so banks released
// by a departed one find a new owner.
func (c *Coordinator) Distribute(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, cpu := range c.Online() {
		cpu := cpu

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			return c.Discover(cpu)
		})
	}

	return g.Wait()
}

// Interrupt handles a CMCI on cpu: its owned banks are scanned and what
// is found is delivered.
func (c *Coordinator) Interrupt(cpu int) (int, error) {
	b, err := c.Banks(cpu)
	if err != nil {
		return 0, err
	}

	c.discovery.Lock()
	owned := b.Owned.Clone()
	c.discovery.Unlock()

	return c.Scanner.Scan(cpu, mce.SourceCMCI, owned)
}

// Online returns the processors that have run discovery and not released
// their banks since, in ascending order.
func (c *Coordinator) Online() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cpus := make([]int, 0, len(c.cpus))

	for cpu, b := range c.cpus {
		if b.online.Load() {
			cpus = append(cpus, cpu)
		}
	}

	slices.Sort(cpus)

	return cpus
}

// Owners returns the banks each online processor owns.
func (c *Coordinator) Owners() map[int][]uint {
	c.discovery.Lock()
	defer c.discovery.Unlock()

	out := map[int][]uint{}

	for _, cpu := range c.Online() {
		b, err := c.Banks(cpu)
		if err != nil {
			continue
		}

		var banks []uint
		for i, ok := b.Owned.NextSet(0); ok; i, ok = b.Owned.NextSet(i + 1) {
			banks = append(banks, i)
		}

		out[cpu] = banks
	}

	return out
}

// PollBanks returns the banks of cpu the poller has to cover.
func (c *Coordinator) PollBanks(cpu int) *bitset.BitSet {
	b, err := c.Banks(cpu)
	if err != nil {
		return nil
	}

	c.discovery.Lock()
	defer c.discovery.Unlock()

	return b.NoCMCI.Clone()
}
