// Package host wires machine-check handling for a set of processors: it
// brings them up, routes exceptions and interrupts to them, polls the
// banks without CMCI and forwards reports to the management consumer.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/bobuhiro11/mcheck/config"
	"github.com/bobuhiro11/mcheck/cpuid"
	"github.com/bobuhiro11/mcheck/mca"
	"github.com/bobuhiro11/mcheck/mce"
	"github.com/bobuhiro11/mcheck/mcheck"
	"github.com/bobuhiro11/mcheck/msr"
	"github.com/bobuhiro11/mcheck/telemetry"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoCPUs is returned when there is nothing to bring up.
	ErrNoCPUs = errors.New("no processors")

	// ErrOffline is returned for a processor that is not online.
	ErrOffline = errors.New("processor is offline")

	// ErrOnline is returned when bringing up a processor twice.
	ErrOnline = errors.New("processor is already online")
)

// Config holds what the host is built from.
type Config struct {
	Settings *config.Settings
	Dev      msr.Device
	CPUID    cpuid.Reader
	// CPUs are brought up by Init; the first one is the boot processor.
	CPUs  []int
	Pages mce.PageRetirer
	Virt  mce.Virt
	// Text backs instruction decoding in printed reports, optional.
	Text io.ReaderAt
	// Out receives printed reports. Defaults to stderr.
	Out io.Writer
	// Notify is called after a report was committed, optional.
	Notify func(*mca.Report)
	Log    *slog.Logger
}

// Host is the machine-check handling of one system.
type Host struct {
	Config

	mgr     *mcheck.Manager
	scanner *mca.Scanner
	store   *telemetry.Store
	fwd     *telemetry.Forwarder

	mu     sync.Mutex
	online map[int]bool
}

// New builds a host. With dom0_vmce set, reports are committed to the
// report store; otherwise they are printed and dismissed.
func New(c Config) (*Host, error) {
	if len(c.CPUs) == 0 {
		return nil, ErrNoCPUs
	}

	if c.Settings == nil {
		c.Settings = config.Default()
	}

	if c.Log == nil {
		c.Log = slog.Default()
	}

	if c.Out == nil {
		c.Out = os.Stderr
	}

	s := &mca.Scanner{
		Dev:      c.Dev,
		Capacity: c.Settings.ReportCapacity,
		Local:    telemetry.Local(c.Out, c.Text),
		Log:      c.Log,
	}

	h := &Host{
		Config:  c,
		scanner: s,
		online:  make(map[int]bool),
	}

	if c.Settings.Dom0VMCE {
		st, err := telemetry.Open(c.Settings.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("report store: %w", err)
		}

		h.store = st
		h.fwd = telemetry.NewForwarder(st, c.Settings.QueueDepth, c.Notify, c.Log)
		s.Consumer = h.fwd
	}

	h.mgr = &mcheck.Manager{
		Dev:     c.Dev,
		CPUID:   c.CPUID,
		Scanner: s,
		Recovery: &mce.Recovery{
			Pages: c.Pages,
			Virt:  c.Virt,
			Log:   c.Log,
		},
		ForceBroadcast: c.Settings.ForceBroadcast,
		Log:            c.Log,
	}

	return h, nil
}

// Manager returns the machine-check manager.
func (h *Host) Manager() *mcheck.Manager { return h.mgr }

// Store returns the report store, nil without a management consumer.
func (h *Host) Store() *telemetry.Store { return h.store }

// Init brings up the boot processor, then the others in parallel.
func (h *Host) Init(ctx context.Context) error {
	bsp := h.CPUs[0]

	if err := h.mgr.InitCPU(bsp, true); err != nil {
		return fmt.Errorf("boot processor: %w", err)
	}

	h.setOnline(bsp, true)

	g, ctx := errgroup.WithContext(ctx)

	for _, cpu := range h.CPUs[1:] {
		cpu := cpu
		g.Go(func() error {
			return h.Online(ctx, cpu)
		})
	}

	return g.Wait()
}

// Online brings up cpu. A failed bring-up is cancelled.
func (h *Host) Online(ctx context.Context, cpu int) error {
	if h.IsOnline(cpu) {
		return fmt.Errorf("cpu%d: %w", cpu, ErrOnline)
	}

	if err := h.mgr.Notify(ctx, mcheck.UpPrepare, cpu); err != nil {
		return fmt.Errorf("cpu%d: %w", cpu, err)
	}

	if err := h.mgr.InitCPU(cpu, false); err != nil {
		if cerr := h.mgr.Notify(ctx, mcheck.UpCanceled, cpu); cerr != nil {
			h.Log.Warn("cancelling bring-up failed", "cpu", cpu, "err", cerr)
		}

		return err
	}

	h.setOnline(cpu, true)

	return nil
}

// Offline takes cpu down. Its CMCI banks go to the remaining processors.
func (h *Host) Offline(ctx context.Context, cpu int) error {
	if !h.IsOnline(cpu) {
		return fmt.Errorf("cpu%d: %w", cpu, ErrOffline)
	}

	if err := h.mgr.Notify(ctx, mcheck.Dying, cpu); err != nil {
		return fmt.Errorf("cpu%d dying: %w", cpu, err)
	}

	h.setOnline(cpu, false)

	if err := h.mgr.Notify(ctx, mcheck.Dead, cpu); err != nil {
		return fmt.Errorf("cpu%d dead: %w", cpu, err)
	}

	return nil
}

func (h *Host) setOnline(cpu int, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if on {
		h.online[cpu] = true
	} else {
		delete(h.online, cpu)
	}
}

// IsOnline reports whether cpu has been brought up.
func (h *Host) IsOnline(cpu int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.online[cpu]
}

// OnlineCPUs returns the online processors in ascending order.
func (h *Host) OnlineCPUs() []int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cpus := make([]int, 0, len(h.online))
	for cpu := range h.online {
		cpus = append(cpus, cpu)
	}

	slices.Sort(cpus)

	return cpus
}

// MachineCheck handles a machine-check exception raised on cpu. When the
// platform broadcasts machine checks every online processor scans its
// banks too, and a Reset on any of them resets the system.
func (h *Host) MachineCheck(cpu int) (mce.Outcome, error) {
	if !h.IsOnline(cpu) {
		return mce.Reset, fmt.Errorf("cpu%d: %w", cpu, ErrOffline)
	}

	caps, err := h.mgr.Capabilities()
	if err != nil {
		return mce.Reset, err
	}

	out, err := h.mgr.MachineCheck(cpu)
	if err != nil || !caps.Broadcast {
		return out, err
	}

	for _, c := range h.OnlineCPUs() {
		if c == cpu {
			continue
		}

		o, err := h.mgr.MachineCheck(c)
		if err != nil {
			return mce.Reset, fmt.Errorf("cpu%d: %w", c, err)
		}

		if o == mce.Reset {
			out = mce.Reset
		}
	}

	return out, nil
}

// CMCI handles a corrected machine-check interrupt on cpu.
func (h *Host) CMCI(cpu int) (int, error) {
	if !h.IsOnline(cpu) {
		return 0, fmt.Errorf("cpu%d: %w", cpu, ErrOffline)
	}

	return h.mgr.CMCI(cpu)
}

// Poller returns the poller over the online processors.
func (h *Host) Poller() *mca.Poller {
	return &mca.Poller{
		Scanner: h.scanner,
		CPUs:    h.OnlineCPUs,
		Banks:   h.mgr.PollBanks,
		Min:     h.Settings.Poll.MinInterval,
		Max:     h.Settings.Poll.MaxInterval,
	}
}

// Run polls until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	err := h.Poller().Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Close drains queued reports and closes the store.
func (h *Host) Close() error {
	if h.fwd != nil {
		h.fwd.Close()
	}

	if h.store != nil {
		return h.store.Close()
	}

	return nil
}
