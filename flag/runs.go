package flag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/mcheck/config"
	"github.com/bobuhiro11/mcheck/cpuid"
	"github.com/bobuhiro11/mcheck/host"
	"github.com/bobuhiro11/mcheck/machine"
	"github.com/bobuhiro11/mcheck/mce"
	"github.com/bobuhiro11/mcheck/msr"
	"github.com/bobuhiro11/mcheck/probe"
	"github.com/bobuhiro11/mcheck/telemetry"
	"github.com/bobuhiro11/mcheck/term"
	"github.com/bobuhiro11/mcheck/vmce"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ErrScenario is returned for an unknown simulate scenario.
	ErrScenario = errors.New("unknown scenario")

	// ErrSource is returned for an unknown scan source.
	ErrSource = errors.New("unknown scan source")
)

var sources = map[string]mce.Source{
	"poll":  mce.SourcePoll,
	"cmci":  mce.SourceCMCI,
	"reset": mce.SourceReset,
	"mce":   mce.SourceMCEScan,
}

// Injected error signatures used by simulate.
const (
	statusCorrected = uint64(mce.Val | mce.EN | 0x0005)
	statusSRAO      = uint64(mce.Val | mce.UC | mce.EN | mce.S | mce.AddrV | mce.MiscV | mce.CodeMemScrubFirst)
	statusSRAR      = uint64(mce.Val | mce.UC | mce.EN | mce.S | mce.AR | mce.AddrV | mce.MiscV | mce.CodeDataLoad)
	statusFatal     = uint64(mce.Val | mce.UC | mce.EN | mce.PCC | mce.CodeInstrFetch)
	physMisc        = uint64(mce.AddrModePhysical << 6)

	simMFN   = 0x1234
	simGFN   = 0x42
	simDomID = 1
	simIP    = 0x40_1000
)

func Parse() error {
	c := CLI{}

	programName := "mcheck"
	programDesc := "mcheck classifies machine-check errors and drives their recovery"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run(&c)

	return err
}

// Settings loads the configuration file, or the defaults without one, and
// applies the command-line overrides.
func (c *CLI) Settings() (*config.Settings, error) {
	s := config.Default()

	if c.Config != "" {
		var err error
		if s, err = config.Load(c.Config); err != nil {
			return nil, err
		}
	}

	if c.Verbosity != "" {
		s.Verbosity = c.Verbosity
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Logger installs a tint handler on stderr at the configured verbosity.
func Logger(s *config.Settings) (*slog.Logger, error) {
	level, err := config.ParseLevel(s.Verbosity)
	if err != nil {
		return nil, err
	}

	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		NoColor:    !term.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(log)

	return log, nil
}

func (p *ProbeCMD) Run(cli *CLI) error {
	s, err := cli.Settings()
	if err != nil {
		return err
	}

	dev := msr.NewDevFile()
	defer dev.Close()

	return probe.Capabilities(os.Stdout, dev, cpuid.DevFile{}, p.CPU, p.ForceBroadcast || s.ForceBroadcast)
}

func (c *ClassifyCMD) Run() error {
	return c.Explain(os.Stdout)
}

// Explain prints how the status is classified, routed and cleared.
func (c *ClassifyCMD) Explain(w io.Writer) error {
	v, err := ParseStatus(c.Status)
	if err != nil {
		return err
	}

	src, ok := sources[c.Source]
	if !ok {
		return fmt.Errorf("source %q: %w", c.Source, ErrSource)
	}

	s := mce.Status(v)
	d := &mce.Dispatcher{SER: c.SER}
	obs := mce.Observation{Status: s, Owner: -1}
	_, urgent := d.Dispatch(mce.Urgent, &obs, nil)

	fmt.Fprintf(w, "status      %#016x\n", v)
	fmt.Fprintf(w, "code        %#04x\n", s.Code())
	fmt.Fprintf(w, "severity    %s\n", mce.Classify(s, c.SER))
	fmt.Fprintf(w, "recoverable %t\n", mce.Recoverable(s, c.SER))
	fmt.Fprintf(w, "urgent      %s\n", urgent)
	fmt.Fprintf(w, "handler     %s\n", mce.Deferred.Select(s, c.SER))
	fmt.Fprintf(w, "need-clear  %t (%s)\n", mce.NeedClear(src, s, c.SER), src)

	return nil
}

func (s *SimulateCMD) Run(cli *CLI) error {
	settings, err := cli.Settings()
	if err != nil {
		return err
	}

	log, err := Logger(settings)
	if err != nil {
		return err
	}

	return s.Play(context.Background(), os.Stdout, settings, log)
}

// Play builds the simulated platform from settings, brings it up and runs
// the scenario. Reports and the result go to w.
func (s *SimulateCMD) Play(ctx context.Context, w io.Writer, settings *config.Settings, log *slog.Logger) error {
	sim := settings.Simulation
	sim.SER = sim.SER || s.SER
	sim.CMCI = sim.CMCI || s.CMCI

	if s.Memory != "" {
		size, err := ParseSize(s.Memory)
		if err != nil {
			return err
		}

		sim.Pages = size >> mce.PageShift
	}

	m, err := machine.New(machine.Config{
		CPUs:        sim.CPUs,
		Banks:       sim.Banks,
		PackageSize: sim.PackageSize,
		Shared:      sim.Shared,
		NoCMCI:      sim.NoCMCI,
		SER:         sim.SER,
		CMCI:        sim.CMCI,
		ExtCount:    sim.ExtCount,
		Family:      sim.Family,
		Model:       sim.Model,
		Pages:       sim.Pages,
	})
	if err != nil {
		return err
	}

	cpus := make([]int, sim.CPUs)
	for i := range cpus {
		cpus[i] = i
	}

	h, err := host.New(host.Config{
		Settings: settings,
		Dev:      m,
		CPUID:    m,
		CPUs:     cpus,
		Pages:    m,
		Virt:     m,
		Text:     m,
		Out:      w,
		Log:      log,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.Init(ctx); err != nil {
		return err
	}

	switch s.Scenario {
	case "corrected":
		return s.corrected(w, m, h)
	case "srao":
		if err := m.Inject(s.CPU, s.Bank, statusSRAO, simMFN<<mce.PageShift, physMisc); err != nil {
			return err
		}

		return s.raise(w, m, h, msr.StatusRIPV)
	case "srar-guest":
		return s.srarGuest(w, m, h)
	case "fatal":
		if err := m.Inject(s.CPU, s.Bank, statusFatal, 0, 0); err != nil {
			return err
		}

		return s.raise(w, m, h, 0)
	case "hotplug":
		return s.hotplug(ctx, w, h)
	}

	return fmt.Errorf("scenario %q: %w", s.Scenario, ErrScenario)
}

func (s *SimulateCMD) raise(w io.Writer, m *machine.Machine, h *host.Host, mcgStatus uint64) error {
	if err := m.Raise(s.CPU, mcgStatus, simIP); err != nil {
		return err
	}

	o, err := h.MachineCheck(s.CPU)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "outcome: %s\n", o)

	return nil
}

func (s *SimulateCMD) corrected(w io.Writer, m *machine.Machine, h *host.Host) error {
	if err := m.Inject(s.CPU, s.Bank, statusCorrected, 0, 0); err != nil {
		return err
	}

	if owner, ok := m.CMCITarget(s.CPU, s.Bank); ok {
		n, err := h.CMCI(owner)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "cmci on cpu%d: %d bank(s)\n", owner, n)

		return nil
	}

	fmt.Fprintf(w, "poll: %d bank(s)\n", h.Poller().Once())

	return nil
}

func (s *SimulateCMD) srarGuest(w io.Writer, m *machine.Machine, h *host.Host) error {
	g := machine.NewGuest(simDomID, vmce.New(0))
	m.Add(g)

	if err := m.MapGuest(simDomID, simGFN, simMFN); err != nil {
		return err
	}

	// ud2 at the faulting instruction.
	if _, err := m.WriteAt([]byte{0x0f, 0x0b}, int64(simIP)); err != nil {
		return err
	}

	if err := m.Inject(s.CPU, s.Bank, statusSRAR, simMFN<<mce.PageShift|0x80, physMisc); err != nil {
		return err
	}

	if err := s.raise(w, m, h, msr.StatusEIPV); err != nil {
		return err
	}

	fmt.Fprintf(w, "dom%d: vmce injected %d crashed %t gfn %#x broken %t\n",
		simDomID, g.Injected(), g.Crashed(), simGFN, g.Broken(simGFN))

	return nil
}

func (s *SimulateCMD) hotplug(ctx context.Context, w io.Writer, h *host.Host) error {
	coord := h.Manager().Coordinator()

	fmt.Fprintf(w, "owners: %v\n", coord.Owners())

	if err := h.Offline(ctx, s.CPU); err != nil {
		return err
	}

	fmt.Fprintf(w, "cpu%d offline, owners: %v\n", s.CPU, coord.Owners())

	if err := h.Online(ctx, s.CPU); err != nil {
		return err
	}

	fmt.Fprintf(w, "cpu%d online, owners: %v\n", s.CPU, coord.Owners())

	return nil
}

var profiles = map[string]func(*profile.Profile){
	"cpu":   profile.CPUProfile,
	"mem":   profile.MemProfile,
	"mutex": profile.MutexProfile,
	"block": profile.BlockProfile,
	"trace": profile.TraceProfile,
}

func (d *DaemonCMD) Run(cli *CLI) error {
	s, err := cli.Settings()
	if err != nil {
		return err
	}

	log, err := Logger(s)
	if err != nil {
		return err
	}

	if mode, ok := profiles[d.Profile]; ok {
		defer profile.Start(mode, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := d.Metrics
	if addr == "" {
		addr = s.Metrics.Addr
	}

	if addr != "" {
		srv := serveMetrics(addr, log)
		defer srv.Close()
	}

	dev := msr.NewDevFileAt(d.DevRoot)
	defer dev.Close()

	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}

	h, err := host.New(host.Config{
		Settings: s,
		Dev:      dev,
		CPUID:    cpuid.DevFile{Root: d.DevRoot},
		CPUs:     cpus,
		Pages:    host.SoftOffline{},
		Virt:     host.NoGuests{},
		Log:      log,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.Init(ctx); err != nil {
		return err
	}

	log.Info("machine-check handling up", "cpus", len(cpus), "dom0_vmce", s.Dom0VMCE)

	return h.Run(ctx)
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listener", "addr", addr, "err", err)
		}
	}()

	return srv
}

func openStore(cli *CLI) (*telemetry.Store, error) {
	s, err := cli.Settings()
	if err != nil {
		return nil, err
	}

	return telemetry.Open(s.Store.Path)
}

func (l *ReportsListCMD) Run(cli *CLI) error {
	st, err := openStore(cli)
	if err != nil {
		return err
	}
	defer st.Close()

	return l.Print(context.Background(), os.Stdout, st)
}

// Print writes one line per stored report.
func (l *ReportsListCMD) Print(ctx context.Context, w io.Writer, st *telemetry.Store) error {
	list, err := st.List(ctx, l.Limit)
	if err != nil {
		return err
	}

	for _, e := range list {
		inc := ""
		if e.Incomplete {
			inc = " incomplete"
		}

		fmt.Fprintf(w, "%s %s cpu%d %-5s banks=%d actions=%d%s\n",
			e.ID, e.Time.UTC().Format(time.RFC3339), e.CPU, e.Source, e.Banks, e.Actions, inc)
	}

	return nil
}

func (g *ReportsGetCMD) Run(cli *CLI) error {
	st, err := openStore(cli)
	if err != nil {
		return err
	}
	defer st.Close()

	return g.Print(context.Background(), os.Stdout, st)
}

// Print dumps the report.
func (g *ReportsGetCMD) Print(ctx context.Context, w io.Writer, st *telemetry.Store) error {
	id, err := uuid.Parse(g.ID)
	if err != nil {
		return fmt.Errorf("report id %q: %w", g.ID, err)
	}

	r, err := st.Get(ctx, id)
	if err != nil {
		return err
	}

	return telemetry.Dump(w, r, nil)
}
