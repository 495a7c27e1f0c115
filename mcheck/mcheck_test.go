package mcheck_test

import (
	"context"
	"sync"
	"testing"

	"github.com/bobuhiro11/mcheck/cpuid"
	"github.com/bobuhiro11/mcheck/machine"
	"github.com/bobuhiro11/mcheck/mca"
	"github.com/bobuhiro11/mcheck/mce"
	"github.com/bobuhiro11/mcheck/mcheck"
	"github.com/bobuhiro11/mcheck/metrics"
	"github.com/bobuhiro11/mcheck/msr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	corrected = uint64(mce.Val | mce.EN | 0x0005)
	fatal     = uint64(mce.Val | mce.UC | mce.EN | mce.PCC | 0x0150)
)

type sink struct {
	mu        sync.Mutex
	delivered []*mca.Report
	persisted []*mca.Report
}

func (s *sink) Deliver(r *mca.Report) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.delivered = append(s.delivered, r)

	return true
}

func (s *sink) Persist(r *mca.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.persisted = append(s.persisted, r)

	return nil
}

func platform(t *testing.T, cfg machine.Config) (*machine.Machine, *mcheck.Manager, *sink) {
	t.Helper()

	m, err := machine.New(cfg)
	require.NoError(t, err)

	s := &sink{}
	mgr := &mcheck.Manager{
		Dev:      m,
		CPUID:    m,
		Scanner:  &mca.Scanner{Dev: m, Consumer: s},
		Recovery: &mce.Recovery{Pages: m, Virt: m},
	}

	return m, mgr, s
}

func skylake() machine.Config {
	return machine.Config{
		CPUs: 4, Banks: 6, PackageSize: 2, Shared: []int{5},
		SER: true, CMCI: true, ExtCount: 10,
		Family: 6, Model: 0x55,
	}
}

func bringUp(t *testing.T, mgr *mcheck.Manager, cpus int) {
	t.Helper()

	require.NoError(t, mgr.InitCPU(0, true))

	for cpu := 1; cpu < cpus; cpu++ {
		require.NoError(t, mgr.Notify(context.Background(), mcheck.UpPrepare, cpu))
		require.NoError(t, mgr.InitCPU(cpu, false))
	}
}

func TestDerive(t *testing.T) {
	t.Parallel()

	intel := func(family, model uint32) cpuid.Info {
		return cpuid.Info{
			Vendor: cpuid.VendorIntel, Family: family, Model: model,
			F1Edx: 1<<cpuid.MCE | 1<<cpuid.MCA | 1<<cpuid.APIC,
		}
	}

	for _, test := range []struct {
		name  string
		cap   uint64
		info  cpuid.Info
		force bool
		want  mcheck.Capabilities
	}{
		{
			name: "Skylake",
			cap:  0x16 | msr.CapCtlP | msr.CapCMCIP | msr.CapSERP | msr.CapExtP | 10<<msr.CapExtCntShft,
			info: intel(6, 0x55),
			want: mcheck.Capabilities{Broadcast: true, SER: true, CMCI: true, ExtMSRs: 10, Banks: 0x16},
		},
		{
			name: "Core2",
			cap:  6 | msr.CapCtlP,
			info: intel(6, 0x17),
			want: mcheck.Capabilities{Broadcast: true, FirstBank: 1, Banks: 6},
		},
		{
			name: "Pentium4",
			cap:  4 | msr.CapExtP | 0x18<<msr.CapExtCntShft,
			info: intel(0xf, 2),
			want: mcheck.Capabilities{ExtMSRs: 0x18, Banks: 4},
		},
		{
			name:  "ForcedBroadcast",
			cap:   4,
			info:  intel(0xf, 2),
			force: true,
			want:  mcheck.Capabilities{Broadcast: true, Banks: 4},
		},
		{
			name: "CMCIWithoutAPIC",
			cap:  9 | msr.CapCMCIP,
			info: cpuid.Info{Vendor: cpuid.VendorIntel, Family: 6, Model: 0x1a},
			want: mcheck.Capabilities{Broadcast: true, Banks: 9},
		},
		{
			name: "ExtCountWithoutExtP",
			cap:  9 | 10<<msr.CapExtCntShft,
			info: intel(6, 0x2c),
			want: mcheck.Capabilities{Broadcast: true, Banks: 9},
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, test.want, mcheck.Derive(test.cap, test.info, test.force))
		})
	}
}

func TestFirstBankAndBroadcast(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		info      cpuid.Info
		firstBank int
		broadcast bool
	}{
		{info: cpuid.Info{Vendor: cpuid.VendorIntel, Family: 6, Model: 0xd}, firstBank: 1, broadcast: false},
		{info: cpuid.Info{Vendor: cpuid.VendorIntel, Family: 6, Model: 0xe}, firstBank: 1, broadcast: true},
		{info: cpuid.Info{Vendor: cpuid.VendorIntel, Family: 6, Model: 0x19}, firstBank: 1, broadcast: true},
		{info: cpuid.Info{Vendor: cpuid.VendorIntel, Family: 6, Model: 0x1a}, firstBank: 0, broadcast: true},
		{info: cpuid.Info{Vendor: cpuid.VendorIntel, Family: 0xf, Model: 0x6}, firstBank: 0, broadcast: false},
		{info: cpuid.Info{Vendor: cpuid.VendorAMD, Family: 6, Model: 0x8}, firstBank: 0, broadcast: false},
	} {
		assert.Equal(t, test.firstBank, mcheck.FirstBank(test.info), "%+v", test.info)
		assert.Equal(t, test.broadcast, mcheck.Broadcast(test.info, false), "%+v", test.info)
		assert.True(t, mcheck.Broadcast(test.info, true))
	}
}

func TestInitCPU(t *testing.T) {
	t.Parallel()

	m, mgr, s := platform(t, skylake())

	_, err := mgr.Capabilities()
	require.ErrorIs(t, err, mcheck.ErrNotInitialized)

	// Left over from before the reset.
	require.NoError(t, m.Inject(0, 2, fatal, 0, 0))

	bringUp(t, mgr, 4)

	caps, err := mgr.Capabilities()
	require.NoError(t, err)
	assert.Equal(t, mcheck.Capabilities{Broadcast: true, SER: true, CMCI: true, ExtMSRs: 10, Banks: 6}, caps)

	require.Len(t, s.persisted, 1)
	assert.Equal(t, mce.SourceReset, s.persisted[0].Source)

	for cpu := 0; cpu < 4; cpu++ {
		for bank := 0; bank < 6; bank++ {
			ctl, err := m.Read(cpu, msr.Ctl(bank))
			require.NoError(t, err)
			assert.Equal(t, ^uint64(0), ctl, "cpu%d bank%d", cpu, bank)

			st, err := m.Read(cpu, msr.Status(bank))
			require.NoError(t, err)
			assert.Zero(t, st)
		}
	}

	owners := mgr.Coordinator().Owners()
	assert.Equal(t, []uint{0, 1, 2, 3, 4, 5}, owners[0])
	assert.Equal(t, []uint{0, 1, 2, 3, 4}, owners[1])
	assert.Equal(t, []uint{0, 1, 2, 3, 4, 5}, owners[2])

	require.ErrorIs(t, mgr.Scanner.Register(mca.Hooks{}), mca.ErrAlreadyRegistered)
}

func TestInitCPUFirstBank(t *testing.T) {
	t.Parallel()

	m, mgr, _ := platform(t, machine.Config{CPUs: 1, Banks: 6, Family: 6, Model: 0x17})

	require.NoError(t, m.Inject(0, 0, corrected, 0, 0))
	require.NoError(t, mgr.InitCPU(0, true))

	ctl, err := m.Read(0, msr.Ctl(0))
	require.NoError(t, err)
	assert.Zero(t, ctl, "bank 0 belongs to the firmware")

	ctl, err = m.Read(0, msr.Ctl(1))
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), ctl)

	st, err := m.Read(0, msr.Status(0))
	require.NoError(t, err)
	assert.Zero(t, st)

	assert.Equal(t, uint(6), mgr.PollBanks(0).Count(), "no CMCI, poll everything")
}

func TestInitCPUSharedBankSetUpOnce(t *testing.T) {
	t.Parallel()

	m, mgr, _ := platform(t, skylake())
	require.NoError(t, mgr.InitCPU(0, true))

	// A sibling finds the shared bank already set up and leaves its
	// control register alone.
	require.NoError(t, m.Write(1, msr.Ctl(5), 0x1))
	require.NoError(t, mgr.Notify(context.Background(), mcheck.UpPrepare, 1))
	require.NoError(t, mgr.InitCPU(1, false))

	ctl, err := m.Read(0, msr.Ctl(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ctl)
}

func TestCapabilityMismatch(t *testing.T) {
	t.Parallel()

	m, mgr, _ := platform(t, skylake())
	require.NoError(t, mgr.InitCPU(0, true))

	before := testutil.ToFloat64(metrics.CapabilityMismatch)

	require.NoError(t, m.SetCap(1, 6|msr.CapCtlP|msr.CapCMCIP))
	require.NoError(t, mgr.Notify(context.Background(), mcheck.UpPrepare, 1))
	require.NoError(t, mgr.InitCPU(1, false))

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.CapabilityMismatch)-before, 1.0)

	caps, err := mgr.Capabilities()
	require.NoError(t, err)
	assert.True(t, caps.SER, "frozen values stay")
	assert.Equal(t, 10, caps.ExtMSRs)
}

func TestHotplug(t *testing.T) {
	t.Parallel()

	m, mgr, _ := platform(t, skylake())
	bringUp(t, mgr, 4)

	ctx := context.Background()
	require.NoError(t, mgr.Notify(ctx, mcheck.Dying, 0))
	require.NoError(t, mgr.Notify(ctx, mcheck.Dead, 0))

	owners := mgr.Coordinator().Owners()
	assert.NotContains(t, owners, 0)
	assert.Contains(t, owners[1], uint(5))

	target, ok := m.CMCITarget(0, 5)
	require.True(t, ok)
	assert.Equal(t, 1, target)

	_, err := mgr.MachineCheck(0)
	require.Error(t, err)

	// A failed bring-up frees the state again.
	require.NoError(t, mgr.Notify(ctx, mcheck.UpPrepare, 0))
	require.NoError(t, mgr.Notify(ctx, mcheck.UpCanceled, 0))
	assert.Error(t, mgr.Notify(ctx, mcheck.Dying, 0))
}

func TestMachineCheckExtended(t *testing.T) {
	t.Parallel()

	m, mgr, s := platform(t, skylake())
	bringUp(t, mgr, 2)

	require.NoError(t, m.Inject(1, 3, corrected, 0, 0))
	require.NoError(t, m.Raise(1, msr.StatusRIPV|msr.StatusEIPV, 0xffff_8000_dead_0000))

	o, err := mgr.MachineCheck(1)
	require.NoError(t, err)
	assert.Equal(t, mce.Continue, o)

	require.Len(t, s.delivered, 1)
	r := s.delivered[0]
	require.Len(t, r.Extended, 10)
	assert.Equal(t, msr.MCGEAX, r.Extended[0].Reg)
	assert.Equal(t, msr.MCGEIP, r.Extended[9].Reg)
	assert.Equal(t, uint64(0xffff_8000_dead_0000), r.Extended[9].Value)
}

func TestCMCIAndPoll(t *testing.T) {
	t.Parallel()

	m, mgr, s := platform(t, machine.Config{
		CPUs: 2, Banks: 4, PackageSize: 2, Shared: []int{3}, NoCMCI: []int{0},
		SER: true, CMCI: true,
	})
	bringUp(t, mgr, 2)

	require.NoError(t, m.Inject(1, 3, corrected, 0, 0))

	n, err := mgr.CMCI(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, s.delivered, 1)

	poll := mgr.PollBanks(1)
	assert.True(t, poll.Test(0))
	assert.Equal(t, uint(1), poll.Count())
}

type amd struct{ *machine.Machine }

func (a amd) Leaf(cpu int, leaf uint32) (cpuid.Leaf, error) {
	l, err := a.Machine.Leaf(cpu, leaf)
	if leaf == 0 {
		l.EBX, l.EDX, l.ECX = 0x68747541, 0x69746e65, 0x444d4163
	}

	return l, err
}

type noMCA struct{ *machine.Machine }

func (n noMCA) Leaf(cpu int, leaf uint32) (cpuid.Leaf, error) {
	l, err := n.Machine.Leaf(cpu, leaf)
	if leaf == 1 {
		l.EDX &^= 1 << cpuid.MCA
	}

	return l, err
}

func TestInitCPURejects(t *testing.T) {
	t.Parallel()

	m, mgr, _ := platform(t, skylake())

	mgr.CPUID = amd{m}
	require.ErrorIs(t, mgr.InitCPU(0, true), mcheck.ErrNotIntel)

	mgr.CPUID = noMCA{m}
	require.ErrorIs(t, mgr.InitCPU(0, true), mcheck.ErrNoMCA)

	require.ErrorIs(t, mgr.Notify(context.Background(), mcheck.UpPrepare, 1), mcheck.ErrNotInitialized)

	_, err := mgr.CMCI(0)
	require.ErrorIs(t, err, mcheck.ErrNotInitialized)
	assert.Nil(t, mgr.PollBanks(0))
}
