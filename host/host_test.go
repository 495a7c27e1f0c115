package host_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobuhiro11/mcheck/config"
	"github.com/bobuhiro11/mcheck/host"
	"github.com/bobuhiro11/mcheck/machine"
	"github.com/bobuhiro11/mcheck/mca"
	"github.com/bobuhiro11/mcheck/mce"
	"github.com/bobuhiro11/mcheck/msr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	corrected = uint64(mce.Val | mce.EN | 0x0005)
	fatal     = uint64(mce.Val | mce.UC | mce.EN | mce.PCC | 0x0150)
	srao      = uint64(mce.Val | mce.UC | mce.EN | mce.S | mce.AddrV | mce.MiscV | 0x00c0)
	physMisc  = uint64(mce.AddrModePhysical << 6)
)

type fixture struct {
	m   *machine.Machine
	h   *host.Host
	out *bytes.Buffer
	got chan *mca.Report
}

func newHost(t *testing.T, dom0 bool) *fixture {
	t.Helper()

	m, err := machine.New(machine.Config{
		CPUs: 4, Banks: 6, PackageSize: 2,
		Shared: []int{4, 5}, NoCMCI: []int{0},
		SER: true, CMCI: true, Pages: 1 << 20,
	})
	require.NoError(t, err)

	s := config.Default()
	s.Dom0VMCE = dom0
	s.Store.Path = filepath.Join(t.TempDir(), "reports.db")
	s.Poll.MinInterval = time.Millisecond
	s.Poll.MaxInterval = 4 * time.Millisecond

	f := &fixture{m: m, out: &bytes.Buffer{}, got: make(chan *mca.Report, 16)}

	f.h, err = host.New(host.Config{
		Settings: s,
		Dev:      m,
		CPUID:    m,
		CPUs:     []int{0, 1, 2, 3},
		Pages:    m,
		Virt:     m,
		Text:     m,
		Out:      f.out,
		Notify:   func(r *mca.Report) { f.got <- r },
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = f.h.Close() })

	require.NoError(t, f.h.Init(context.Background()))

	return f
}

func TestNewWithoutCPUs(t *testing.T) {
	t.Parallel()

	_, err := host.New(host.Config{})
	require.ErrorIs(t, err, host.ErrNoCPUs)
}

func TestInit(t *testing.T) {
	t.Parallel()

	f := newHost(t, false)
	assert.Equal(t, []int{0, 1, 2, 3}, f.h.OnlineCPUs())

	caps, err := f.h.Manager().Capabilities()
	require.NoError(t, err)
	assert.True(t, caps.CMCI)
	assert.Equal(t, 6, caps.Banks)

	owners := f.h.Manager().Coordinator().Owners()
	for cpu := 0; cpu < 4; cpu++ {
		assert.NotContains(t, owners[cpu], uint(0), "bank 0 has no CMCI")
	}

	// Each package has one owner for each shared bank.
	count := map[uint]int{}
	for _, banks := range owners {
		for _, b := range banks {
			count[b]++
		}
	}

	assert.Equal(t, 2, count[4])
	assert.Equal(t, 2, count[5])
	assert.Equal(t, 4, count[1])

	for i := 1; i < 6; i++ {
		ctl, err := f.m.Read(3, msr.Ctl(i))
		require.NoError(t, err)
		assert.Equal(t, ^uint64(0), ctl)
	}
}

func TestOfflineRedistributes(t *testing.T) {
	t.Parallel()

	f := newHost(t, false)
	ctx := context.Background()

	require.NoError(t, f.h.Offline(ctx, 0))
	require.ErrorIs(t, f.h.Offline(ctx, 0), host.ErrOffline)
	assert.Equal(t, []int{1, 2, 3}, f.h.OnlineCPUs())

	owners := f.h.Manager().Coordinator().Owners()
	assert.NotContains(t, owners, 0)
	assert.Contains(t, owners[1], uint(4), "sibling took the shared bank over")
	assert.Contains(t, owners[1], uint(5))

	require.NoError(t, f.h.Online(ctx, 0))
	require.ErrorIs(t, f.h.Online(ctx, 0), host.ErrOnline)
	assert.Equal(t, []int{0, 1, 2, 3}, f.h.OnlineCPUs())

	_, err := f.h.CMCI(0)
	require.NoError(t, err)
}

func TestMachineCheckRecovered(t *testing.T) {
	t.Parallel()

	f := newHost(t, false)

	const mfn = 0x1234

	require.NoError(t, f.m.Inject(0, 1, srao, mfn<<mce.PageShift, physMisc))
	require.NoError(t, f.m.Raise(0, msr.StatusRIPV, 0))

	o, err := f.h.MachineCheck(0)
	require.NoError(t, err)
	assert.Equal(t, mce.Recovered, o)

	st, ok := f.m.Offlined(mfn)
	require.True(t, ok)
	assert.Equal(t, mce.Offlined, st)
	assert.Contains(t, f.out.String(), "page-offline mfn=0x1234")
}

func TestMachineCheckBroadcastPersists(t *testing.T) {
	t.Parallel()

	f := newHost(t, true)

	require.NoError(t, f.m.Inject(2, 1, fatal, 0, 0))

	o, err := f.h.MachineCheck(0)
	require.NoError(t, err)
	assert.Equal(t, mce.Reset, o, "fatal error on another processor")

	list, err := f.h.Store().List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].CPU)
	assert.Equal(t, mce.SourceMCEScan, list[0].Source)
}

func TestMachineCheckOffline(t *testing.T) {
	t.Parallel()

	f := newHost(t, false)
	require.NoError(t, f.h.Offline(context.Background(), 3))

	o, err := f.h.MachineCheck(3)
	require.ErrorIs(t, err, host.ErrOffline)
	assert.Equal(t, mce.Reset, o)
}

func TestCMCICommits(t *testing.T) {
	t.Parallel()

	f := newHost(t, true)

	require.NoError(t, f.m.Inject(2, 1, corrected, 0, 0))

	n, err := f.h.CMCI(2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case r := <-f.got:
		assert.Equal(t, mce.SourceCMCI, r.Source)
		require.Len(t, r.Banks, 1)
		assert.Equal(t, 1, r.Banks[0].Bank)
	case <-time.After(5 * time.Second):
		t.Fatal("report not committed")
	}

	list, err := f.h.Store().List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPollCoversBanksWithoutCMCI(t *testing.T) {
	t.Parallel()

	f := newHost(t, false)

	require.NoError(t, f.m.Inject(3, 0, corrected, 0, 0))
	require.NoError(t, f.m.Inject(3, 1, corrected, 0, 0))

	assert.Equal(t, 1, f.h.Poller().Once(), "bank 1 is left to CMCI")
	assert.Contains(t, f.out.String(), "bank0 cpu3")
}

func TestRunStops(t *testing.T) {
	t.Parallel()

	f := newHost(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- f.h.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}
