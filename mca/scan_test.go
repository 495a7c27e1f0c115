package mca_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/bobuhiro11/mcheck/machine"
	"github.com/bobuhiro11/mcheck/mca"
	"github.com/bobuhiro11/mcheck/mce"
	"github.com/bobuhiro11/mcheck/msr"
	"github.com/bobuhiro11/mcheck/vmce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	corrected = uint64(mce.Val | mce.EN | 0x0005)
	fatal     = uint64(mce.Val | mce.UC | mce.EN | mce.PCC | 0x0150)
	srao      = uint64(mce.Val | mce.UC | mce.EN | mce.S | mce.AddrV | mce.MiscV | 0x00c5)
	srar      = uint64(mce.Val | mce.UC | mce.EN | mce.S | mce.AR | mce.AddrV | mce.MiscV | mce.CodeDataLoad)
	physMisc  = uint64(mce.AddrModePhysical << 6)
)

type consumer struct {
	mu        sync.Mutex
	delivered []*mca.Report
	persisted []*mca.Report
	full      bool
	err       error
}

func (c *consumer) Deliver(r *mca.Report) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.full {
		return false
	}

	c.delivered = append(c.delivered, r)

	return true
}

func (c *consumer) Persist(r *mca.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.persisted = append(c.persisted, r)

	return c.err
}

func setup(t *testing.T) (*machine.Machine, *mca.Scanner, *consumer) {
	t.Helper()

	m, err := machine.New(machine.Config{CPUs: 2, Banks: 4, SER: true, CMCI: true, Pages: 1 << 20})
	require.NoError(t, err)

	c := &consumer{}
	s := &mca.Scanner{Dev: m, Banks: 4, Consumer: c}
	require.NoError(t, s.Register(mca.Hooks{
		Recoverable: func(st mce.Status) bool { return mce.Recoverable(st, true) },
		NeedClear:   func(src mce.Source, st mce.Status) bool { return mce.NeedClear(src, st, true) },
		Dispatcher:  &mce.Dispatcher{SER: true, Recovery: &mce.Recovery{Pages: m, Virt: m}},
	}))

	return m, s, c
}

func status(t *testing.T, m *machine.Machine, cpu, bank int) uint64 {
	t.Helper()

	v, err := m.Read(cpu, msr.Status(bank))
	require.NoError(t, err)

	return v
}

func TestRegisterOnce(t *testing.T) {
	t.Parallel()

	_, s, _ := setup(t)
	require.ErrorIs(t, s.Register(mca.Hooks{}), mca.ErrAlreadyRegistered)
}

func TestLogoutUnregistered(t *testing.T) {
	t.Parallel()

	s := &mca.Scanner{Banks: 1}
	_, _, err := s.Logout(0, mce.SourcePoll, s.AllBanks(), nil)
	require.ErrorIs(t, err, mca.ErrNotRegistered)
}

func TestLogoutSummary(t *testing.T) {
	t.Parallel()

	m, s, _ := setup(t)
	require.NoError(t, m.Inject(0, 1, corrected, 0, 0))
	require.NoError(t, m.Inject(0, 2, fatal, 0, 0))
	require.NoError(t, m.Inject(1, 3, corrected, 0, 0))

	r, sum, err := s.Logout(0, mce.SourceCMCI, s.AllBanks(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.ErrCnt)
	assert.True(t, sum.UC)
	assert.True(t, sum.PCC)
	assert.True(t, sum.Unrecoverable)
	require.Len(t, r.Banks, 2)
	assert.Equal(t, 1, r.Banks[0].Bank)
	assert.Equal(t, 2, r.Banks[1].Bank)

	// CMCI clears the corrected bank and leaves the fatal one.
	assert.Zero(t, status(t, m, 0, 1))
	assert.Equal(t, fatal, status(t, m, 0, 2))
	assert.Equal(t, corrected, status(t, m, 1, 3))
}

func TestLogoutLimitedToSet(t *testing.T) {
	t.Parallel()

	m, s, _ := setup(t)
	require.NoError(t, m.Inject(0, 0, corrected, 0, 0))
	require.NoError(t, m.Inject(0, 3, corrected, 0, 0))

	set := bitset.New(4).Set(3)

	r, sum, err := s.Logout(0, mce.SourcePoll, set, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ErrCnt)
	assert.Equal(t, 3, r.Banks[0].Bank)
	assert.Equal(t, corrected, status(t, m, 0, 0))
}

func TestLogoutIncomplete(t *testing.T) {
	t.Parallel()

	m, s, _ := setup(t)
	s.Capacity = 2

	for b := 0; b < 4; b++ {
		require.NoError(t, m.Inject(0, b, corrected, 0, 0))
	}

	r, sum, err := s.Logout(0, mce.SourcePoll, s.AllBanks(), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.ErrCnt)
	assert.Len(t, r.Banks, 2)
	assert.True(t, r.Incomplete)
	require.ErrorIs(t, r.AddAction(mce.Action{}), mce.ErrReportFull)
}

func TestLogoutExtended(t *testing.T) {
	t.Parallel()

	m, _, _ := setup(t)

	var captured []int

	s2 := &mca.Scanner{Dev: m, Banks: 4}
	require.NoError(t, s2.Register(mca.Hooks{
		Recoverable: func(st mce.Status) bool { return mce.Recoverable(st, true) },
		NeedClear:   func(src mce.Source, st mce.Status) bool { return mce.NeedClear(src, st, true) },
		Dispatcher:  &mce.Dispatcher{SER: true},
		Extended:    func(cpu int, _ *mca.Report) { captured = append(captured, cpu) },
	}))

	require.NoError(t, m.Inject(1, 0, corrected, 0, 0))
	_, _, err := s2.Logout(1, mce.SourcePoll, s2.AllBanks(), nil)
	require.NoError(t, err)
	assert.Empty(t, captured, "no EIPV, no extended state")

	require.NoError(t, m.Inject(1, 0, corrected, 0, 0))
	require.NoError(t, m.Raise(1, msr.StatusEIPV, 0x1000))
	_, _, err = s2.Logout(1, mce.SourcePoll, s2.AllBanks(), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, captured)
}

func TestMachineCheckFatal(t *testing.T) {
	t.Parallel()

	m, s, c := setup(t)
	require.NoError(t, m.Inject(0, 2, fatal, 0, 0))
	require.NoError(t, m.Raise(0, 0, 0))

	clear := bitset.New(4)

	o, err := s.MachineCheck(0, clear)
	require.NoError(t, err)
	assert.Equal(t, mce.Reset, o)
	require.Len(t, c.persisted, 1)
	assert.Empty(t, c.delivered)

	// The fatal bank stays for the post-reset scan.
	assert.Equal(t, fatal, status(t, m, 0, 2))

	n, err := s.PostReset(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, c.persisted, 2)
	assert.Zero(t, status(t, m, 0, 2))
}

func TestMachineCheckSRAO(t *testing.T) {
	t.Parallel()

	m, s, c := setup(t)
	require.NoError(t, m.Inject(0, 1, srao, 0x4000_1234, physMisc))
	require.NoError(t, m.Raise(0, msr.StatusRIPV, 0))

	clear := bitset.New(4)

	o, err := s.MachineCheck(0, clear)
	require.NoError(t, err)
	assert.Equal(t, mce.Recovered, o)

	require.Len(t, c.delivered, 1)
	r := c.delivered[0]
	require.Len(t, r.Actions, 1)
	assert.Equal(t, uint64(0x4000_1234>>mce.PageShift), r.Actions[0].MFN)
	assert.Equal(t, mce.Offlined, r.Actions[0].Status)

	assert.Zero(t, status(t, m, 0, 1), "deferred clear ran")
	assert.True(t, clear.None())
}

func TestMachineCheckSRARGuest(t *testing.T) {
	t.Parallel()

	m, s, c := setup(t)

	const (
		mfn = 0x4321
		gfn = 0x77
	)

	g := machine.NewGuest(9, vmce.New(0))
	m.Add(g)
	require.NoError(t, m.MapGuest(9, gfn, mfn))

	require.NoError(t, m.Inject(1, 0, srar, mfn<<mce.PageShift|0x88, physMisc))
	require.NoError(t, m.Raise(1, msr.StatusEIPV, 0))

	o, err := s.MachineCheck(1, bitset.New(4))
	require.NoError(t, err)
	assert.Equal(t, mce.Recovered, o)
	assert.False(t, g.Crashed())
	assert.Equal(t, 1, g.Injected())
	assert.True(t, g.Broken(gfn))

	addr, err := g.ReadMSR(msr.Addr(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(gfn<<mce.PageShift|0x88), addr)
	require.Len(t, c.delivered, 1)
}

func TestMachineCheckSpurious(t *testing.T) {
	t.Parallel()

	_, s, c := setup(t)

	o, err := s.MachineCheck(0, bitset.New(4))
	require.NoError(t, err)
	assert.Equal(t, mce.Continue, o)
	assert.Empty(t, c.delivered)
}

func TestDeliverWithoutConsumer(t *testing.T) {
	t.Parallel()

	m, s, _ := setup(t)
	s.Consumer = nil

	var local []*mca.Report
	s.Local = func(r *mca.Report) { local = append(local, r) }

	require.NoError(t, m.Inject(0, 0, corrected, 0, 0))

	n, err := s.Scan(0, mce.SourcePoll, s.AllBanks())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, local, 1)

	s.Deliver(mca.NewReport(mce.SourcePoll, 0, 0))
	assert.Len(t, local, 1, "empty reports are dismissed")
}

func TestPersistFailureStillResets(t *testing.T) {
	t.Parallel()

	m, s, c := setup(t)
	c.err = errors.New("disk gone")

	require.NoError(t, m.Inject(0, 0, fatal, 0, 0))

	o, err := s.MachineCheck(0, bitset.New(4))
	require.NoError(t, err)
	assert.Equal(t, mce.Reset, o)
}

// failing fails reads of one register and passes everything else through.
type failing struct {
	msr.Device
	reg uint32
}

func (f failing) Read(cpu int, reg uint32) (uint64, error) {
	if reg == f.reg {
		return 0, errors.New("read refused")
	}

	return f.Device.Read(cpu, reg)
}

func TestLogoutUnreadableAddr(t *testing.T) {
	t.Parallel()

	m, s, c := setup(t)
	s.Dev = failing{Device: m, reg: msr.Addr(1)}

	require.NoError(t, m.Inject(0, 1, srao, 0x4000_1234, physMisc))
	require.NoError(t, m.Raise(0, msr.StatusRIPV, 0))

	o, err := s.MachineCheck(0, bitset.New(4))
	require.NoError(t, err)
	assert.Equal(t, mce.Continue, o, "no address, nothing retired")

	require.Len(t, c.delivered, 1)
	r := c.delivered[0]
	require.Len(t, r.Banks, 1)
	assert.False(t, r.Banks[0].Status.Has(mce.AddrV))
	assert.Zero(t, r.Banks[0].Addr)
	assert.Empty(t, r.Actions)

	_, ok := m.Offlined(0)
	assert.False(t, ok)
}

func TestLogoutUnreadableMisc(t *testing.T) {
	t.Parallel()

	m, s, c := setup(t)
	s.Dev = failing{Device: m, reg: msr.Misc(1)}

	require.NoError(t, m.Inject(0, 1, srao, 0x4000_1234, physMisc))
	require.NoError(t, m.Raise(0, msr.StatusRIPV, 0))

	o, err := s.MachineCheck(0, bitset.New(4))
	require.NoError(t, err)
	assert.Equal(t, mce.Continue, o, "address mode unknown")

	require.Len(t, c.delivered, 1)
	assert.False(t, c.delivered[0].Banks[0].Status.Has(mce.MiscV))
	assert.Empty(t, c.delivered[0].Actions)
}

func TestMachineCheckDispatchesDroppedRecords(t *testing.T) {
	t.Parallel()

	m, s, c := setup(t)
	s.Capacity = 1

	// An action-required error without a recovery policy.
	unknown := uint64(mce.Val | mce.UC | mce.EN | mce.S | mce.AR | 0x0001)

	require.NoError(t, m.Inject(0, 0, corrected, 0, 0))
	require.NoError(t, m.Inject(0, 2, unknown, 0, 0))
	require.NoError(t, m.Raise(0, msr.StatusEIPV, 0))

	o, err := s.MachineCheck(0, bitset.New(4))
	require.NoError(t, err)
	assert.Equal(t, mce.Reset, o)

	require.Len(t, c.persisted, 1)
	r := c.persisted[0]
	assert.True(t, r.Incomplete)
	require.Len(t, r.Banks, 1)
	assert.Equal(t, 0, r.Banks[0].Bank)
}

func TestMachineCheckResetForgetsClear(t *testing.T) {
	t.Parallel()

	m, s, _ := setup(t)
	require.NoError(t, m.Inject(0, 1, srao, 0x4000_1234, physMisc))
	require.NoError(t, m.Inject(0, 2, fatal, 0, 0))
	require.NoError(t, m.Raise(0, msr.StatusRIPV, 0))

	clear := bitset.New(4)

	o, err := s.MachineCheck(0, clear)
	require.NoError(t, err)
	assert.Equal(t, mce.Reset, o)
	assert.True(t, clear.None())
	assert.Equal(t, srao, status(t, m, 0, 1), "left for the post-reset scan")
}
