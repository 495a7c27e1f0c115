package vmce_test

import (
	"testing"

	"github.com/bobuhiro11/mcheck/msr"
	"github.com/bobuhiro11/mcheck/vmce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vcpu uint64

func (v vcpu) MCGCap() uint64 { return uint64(v) }

func TestGuards(t *testing.T) {
	t.Parallel()

	v := vcpu(6 | msr.CapCtlP)

	for _, test := range []struct {
		name   string
		reg    uint32
		reject bool
	}{
		{name: "FirstCtl2", reg: msr.Ctl2(0), reject: true},
		{name: "LastCtl2", reg: msr.Ctl2(5), reject: true},
		{name: "PastBankCount", reg: msr.Ctl2(6), reject: false},
		{name: "BelowRange", reg: msr.MC0Ctl2 - 1, reject: false},
		{name: "BankStatus", reg: msr.Status(0), reject: false},
		{name: "MCGStatus", reg: msr.MCGStatus, reject: false},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, test.reject, vmce.GuardRead(v, test.reg))
			assert.Equal(t, test.reject, vmce.GuardWrite(v, test.reg, 0))
		})
	}
}

func TestGuardsNoBanks(t *testing.T) {
	t.Parallel()

	assert.False(t, vmce.GuardRead(vcpu(0), msr.MC0Ctl2))
	assert.False(t, vmce.GuardWrite(vcpu(0), msr.MC0Ctl2, msr.CMCIEn))
}

func TestStateRejectsCMCIControl(t *testing.T) {
	t.Parallel()

	s := vmce.New(0)

	_, err := s.ReadMSR(msr.Ctl2(1))
	require.ErrorIs(t, err, vmce.ErrRejected)
	require.ErrorIs(t, s.WriteMSR(msr.Ctl2(0), msr.CMCIEn), vmce.ErrRejected)

	v, err := s.ReadMSR(msr.MCGCap)
	require.NoError(t, err)
	assert.Equal(t, uint64(vmce.DefaultCap), v)
}

func TestStateFillInject(t *testing.T) {
	t.Parallel()

	s := vmce.New(0)
	require.True(t, s.Ready())
	require.ErrorIs(t, s.Inject(), vmce.ErrNotEnabled)

	require.NoError(t, s.Fill(0xbd00_0000_0000_0134, 0x5678, 0x86, msr.StatusRIPV))
	require.NoError(t, s.Inject())
	assert.Equal(t, 1, s.Injected())
	assert.False(t, s.Ready())
	require.ErrorIs(t, s.Fill(1, 2, 3, 0), vmce.ErrBusy)

	st, err := s.ReadMSR(msr.Status(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(0xbd00_0000_0000_0134), st)

	addr, err := s.ReadMSR(msr.Addr(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x5678), addr)

	g, err := s.ReadMSR(msr.MCGStatus)
	require.NoError(t, err)
	assert.Equal(t, uint64(msr.StatusRIPV|msr.StatusMCIP), g)

	// The guest handler acknowledges by clearing MCIP.
	require.NoError(t, s.WriteMSR(msr.MCGStatus, 0))
	assert.True(t, s.Ready())
}

func TestStateUnknownRegister(t *testing.T) {
	t.Parallel()

	s := vmce.New(0)

	_, err := s.ReadMSR(msr.Ctl(vmce.GuestBanks))
	require.ErrorIs(t, err, msr.ErrUnknownRegister)
}
