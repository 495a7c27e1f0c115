package mce_test

import (
	"errors"

	"github.com/bobuhiro11/mcheck/mce"
)

var errFake = errors.New("fake failure")

type fakePages struct {
	status  mce.OfflineStatus
	err     error
	retired []uint64
}

func (p *fakePages) Retire(mfn uint64) (mce.OfflineStatus, error) {
	p.retired = append(p.retired, mfn)

	return p.status, p.err
}

type fakeDomain struct {
	id         uint16
	notReady   bool
	gfn        uint64
	failAt     mce.Step
	failing    bool
	crashed    bool
	injected   bool
	filledAddr uint64
}

func (d *fakeDomain) fail(s mce.Step) error {
	if d.failing && d.failAt == s {
		return errFake
	}

	return nil
}

func (d *fakeDomain) ID() uint16 { return d.id }

func (d *fakeDomain) VMCEReady(*mce.Observation) bool { return !d.notReady }

func (d *fakeDomain) GFN(uint64) (uint64, error) {
	return d.gfn, d.fail(mce.StepTranslate)
}

func (d *fakeDomain) UnmapBrokenPage(uint64, uint64) error { return d.fail(mce.StepUnmap) }

func (d *fakeDomain) FillVMCE(obs *mce.Observation, _ uint64) error {
	d.filledAddr = obs.Addr

	return d.fail(mce.StepFill)
}

func (d *fakeDomain) InjectVMCE() error {
	if err := d.fail(mce.StepInject); err != nil {
		return err
	}

	d.injected = true

	return nil
}

func (d *fakeDomain) Crash() { d.crashed = true }

type fakeVirt struct {
	domains map[uint16]*fakeDomain
	lookups int
}

func (v *fakeVirt) Domain(id uint16) (mce.Domain, error) {
	v.lookups++

	d, ok := v.domains[id]
	if !ok {
		return nil, errFake
	}

	return d, nil
}

type sliceSink struct {
	actions []mce.Action
	limit   int
}

func (s *sliceSink) AddAction(a mce.Action) error {
	if s.limit > 0 && len(s.actions) >= s.limit {
		return mce.ErrReportFull
	}

	s.actions = append(s.actions, a)

	return nil
}
