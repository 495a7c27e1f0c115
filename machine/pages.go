package machine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/mcheck/mce"
)

// ErrNoPage is returned for a frame outside the simulated memory.
var ErrNoPage = errors.New("no such page frame")

// Pages tracks the owner of every physical frame and retires frames on
// request. It implements mce.PageRetirer.
type Pages struct {
	mu        sync.Mutex
	frames    uint64
	owner     map[uint64]uint16
	inUse     map[uint64]bool
	contended map[uint64]bool
	offline   map[uint64]mce.OfflineStatus
	err       error
}

// NewPages returns n free frames. Zero means unbounded.
func NewPages(n uint64) *Pages {
	return &Pages{
		frames:    n,
		owner:     map[uint64]uint16{},
		inUse:     map[uint64]bool{},
		contended: map[uint64]bool{},
		offline:   map[uint64]mce.OfflineStatus{},
	}
}

// Assign gives mfn to domain dom.
func (p *Pages) Assign(mfn uint64, dom uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.owner[mfn] = dom
}

// Use marks mfn in use by nobody in particular.
func (p *Pages) Use(mfn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inUse[mfn] = true
}

// Contend makes the next retirement of mfn report contention.
func (p *Pages) Contend(mfn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.contended[mfn] = true
}

// FailWith makes every retirement fail with err until reset with nil.
func (p *Pages) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.err = err
}

// Retire implements mce.PageRetirer. Free frames go offline at once,
// frames in use are marked and reported pending with their owner.
func (p *Pages) Retire(mfn uint64) (mce.OfflineStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return 0, p.err
	}

	if p.frames > 0 && mfn >= p.frames {
		return 0, fmt.Errorf("mfn %#x: %w", mfn, ErrNoPage)
	}

	if st, ok := p.offline[mfn]; ok {
		return st | mce.Broken, nil
	}

	if p.contended[mfn] {
		delete(p.contended, mfn)

		return mce.Again, nil
	}

	var st mce.OfflineStatus

	owner, owned := p.owner[mfn]

	switch {
	case owned && owner == mce.DomIDXen:
		st = (mce.Pending | mce.XenPage).WithOwner(owner)
	case owned:
		st = mce.Pending.WithOwner(owner)
	case p.inUse[mfn]:
		st = mce.Pending | mce.Anonymous
	default:
		st = mce.Offlined
	}

	p.offline[mfn] = st

	return st, nil
}

// Offlined returns the recorded retirement state of mfn.
func (p *Pages) Offlined(mfn uint64) (mce.OfflineStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.offline[mfn]

	return st, ok
}
