package machine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/mcheck/mce"
	"github.com/bobuhiro11/mcheck/vmce"
)

var (
	// ErrNoDomain is returned for an unknown domain id.
	ErrNoDomain = errors.New("no such domain")

	// ErrNotMapped is returned when a frame is not in the guest's map.
	ErrNotMapped = errors.New("frame not mapped by guest")
)

// Domains is the set of running guests. It implements mce.Virt.
type Domains struct {
	mu     sync.Mutex
	guests map[uint16]*Guest
}

// NewDomains returns an empty set.
func NewDomains() *Domains {
	return &Domains{guests: map[uint16]*Guest{}}
}

// Add registers g.
func (d *Domains) Add(g *Guest) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.guests[g.id] = g
}

// Guest returns the guest with id.
func (d *Domains) Guest(id uint16) (*Guest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.guests[id]

	return g, ok
}

// Domain implements mce.Virt.
func (d *Domains) Domain(id uint16) (mce.Domain, error) {
	g, ok := d.Guest(id)
	if !ok {
		return nil, fmt.Errorf("domain %d: %w", id, ErrNoDomain)
	}

	return g, nil
}

// Guest is a simulated domain with a physical-to-machine map and a
// virtual machine-check register file.
type Guest struct {
	*vmce.State

	id      uint16
	mu      sync.Mutex
	p2m     map[uint64]uint64
	broken  map[uint64]bool
	crashed bool
}

// NewGuest returns a guest. A nil state means the guest has no virtual
// machine-check support and cannot be notified.
func NewGuest(id uint16, s *vmce.State) *Guest {
	return &Guest{
		State:  s,
		id:     id,
		p2m:    map[uint64]uint64{},
		broken: map[uint64]bool{},
	}
}

// Map places mfn at gfn.
func (g *Guest) Map(gfn, mfn uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.p2m[mfn] = gfn
}

// ID implements mce.Domain.
func (g *Guest) ID() uint16 { return g.id }

// VMCEReady implements mce.Domain.
func (g *Guest) VMCEReady(*mce.Observation) bool {
	return g.State != nil && g.State.Ready() && !g.Crashed()
}

// GFN implements mce.Domain.
func (g *Guest) GFN(mfn uint64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gfn, ok := g.p2m[mfn]
	if !ok {
		return 0, fmt.Errorf("dom%d mfn %#x: %w", g.id, mfn, ErrNotMapped)
	}

	return gfn, nil
}

// UnmapBrokenPage implements mce.Domain.
func (g *Guest) UnmapBrokenPage(mfn, gfn uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if got, ok := g.p2m[mfn]; !ok || got != gfn {
		return fmt.Errorf("dom%d gfn %#x: %w", g.id, gfn, ErrNotMapped)
	}

	delete(g.p2m, mfn)
	g.broken[gfn] = true

	return nil
}

// FillVMCE implements mce.Domain.
func (g *Guest) FillVMCE(obs *mce.Observation, mcgStatus uint64) error {
	return g.State.Fill(uint64(obs.Status), obs.Addr, uint64(obs.Misc), mcgStatus)
}

// InjectVMCE implements mce.Domain.
func (g *Guest) InjectVMCE() error {
	return g.State.Inject()
}

// Crash implements mce.Domain.
func (g *Guest) Crash() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.crashed = true
}

// Crashed reports whether the guest was crashed.
func (g *Guest) Crashed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.crashed
}

// Broken reports whether gfn was unmapped as broken.
func (g *Guest) Broken(gfn uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.broken[gfn]
}

// MapGuest gives mfn to guest dom at gfn.
func (m *Machine) MapGuest(dom uint16, gfn, mfn uint64) error {
	g, ok := m.Guest(dom)
	if !ok {
		return fmt.Errorf("domain %d: %w", dom, ErrNoDomain)
	}

	g.Map(gfn, mfn)
	m.Assign(mfn, dom)

	return nil
}
