package host

import (
	"errors"
	"fmt"
	"os"

	"github.com/bobuhiro11/mcheck/mce"
)

// ErrNoGuests is returned by NoGuests for every domain.
var ErrNoGuests = errors.New("no guest domains on this host")

// SoftOfflinePath is the Linux interface for retiring a page by physical
// address.
const SoftOfflinePath = "/sys/devices/system/memory/soft_offline_page"

// SoftOffline retires pages through the kernel's soft offline interface.
// The kernel migrates in-use pages itself, so a successful write means the
// frame is off the free lists.
type SoftOffline struct {
	Path string
}

// Retire implements mce.PageRetirer.
func (s SoftOffline) Retire(mfn uint64) (mce.OfflineStatus, error) {
	path := s.Path
	if path == "" {
		path = SoftOfflinePath
	}

	addr := mfn << mce.PageShift

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%#x\n", addr)), 0o200); err != nil {
		return 0, fmt.Errorf("offline %#x: %w", addr, err)
	}

	return mce.Offlined, nil
}

// NoGuests is the mce.Virt of a host without guest domains.
type NoGuests struct{}

// Domain implements mce.Virt.
func (NoGuests) Domain(id uint16) (mce.Domain, error) {
	return nil, fmt.Errorf("domain %d: %w", id, ErrNoGuests)
}
