package metadata

import (
	"github.com/shirou/gopsutil/v4/disk"
)

// SpaceChecker guards storage-mutating calls against disk exhaustion.
type SpaceChecker interface {
	HasEnoughSpace() bool
}

// DiskSpaceChecker reports false once free space on the volume holding
// path drops below MinFreeBytes.
type DiskSpaceChecker struct {
	Path         string
	MinFreeBytes uint64
}

func (c *DiskSpaceChecker) HasEnoughSpace() bool {
	usage, err := disk.Usage(c.Path)
	if err != nil {
		// If the volume cannot be inspected the mutation will surface the
		// real I/O failure; don't block it here.
		return true
	}
	return usage.Free >= c.MinFreeBytes
}

// UnlimitedSpace never blocks mutations. Used in tests and on callers
// that do their own space management.
type UnlimitedSpace struct{}

func (UnlimitedSpace) HasEnoughSpace() bool { return true }
