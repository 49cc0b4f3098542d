package preflight

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"syscall"
)

// MinDiskSpaceBytes is the free space below which the check fails (100MB).
const MinDiskSpaceBytes = 100 * 1024 * 1024

// saveHeadroom is how many times the current index size must stay free.
// Saving rewrites each collection to a temp file before renaming it.
const saveHeadroom = 2

// CheckDiskSpace measures free space on the volume holding the data dir.
// Less than MinDiskSpaceBytes fails; less than twice the current index
// size warns, since the next save may not fit.
func (c *Checker) CheckDiskSpace(path string) CheckResult {
	result := CheckResult{
		Name:     "disk_space",
		Required: true,
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dataDirRoot(path), &stat); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot stat data dir volume: %v", err)
		return result
	}
	free := stat.Bavail * uint64(stat.Bsize)
	used := dirSize(path)

	result.Message = fmt.Sprintf("%s free, index uses %s", formatBytes(free), formatBytes(used))
	switch {
	case free < MinDiskSpaceBytes:
		result.Status = StatusFail
		result.Details = fmt.Sprintf("At least %s must be free", formatBytes(MinDiskSpaceBytes))
	case free < used*saveHeadroom:
		result.Status = StatusWarn
		result.Details = "Saving the index needs about twice its size free"
	default:
		result.Status = StatusPass
	}
	return result
}

// dirSize sums regular file sizes under dir. Unreadable entries count as 0.
func dirSize(dir string) uint64 {
	var total uint64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, infoErr := d.Info(); infoErr == nil {
				total += uint64(info.Size())
			}
		}
		return nil
	})
	return total
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit && exp < 3; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}
