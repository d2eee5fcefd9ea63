//go:build linux || darwin

package fsutil

import "syscall"

// OSDiskUsage reports free/total bytes via statfs. The maintenance pruner
// uses this to detect disk pressure on the SSD holding captures and the
// store file.
type OSDiskUsage struct{}

// Usage returns free and total bytes for the filesystem containing path.
func (OSDiskUsage) Usage(path string) (free, total uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	bsize := uint64(stat.Bsize)
	return stat.Bavail * bsize, stat.Blocks * bsize, nil
}
