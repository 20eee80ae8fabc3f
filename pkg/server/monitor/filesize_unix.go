//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// getActualFileSize returns allocated bytes (512-byte stat blocks), so
// sparse value-log files count for what they occupy.
func getActualFileSize(_ string, info os.FileInfo) (int64, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size(), nil
	}
	return stat.Blocks * 512, nil
}
