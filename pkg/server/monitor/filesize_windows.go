//go:build windows

package monitor

import (
	"os"
	"syscall"
	"unsafe"
)

var procGetCompressedFileSize = syscall.NewLazyDLL("kernel32.dll").NewProc("GetCompressedFileSizeW")

const invalidFileSize = 0xFFFFFFFF

// getActualFileSize asks GetCompressedFileSizeW for the on-disk size of
// path, which accounts for sparse and NTFS-compressed files.
func getActualFileSize(path string, info os.FileInfo) (int64, error) {
	p, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return info.Size(), nil
	}

	var high uint32
	low, _, _ := procGetCompressedFileSize.Call(uintptr(unsafe.Pointer(p)), uintptr(unsafe.Pointer(&high)))
	if low == invalidFileSize {
		return info.Size(), nil
	}
	return int64(high)<<32 + int64(low), nil
}
