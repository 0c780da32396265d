//go:build linux

package storage

import (
	"os"
	"syscall"
	"time"
)

// createdAt uses the inode change time; Linux stat exposes no birth time.
func createdAt(fi os.FileInfo) time.Time {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec))
	}
	return fi.ModTime()
}
