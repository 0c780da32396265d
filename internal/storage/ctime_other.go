//go:build !linux

package storage

import (
	"os"
	"time"
)

func createdAt(fi os.FileInfo) time.Time {
	return fi.ModTime()
}
