//go:build !linux

package updatelog

import "os"

func syncFile(f *os.File) error {
	return f.Sync()
}
