//go:build linux

package shadow

import "golang.org/x/sys/unix"

// datasync flushes file data without forcing a metadata update.
func (sf *File) datasync() error {
	return unix.Fdatasync(int(sf.f.Fd()))
}
