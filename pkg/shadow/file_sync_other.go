//go:build !linux

package shadow

// datasync falls back to a full sync where fdatasync is unavailable.
func (sf *File) datasync() error {
	return sf.f.Sync()
}
