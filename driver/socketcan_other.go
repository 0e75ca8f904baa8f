//go:build !linux

package driver

// NewSocketCAN is only available on Linux.
func NewSocketCAN(prefix string, opts ...Option) (Backend, error) {
	return nil, ErrUnsupported
}
