//go:build !(windows && amd64)

package driver

// NewVector needs vxlapi64.dll, which only exists on 64 bit Windows.
func NewVector(opts ...Option) (Backend, error) {
	return nil, ErrUnsupported
}
