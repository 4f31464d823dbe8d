//go:build !linux

package capture

import "github.com/rs/zerolog"

// OpenTun is only implemented on Linux.
func OpenTun(TunConfig, zerolog.Logger) (Device, error) {
	return nil, ErrUnsupported
}
