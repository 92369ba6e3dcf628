//go:build !linux

package systemdmanager

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

func Status(ctx context.Context, name string) (*UnitStatus, error) {
	return nil, ErrUnsupported
}
