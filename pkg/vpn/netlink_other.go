//go:build !linux

package vpn

import "errors"

type netlinkChecker struct{}

func (netlinkChecker) LinkPresent(name string) (bool, error) {
	return false, errors.ErrUnsupported
}

func DefaultRoute() (gw, dev string, err error) {
	return "", "", errors.ErrUnsupported
}
