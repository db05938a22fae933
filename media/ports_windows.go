//go:build windows

package media

import "errors"

func boundUDPPorts() (map[int]bool, error) {
	return nil, errors.New("port probe not supported on this platform")
}
