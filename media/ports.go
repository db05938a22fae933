//go:build !windows

package media

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// boundUDPPorts reports which local UDP ports currently have a bound
// socket, read from the kernel's socket tables so the probe never
// touches the ports itself.
func boundUDPPorts() (map[int]bool, error) {
	bound := make(map[int]bool)
	var firstErr error
	for _, path := range []string{"/proc/net/udp", "/proc/net/udp6"} {
		if err := readUDPTable(path, bound); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			firstErr = nil
		}
	}
	if len(bound) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return bound, nil
}

func readUDPTable(path string, bound map[int]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		// local_address is hexIP:hexPort
		idx := strings.LastIndexByte(fields[1], ':')
		if idx < 0 {
			continue
		}
		port, err := strconv.ParseInt(fields[1][idx+1:], 16, 32)
		if err != nil {
			continue
		}
		bound[int(port)] = true
	}
	return scanner.Err()
}
