package util

import (
	"errors"
	"net"
	"os"
	"strings"
)

// RemoveSocket removes a stale unix socket file so the listener can bind
// again. Anything that is not a socket is left alone.
func RemoveSocket(path string) error {

	fileinfo, err := os.Lstat(path)
	if err != nil {
		return err
	}

	if fileinfo.Mode()&os.ModeSocket == 0 {
		return errors.New("not a socket")
	}

	return os.Remove(path)
}

// Listen binds a listen address of the form "tcp://host:port",
// "unix:///path", a bare "host:port" (tcp) or a bare path (unix socket).
// Stale unix sockets are removed first.
func Listen(address string) (net.Listener, error) {

	network := "unix"
	switch {
	case strings.HasPrefix(address, "tcp://"):
		network = "tcp"
		address = strings.TrimPrefix(address, "tcp://")
	case strings.HasPrefix(address, "unix://"):
		address = strings.TrimPrefix(address, "unix://")
	case strings.Contains(address, ":"):
		network = "tcp"
	}

	if network == "unix" {
		_ = RemoveSocket(address)
	}

	return net.Listen(network, address)
}
