package configtypes

import (
	"fmt"
	"net"
	"strconv"
)

// ParseListenAddress splits "host:port" (host may be empty, as in
// ":8080") and returns the numeric port.
func ParseListenAddress(listen string) (string, int, error) {
	if listen == "" {
		return "", 0, fmt.Errorf("listen address is empty")
	}

	host, rawPort, err := net.SplitHostPort(listen)
	if err != nil {
		return "", 0, fmt.Errorf("listen address %q: %w", listen, err)
	}

	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return "", 0, fmt.Errorf("listen address %q: port %q is not numeric", listen, rawPort)
	}

	return host, port, nil
}

// ValidateListenAddress rejects malformed addresses and out-of-range
// ports. Port 0 is rejected because the service advertises its port to
// the registry and cannot advertise an ephemeral one.
func ValidateListenAddress(listen string) error {
	_, port, err := ParseListenAddress(listen)
	if err != nil {
		return err
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("listen address %q: port %d out of range", listen, port)
	}
	return nil
}
