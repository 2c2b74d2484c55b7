package p2p

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// NodeAddress identifies a peer on the overlay network.
type NodeAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// FullAddress renders host:port.
func (a NodeAddress) FullAddress() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a NodeAddress) String() string { return a.FullAddress() }

// IsZero reports whether the address is unset.
func (a NodeAddress) IsZero() bool { return a.Host == "" && a.Port == 0 }

// ParseNodeAddress parses a host:port string.
func ParseNodeAddress(raw string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return NodeAddress{}, fmt.Errorf("p2p: invalid node address %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("p2p: invalid port in %q", raw)
	}
	if host == "" {
		return NodeAddress{}, fmt.Errorf("p2p: missing host in %q", raw)
	}
	return NodeAddress{Host: host, Port: port}, nil
}
