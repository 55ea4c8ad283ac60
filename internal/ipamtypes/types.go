// Package ipamtypes holds the value types shared across the allocator,
// store and dispatcher packages. It does not contain any logic beyond
// simple derivations (store key construction).
package ipamtypes

import (
	"fmt"
	"net/netip"
)

// KeyPrefix is prepended to every lease key stored in the coordination
// store, scoped by network name.
const KeyPrefix = "ipam"

// Network identifies an address pool a container can be attached to.
//
// Path overrides Name in the key namespace when present, so that two
// networks sharing a display Name but configured with distinct Path
// values never collide in the store.
type Network struct {
	// Name is config.name from the CNI network configuration.
	Name string

	// Path is config.path, optional. When set it takes precedence over
	// Name for the purpose of the store key namespace.
	Path string

	// Subnet is the IPv4 CIDR addresses are allocated from.
	Subnet netip.Prefix
}

// Key returns the network-scoped namespace component used to build lease
// keys: config.path if present, else config.name.
func (n Network) Key() string {
	if n.Path != "" {
		return n.Path
	}
	return n.Name
}

// Prefix returns the store key prefix under which all leases for this
// network are listed, e.g. "ipam/n1/".
func (n Network) Prefix() string {
	return fmt.Sprintf("%s/%s/", KeyPrefix, n.Key())
}

// LeaseKey returns the full store key for a single address within this
// network, e.g. "ipam/n1/10.0.0.1".
func (n Network) LeaseKey(addr netip.Addr) string {
	return n.Prefix() + addr.String()
}

// Lease is the logical shape of a single store entry: a claimed address
// bound to a container within a network.
type Lease struct {
	Network     string
	Address     netip.Addr
	ContainerID string
}
