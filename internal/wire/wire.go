// Package wire defines the JSON-line request/response schema exchanged
// between the plugin front-end and the allocator daemon over the local
// Unix socket (spec.md §6).
//
// These are hand-rolled structs rather than
// containernetworking/cni/pkg/types/100's Result, because spec.md's
// response shape is a deliberate bug-compatible deviation from the real
// CNI 0.4.0 result (a literal "/22" suffix regardless of the configured
// subnet) that must round-trip exactly as specified.
package wire

import "encoding/json"

// CNIVersion is the literal version string spec.md's response always
// reports, independent of the version the runtime actually requested.
const CNIVersion = "v0.4.0"

// FixedResponsePrefixLen is the hard-coded prefix length spec.md's
// response renders on the assigned address, preserved for bug
// compatibility with the source implementation. See DESIGN.md.
const FixedResponsePrefixLen = 22

// ResponsePrefixMode selects how the ADD response renders the assigned
// address's prefix length.
type ResponsePrefixMode string

const (
	// ResponsePrefixFixed22 always renders /22, regardless of the
	// configured subnet — spec.md's default, bug-compatible behavior.
	ResponsePrefixFixed22 ResponsePrefixMode = "fixed22"

	// ResponsePrefixConfigured renders the configured subnet's actual
	// prefix length, the corrected behavior spec.md §9 leaves available
	// behind an operator opt-in.
	ResponsePrefixConfigured ResponsePrefixMode = "configured"
)

// IPAM is the subset of config.ipam the dispatcher consumes.
type IPAM struct {
	Subnet  string  `json:"subnet"`
	Gateway string  `json:"gateway,omitempty"`
	Routes  []Route `json:"routes,omitempty"`
}

// Route mirrors a single entry of config.ipam.routes.
type Route struct {
	Dst string `json:"dst"`
	GW  string `json:"gw,omitempty"`
}

// NetConf is the subset of the CNI network configuration document the
// core consumes from config.* in the request.
type NetConf struct {
	Name string          `json:"name"`
	Path string          `json:"path,omitempty"`
	IPAM IPAM            `json:"ipam"`
	DNS  json.RawMessage `json:"dns,omitempty"`
}

// Request is the single JSON line read by the dispatcher per connection.
type Request struct {
	Command     string  `json:"command"`
	ContainerID string  `json:"container_id"`
	Config      NetConf `json:"config"`
}

// IPResult is one entry of the ADD response's "ips" array.
type IPResult struct {
	Version   string `json:"version"`
	Address   string `json:"address"`
	Gateway   string `json:"gateway,omitempty"`
	Interface *int   `json:"interface"`
}

// AddResponse is the single JSON line written back for a successful ADD.
type AddResponse struct {
	CNIVersion string          `json:"cni_version"`
	IPs        []IPResult      `json:"ips"`
	Routes     []Route         `json:"routes,omitempty"`
	DNS        json.RawMessage `json:"dns,omitempty"`
}

