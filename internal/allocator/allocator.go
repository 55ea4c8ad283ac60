// Package allocator implements the scan-and-claim address allocation
// algorithm (spec.md §4.3): given a network and a CIDR, pick the next free
// host address and claim it atomically in the coordination store, and
// release previously claimed addresses by container id.
package allocator

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/cilium/consul-ipam/internal/ipamerr"
	"github.com/cilium/consul-ipam/internal/ipamlog"
	"github.com/cilium/consul-ipam/internal/ipamtypes"
	"github.com/cilium/consul-ipam/internal/metrics"
	"github.com/cilium/consul-ipam/internal/store"
)

// SessionIDer supplies the daemon's current coordination-store session
// id. It is satisfied by *session.Manager; kept as a narrow interface here
// so allocator does not import session and create a cycle.
type SessionIDer interface {
	ID() string
}

// Allocator picks and releases addresses. A single instance is shared
// across every dispatcher worker, serialized by mu, exactly as spec.md §5
// requires: "the mutex is held for the entire duration of an allocate or
// release call, including RPCs to the store."
type Allocator struct {
	mu     sync.Mutex
	store  store.Store
	logger *slog.Logger
	sess   SessionIDer

	// index maps container id to the lease this daemon assigned it.
	// Non-authoritative: a lookup shortcut, not the source of truth.
	index map[string]ipamtypes.Lease
}

// New constructs an Allocator over st, claiming keys under the session
// reported by sess.
func New(st store.Store, sess SessionIDer, logger *slog.Logger) *Allocator {
	return &Allocator{
		store:  st,
		sess:   sess,
		logger: logger,
		index:  make(map[string]ipamtypes.Lease),
	}
}

// Allocate assigns the next free address in net.Subnet to containerID,
// claims it in the store, and records it in the local index.
func (a *Allocator) Allocate(ctx context.Context, net ipamtypes.Network, containerID string) (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prefix := net.Prefix()
	kvs, err := a.store.List(ctx, prefix)
	if err != nil {
		metrics.AllocationsTotal.WithLabelValues(net.Key(), metrics.OutcomeFailure).Inc()
		return netip.Addr{}, err
	}

	taken := make(map[netip.Addr]bool, len(kvs))
	for _, kv := range kvs {
		// Silently skip entries whose value is not a parseable address,
		// per spec.md §4.3.1 step 2. Leases written by Allocate carry the
		// container id as their value, so they are skipped here and their
		// addresses are caught by the Get double-check below.
		if addr, err := netip.ParseAddr(kv.Value); err == nil {
			taken[addr] = true
		}
	}

	networkAddr := net.Subnet.Masked().Addr()
	candidates := newScanner(net.Subnet, networkAddr, taken)
	sessionID := a.sess.ID()

	for {
		candidate, ok := candidates.next()
		if !ok {
			metrics.AllocationsTotal.WithLabelValues(net.Key(), metrics.OutcomeFailure).Inc()
			metrics.ExhaustedTotal.WithLabelValues(net.Key()).Inc()
			return netip.Addr{}, ipamerr.ErrExhausted
		}

		key := net.LeaseKey(candidate)

		// Step 5: double-check existence to close the race window
		// between list and acquire.
		if _, exists, err := a.store.Get(ctx, key); err != nil {
			metrics.AllocationsTotal.WithLabelValues(net.Key(), metrics.OutcomeFailure).Inc()
			return netip.Addr{}, err
		} else if exists {
			continue
		}

		acquired, err := a.store.Acquire(ctx, key, containerID, sessionID)
		if err != nil {
			metrics.AllocationsTotal.WithLabelValues(net.Key(), metrics.OutcomeFailure).Inc()
			return netip.Addr{}, err
		}
		if !acquired {
			// AcquireRace: handled internally by advancing, never
			// surfaced, per spec.md §7.
			metrics.AcquireRacesTotal.WithLabelValues(net.Key()).Inc()
			continue
		}

		a.index[containerID] = ipamtypes.Lease{
			Network:     net.Key(),
			Address:     candidate,
			ContainerID: containerID,
		}
		metrics.AllocationsTotal.WithLabelValues(net.Key(), metrics.OutcomeSuccess).Inc()
		a.logger.Info("allocated address",
			ipamlog.FieldNetwork, net.Key(), ipamlog.FieldContainerID, containerID, ipamlog.FieldAddress, candidate)
		return candidate, nil
	}
}

// Release frees the address this daemon previously assigned to
// containerID, if any. It is idempotent and tolerant of a DEL issued
// without a prior ADD, as required by the container-runtime contract.
func (a *Allocator) Release(ctx context.Context, containerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	lease, ok := a.index[containerID]
	if !ok {
		return nil
	}

	if err := a.releaseLeaseLocked(ctx, lease); err != nil {
		metrics.ReleasesTotal.WithLabelValues(lease.Network, metrics.OutcomeFailure).Inc()
		return err
	}

	delete(a.index, containerID)
	metrics.ReleasesTotal.WithLabelValues(lease.Network, metrics.OutcomeSuccess).Inc()
	return nil
}

// ReleaseByValue is the supplemented fallback noted in spec.md §9 and
// SPEC_FULL.md §4.3: when the local index has no entry for containerID
// (for instance because the daemon restarted between ADD and DEL), scan
// the network's prefix by value and release any matching lease. Grounded
// on the retrieval pack's host-etcd-backend Store.ReleaseByID, which
// performs the same by-value scan-and-delete.
func (a *Allocator) ReleaseByValue(ctx context.Context, net ipamtypes.Network, containerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	kvs, err := a.store.List(ctx, net.Prefix())
	if err != nil {
		return err
	}

	var released bool
	for _, kv := range kvs {
		if kv.Value != containerID {
			continue
		}
		addr, err := netip.ParseAddr(kv.Key[len(net.Prefix()):])
		if err != nil {
			continue
		}
		lease := ipamtypes.Lease{Network: net.Key(), Address: addr, ContainerID: containerID}
		if err := a.releaseLeaseLocked(ctx, lease); err != nil {
			metrics.ReleasesTotal.WithLabelValues(net.Key(), metrics.OutcomeFailure).Inc()
			return err
		}
		released = true
	}
	if released {
		delete(a.index, containerID)
		metrics.ReleasesTotal.WithLabelValues(net.Key(), metrics.OutcomeSuccess).Inc()
	}
	return nil
}

func (a *Allocator) releaseLeaseLocked(ctx context.Context, lease ipamtypes.Lease) error {
	key := fmt.Sprintf("%s/%s/%s", ipamtypes.KeyPrefix, lease.Network, lease.Address)
	sessionID := a.sess.ID()

	if err := a.store.Release(ctx, key, sessionID); err != nil {
		return fmt.Errorf("%w: %s", ipamerr.ErrReleaseFailed, err)
	}
	if err := a.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: %s", ipamerr.ErrReleaseFailed, err)
	}
	return nil
}

// scanner produces the monotonic, numerically-ordered candidate sequence
// described by spec.md §4.3.1 step 3: every address in prefix except the
// network address and any address already taken.
//
// A /30 or larger subnet also excludes its broadcast (last) address, the
// conventional IPv4 host range used by CNI's own host-local IPAM plugin;
// a /31 has no distinguishable broadcast address (RFC 3021) and is not
// special-cased, per spec.md §4.3.1's explicit note. See DESIGN.md for how
// this resolves spec.md §8's /30 boundary example.
type scanner struct {
	prefix    netip.Prefix
	network   netip.Addr
	broadcast netip.Addr
	exclBcast bool
	taken     map[netip.Addr]bool

	cur  netip.Addr
	done bool
}

func newScanner(prefix netip.Prefix, network netip.Addr, taken map[netip.Addr]bool) *scanner {
	return &scanner{
		prefix:    prefix,
		network:   network,
		broadcast: lastAddr(prefix),
		exclBcast: prefix.Bits() <= 30,
		taken:     taken,
		cur:       prefix.Masked().Addr(),
	}
}

func (s *scanner) next() (netip.Addr, bool) {
	for {
		if s.done {
			return netip.Addr{}, false
		}
		candidate := s.cur
		next := candidate.Next()
		if !s.prefix.Contains(next) {
			s.done = true
		} else {
			s.cur = next
		}

		if candidate == s.network {
			continue
		}
		if s.exclBcast && candidate == s.broadcast {
			continue
		}
		if s.taken[candidate] {
			continue
		}
		return candidate, true
	}
}

// lastAddr returns the final address of prefix (the broadcast address for
// an IPv4 subnet), computed by setting every host bit to 1.
func lastAddr(prefix netip.Prefix) netip.Addr {
	base := prefix.Masked().Addr().As4()
	bits := prefix.Bits()
	var hostMask uint32
	if bits < 32 {
		hostMask = ^uint32(0) >> uint(bits)
	}
	val := binary.BigEndian.Uint32(base[:]) | hostMask
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], val)
	return netip.AddrFrom4(out)
}
