// Package dispatcher implements the per-connection request/response loop
// described by spec.md §4.4: bind a filesystem socket, accept one
// connection per plugin invocation, read one newline-terminated JSON
// request, dispatch ADD/DEL to the allocator, and write one
// newline-terminated response.
package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/coreos/go-systemd/v22/activation"

	"github.com/cilium/consul-ipam/internal/allocator"
	"github.com/cilium/consul-ipam/internal/ipamerr"
	"github.com/cilium/consul-ipam/internal/ipamlog"
	"github.com/cilium/consul-ipam/internal/ipamtypes"
	"github.com/cilium/consul-ipam/internal/metrics"
	"github.com/cilium/consul-ipam/internal/wire"
)

// Dispatcher owns the Unix socket listener and dispatches every accepted
// connection to the shared allocator.
type Dispatcher struct {
	alloc       *allocator.Allocator
	logger      *slog.Logger
	socketPath  string
	responsePfx wire.ResponsePrefixMode
}

// New constructs a Dispatcher. alloc is shared by every worker goroutine;
// all serialization happens inside alloc itself (spec.md §5). responsePfx
// selects how the ADD response's prefix length is rendered; an empty value
// defaults to spec.md's bug-compatible fixed /22.
func New(alloc *allocator.Allocator, logger *slog.Logger, socketPath string, responsePfx wire.ResponsePrefixMode) *Dispatcher {
	if responsePfx == "" {
		responsePfx = wire.ResponsePrefixFixed22
	}
	return &Dispatcher{alloc: alloc, logger: logger, socketPath: socketPath, responsePfx: responsePfx}
}

// listen binds the Unix socket, preferring a pre-opened listener inherited
// from the process environment (socket-activation style, spec.md §6) and
// falling back to net.Listen. Grounded on the retrieval pack's
// plugins/ipam/dhcp-daemon getListener helper.
func (d *Dispatcher) listen() (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("checking for activation listeners: %w", err)
	}

	switch {
	case len(listeners) == 0:
		if err := os.RemoveAll(d.socketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket %q: %w", d.socketPath, err)
		}
		return net.Listen("unix", d.socketPath)

	case len(listeners) == 1:
		if listeners[0] == nil {
			return nil, errors.New("LISTEN_FDS=1 but no listener fd was found")
		}
		return listeners[0], nil

	default:
		return nil, fmt.Errorf("too many (%d) file descriptors passed via socket activation", len(listeners))
	}
}

// Serve accepts connections until ctx is canceled, spawning one worker
// goroutine per connection.
func (d *Dispatcher) Serve(ctx context.Context) error {
	ln, err := d.listen()
	if err != nil {
		return err
	}
	defer ln.Close()

	d.logger.Info("listening for plugin invocations", ipamlog.FieldSocketPath, d.socketPath)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go d.handle(ctx, conn)
	}
}

// handle services exactly one request on conn: read one line, dispatch,
// write one line, close. Request is fully read before the response is
// written, and responses are never interleaved across connections since
// each connection gets its own goroutine and its own net.Conn.
func (d *Dispatcher) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		d.logger.Warn("error reading request", ipamlog.FieldError, err)
		return
	}

	var req wire.Request
	if err := json.Unmarshal([]byte(strings.TrimRight(line, "\n")), &req); err != nil {
		d.logger.Warn("malformed request", ipamlog.FieldError, err)
		metrics.RequestsTotal.WithLabelValues("unknown", metrics.OutcomeFailure).Inc()
		return
	}

	command := strings.ToLower(req.Command)
	switch command {
	case "add":
		d.handleAdd(ctx, conn, req)
	case "del":
		d.handleDel(ctx, conn, req)
	default:
		d.logger.Warn("unknown command", ipamlog.FieldCommand, req.Command)
		metrics.RequestsTotal.WithLabelValues("unknown", metrics.OutcomeFailure).Inc()
	}
}

func (d *Dispatcher) handleAdd(ctx context.Context, conn net.Conn, req wire.Request) {
	network, prefix, err := toNetwork(req)
	if err != nil {
		d.logger.Warn("bad request", ipamlog.FieldError, err)
		metrics.RequestsTotal.WithLabelValues("add", metrics.OutcomeFailure).Inc()
		return
	}

	addr, err := d.alloc.Allocate(ctx, network, req.ContainerID)
	if err != nil {
		d.logger.Warn("allocation failed",
			ipamlog.FieldNetwork, network.Key(), ipamlog.FieldContainerID, req.ContainerID, ipamlog.FieldError, err)
		metrics.RequestsTotal.WithLabelValues("add", metrics.OutcomeFailure).Inc()
		return
	}

	resp := buildAddResponse(addr, prefix, req, d.responsePfx)
	if err := writeLine(conn, resp); err != nil {
		d.logger.Warn("error writing response", ipamlog.FieldError, err)
		metrics.RequestsTotal.WithLabelValues("add", metrics.OutcomeFailure).Inc()
		return
	}
	metrics.RequestsTotal.WithLabelValues("add", metrics.OutcomeSuccess).Inc()
}

func (d *Dispatcher) handleDel(ctx context.Context, conn net.Conn, req wire.Request) {
	if err := d.alloc.Release(ctx, req.ContainerID); err != nil {
		d.logger.Warn("release failed", ipamlog.FieldContainerID, req.ContainerID, ipamlog.FieldError, err)
		metrics.RequestsTotal.WithLabelValues("del", metrics.OutcomeFailure).Inc()
		return
	}
	if _, err := conn.Write([]byte("\n")); err != nil {
		d.logger.Warn("error writing response", ipamlog.FieldError, err)
		metrics.RequestsTotal.WithLabelValues("del", metrics.OutcomeFailure).Inc()
		return
	}
	metrics.RequestsTotal.WithLabelValues("del", metrics.OutcomeSuccess).Inc()
}

func toNetwork(req wire.Request) (ipamtypes.Network, netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(req.Config.IPAM.Subnet)
	if err != nil {
		return ipamtypes.Network{}, netip.Prefix{}, fmt.Errorf("%w: parsing subnet %q: %s", ipamerr.ErrBadRequest, req.Config.IPAM.Subnet, err)
	}
	return ipamtypes.Network{
		Name:   req.Config.Name,
		Path:   req.Config.Path,
		Subnet: prefix,
	}, prefix, nil
}

func buildAddResponse(addr netip.Addr, prefix netip.Prefix, req wire.Request, mode wire.ResponsePrefixMode) wire.AddResponse {
	var routes []wire.Route
	if len(req.Config.IPAM.Routes) > 0 {
		routes = req.Config.IPAM.Routes
	}

	// Preserved bug-for-bug by default: spec.md §6 requires the assigned
	// address to be rendered with a literal /22 suffix regardless of the
	// configured subnet's prefix length. See DESIGN.md.
	prefixLen := wire.FixedResponsePrefixLen
	if mode == wire.ResponsePrefixConfigured {
		prefixLen = prefix.Bits()
	}
	address := addr.String() + "/" + strconv.Itoa(prefixLen)

	return wire.AddResponse{
		CNIVersion: wire.CNIVersion,
		IPs: []wire.IPResult{{
			Version:   "4",
			Address:   address,
			Gateway:   req.Config.IPAM.Gateway,
			Interface: nil,
		}},
		Routes: routes,
		DNS:    req.Config.DNS,
	}
}

func writeLine(conn net.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = conn.Write(b)
	return err
}
