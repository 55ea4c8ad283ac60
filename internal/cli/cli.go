// Package cli assembles the consul-ipam binary's command-line surface
// with spf13/cobra, following the composition style of Cilium's own CLI
// commands (cilium/cmd), and binds flags to environment variables with
// spf13/viper the way Cilium's agent configuration layer does.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cilium/consul-ipam/internal/daemon"
	"github.com/cilium/consul-ipam/internal/ipamlog"
	"github.com/cilium/consul-ipam/internal/plugin"
	"github.com/cilium/consul-ipam/internal/store"
	"github.com/cilium/consul-ipam/internal/wire"
)

const envPrefix = "CONSUL_IPAM"

// Flag and config key names.
const (
	flagSocketPath     = "socket-path"
	flagConsulAddress  = "consul-address"
	flagConsulScheme   = "consul-scheme"
	flagConsulToken    = "consul-token"
	flagSessionTTL     = "session-ttl"
	flagRenewInterval  = "renew-interval"
	flagMetricsAddress = "metrics-address"
	flagResponsePrefix = "response-prefix"
)

// defaultSocketPath matches spec.md §6 exactly.
const defaultSocketPath = "/tmp/cni-ipam-consul.sock"

// New builds the root command. Per spec.md §6: no positional argument
// launches the plugin front-end; "server" launches the daemon; any other
// value is a fatal error (enforced by cobra.MaximumNArgs plus the
// explicit argument check in RunE).
func New() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:          "consul-ipam [server]",
		Short:        "Consul-coordinated IPAM plugin for container network interfaces",
		SilenceUsage: true,
		Args:         cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runPlugin(v)
			}
			if args[0] != "server" {
				return fmt.Errorf("unknown argument %q: expected no argument or %q", args[0], "server")
			}
			return runServer(cmd.Context(), v)
		},
	}

	flags := root.Flags()
	flags.String(flagSocketPath, defaultSocketPath, "path of the Unix socket shared between the plugin invocation and the allocator daemon")
	flags.String(flagConsulAddress, "127.0.0.1:8500", "address of the Consul agent's HTTP API")
	flags.String(flagConsulScheme, "http", "scheme used to reach the Consul agent (http or https)")
	flags.String(flagConsulToken, "", "ACL token presented to the Consul agent")
	flags.Duration(flagSessionTTL, 30*time.Second, "TTL of the daemon's coordination-store session")
	flags.Duration(flagRenewInterval, 10*time.Second, "interval between session renewal attempts; spec.md requires at least 3 renewals per TTL")
	flags.String(flagMetricsAddress, "127.0.0.1:9962", "address the Prometheus /metrics endpoint listens on; empty disables it")
	flags.String(flagResponsePrefix, string(wire.ResponsePrefixFixed22), "prefix length rendered on an ADD response's address: fixed22 (bug-compatible default) or configured")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return root
}

func runPlugin(v *viper.Viper) error {
	if err := plugin.Run(os.Stdin, os.Stdout, v.GetString(flagSocketPath)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func runServer(ctx context.Context, v *viper.Viper) error {
	logger := ipamlog.New(slog.LevelInfo)

	ttl := v.GetDuration(flagSessionTTL)
	interval := v.GetDuration(flagRenewInterval)
	if interval*3 > ttl {
		return fmt.Errorf("%s (%s) must allow at least 3 renewals within %s (%s)", flagRenewInterval, interval, flagSessionTTL, ttl)
	}

	responsePrefix := wire.ResponsePrefixMode(v.GetString(flagResponsePrefix))
	if responsePrefix != wire.ResponsePrefixFixed22 && responsePrefix != wire.ResponsePrefixConfigured {
		return fmt.Errorf("%s: must be %q or %q, got %q", flagResponsePrefix, wire.ResponsePrefixFixed22, wire.ResponsePrefixConfigured, responsePrefix)
	}

	st, err := store.NewConsul(store.Config{
		Address: v.GetString(flagConsulAddress),
		Scheme:  v.GetString(flagConsulScheme),
		Token:   v.GetString(flagConsulToken),
	})
	if err != nil {
		ipamlog.Fatal(logger, "failed to construct coordination-store client", ipamlog.FieldError, err)
	}

	cfg := daemon.Config{
		SocketPath:     v.GetString(flagSocketPath),
		SessionTTL:     ttl,
		RenewInterval:  interval,
		MetricsAddress: v.GetString(flagMetricsAddress),
		ResponsePrefix: responsePrefix,
	}

	if err := daemon.Run(ctx, st, logger, cfg); err != nil {
		ipamlog.Fatal(logger, "daemon exited with error", ipamlog.FieldError, err)
	}
	return nil
}
