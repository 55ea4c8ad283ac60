// Command consul-ipam is both halves of the IPAM plugin described by
// spec.md: invoked with no arguments it behaves as the short-lived CNI
// plugin front-end; invoked as "consul-ipam server" it runs the long-lived
// allocator daemon.
package main

import (
	"context"
	"os"

	"github.com/cilium/consul-ipam/internal/cli"
)

func main() {
	ctx := context.Background()
	if err := cli.New().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
