// Package plugin implements the short-lived CNI plugin invocation
// (spec.md §4.5): read stdin and the CNI environment, forward one request
// to the allocator daemon's socket, and print the response to stdout
// verbatim.
package plugin

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/containernetworking/cni/pkg/skel"

	"github.com/cilium/consul-ipam/internal/ipamerr"
	"github.com/cilium/consul-ipam/internal/wire"
)

// requiredEnv lists the CNI environment variables spec.md §4.5 requires;
// missing ones are fatal with a descriptive message.
var requiredEnv = []string{"CNI_COMMAND", "CNI_CONTAINERID", "CNI_NETNS", "CNI_IFNAME", "CNI_PATH"}

// Run reads the invocation's stdin and environment, forwards a request to
// socketPath, and writes the daemon's response line to stdout. It returns
// a non-nil error on any failure; callers should print it to stderr and
// exit non-zero.
func Run(stdin io.Reader, stdout io.Writer, socketPath string) error {
	for _, name := range requiredEnv {
		if os.Getenv(name) == "" {
			return fmt.Errorf("%w: missing required environment variable %s", ipamerr.ErrBadRequest, name)
		}
	}

	stdinData, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	args := &skel.CmdArgs{
		ContainerID: os.Getenv("CNI_CONTAINERID"),
		Netns:       os.Getenv("CNI_NETNS"),
		IfName:      os.Getenv("CNI_IFNAME"),
		Args:        os.Getenv("CNI_ARGS"),
		Path:        os.Getenv("CNI_PATH"),
		StdinData:   stdinData,
	}

	var netConf wire.NetConf
	if err := json.Unmarshal(args.StdinData, &netConf); err != nil {
		return fmt.Errorf("%w: parsing network configuration: %s", ipamerr.ErrBadRequest, err)
	}

	req := wire.Request{
		Command:     os.Getenv("CNI_COMMAND"),
		ContainerID: args.ContainerID,
		Config:      netConf,
	}

	return forward(req, stdout, socketPath)
}

func forward(req wire.Request, stdout io.Writer, socketPath string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connecting to allocator daemon at %s: %w", socketPath, err)
	}
	defer conn.Close()

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	body = append(body, '\n')

	if _, err := conn.Write(body); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("reading response: %w", err)
	}
	if line == "" {
		return fmt.Errorf("allocator daemon closed the connection without a response")
	}

	_, err = io.WriteString(stdout, line)
	return err
}
