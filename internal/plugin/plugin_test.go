package plugin

import (
	"bufio"
	"bytes"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T, command string) {
	t.Helper()
	t.Setenv("CNI_COMMAND", command)
	t.Setenv("CNI_CONTAINERID", "c1")
	t.Setenv("CNI_NETNS", "/var/run/netns/c1")
	t.Setenv("CNI_IFNAME", "eth0")
	t.Setenv("CNI_PATH", "/opt/cni/bin")
}

func startEchoServer(t *testing.T, response string) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "consul-ipam.sock")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = bufio.NewReader(conn).ReadString('\n')
		_, _ = conn.Write([]byte(response))
	}()

	return socketPath
}

func TestRun_ForwardsRequestAndEchoesResponse(t *testing.T) {
	setRequiredEnv(t, "ADD")
	socketPath := startEchoServer(t, `{"cni_version":"v0.4.0"}`+"\n")

	stdin := bytes.NewBufferString(`{"name":"n1","ipam":{"subnet":"10.0.0.0/24"}}`)
	var stdout bytes.Buffer

	err := Run(stdin, &stdout, socketPath)
	require.NoError(t, err)
	require.Equal(t, `{"cni_version":"v0.4.0"}`+"\n", stdout.String())
}

func TestRun_MissingEnvVarFails(t *testing.T) {
	t.Setenv("CNI_COMMAND", "")
	t.Setenv("CNI_CONTAINERID", "")
	t.Setenv("CNI_NETNS", "")
	t.Setenv("CNI_IFNAME", "")
	t.Setenv("CNI_PATH", "")

	err := Run(bytes.NewBufferString(""), &bytes.Buffer{}, "/nonexistent.sock")
	require.Error(t, err)
}

func TestRun_DaemonUnreachableFails(t *testing.T) {
	setRequiredEnv(t, "DEL")

	stdin := bytes.NewBufferString(`{"name":"n1","ipam":{"subnet":"10.0.0.0/24"}}`)
	err := Run(stdin, &bytes.Buffer{}, filepath.Join(t.TempDir(), "does-not-exist.sock"))
	require.Error(t, err)
}

func TestRun_DaemonClosesWithoutResponseFails(t *testing.T) {
	setRequiredEnv(t, "frob")
	socketPath := filepath.Join(t.TempDir(), "consul-ipam.sock")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		conn.Close()
	}()

	stdin := bytes.NewBufferString(`{"name":"n1","ipam":{"subnet":"10.0.0.0/24"}}`)
	time.Sleep(10 * time.Millisecond)
	err = Run(stdin, &bytes.Buffer{}, socketPath)
	require.Error(t, err)
}
