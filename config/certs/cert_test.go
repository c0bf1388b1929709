package certs

import (
	"crypto/tls"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestGenerate_MutualTLSHandshake(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir))

	info, err := os.Stat(filepath.Join(dir, ServerKeyFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	serverCfg, err := ServerConfig(dir)
	require.NoError(t, err)
	clientCfg, err := ClientConfig(dir, "localhost")
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	var g errgroup.Group
	g.Go(func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return err
		}
		_, err = conn.Write(buf)
		return err
	})

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	echo := make([]byte, 4)
	_, err = io.ReadFull(conn, echo)
	require.NoError(t, err)
	require.Equal(t, "ping", string(echo))
	require.NoError(t, g.Wait())
}

func TestServerConfig_RejectsClientWithoutCertificate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, "127.0.0.1"))

	serverCfg, err := ServerConfig(dir)
	require.NoError(t, err)
	clientCfg, err := ClientConfig(dir, "127.0.0.1")
	require.NoError(t, err)
	clientCfg.Certificates = nil

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- conn.(*tls.Conn).Handshake()
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	_ = tls.Client(raw, clientCfg).Handshake()
	require.Error(t, <-done)
}

func TestClientConfig_MissingFiles(t *testing.T) {
	_, err := ClientConfig(t.TempDir(), "localhost")
	require.Error(t, err)
	_, err = ServerConfig(t.TempDir())
	require.Error(t, err)
}
