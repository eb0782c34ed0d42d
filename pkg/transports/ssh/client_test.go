package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/locutus/lfsync/pkg/device/client"
	"github.com/locutus/lfsync/pkg/device/emulator"
	"github.com/locutus/lfsync/pkg/device/protocol"
	"github.com/locutus/lfsync/pkg/lfs"
)

// testSSHServer is a minimal SSH server whose only command is the bridge,
// served by an in-process emulator.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	emu      *emulator.Emulator
	ctx      context.Context
	cancel   context.CancelFunc
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()
	signer, err := generateHostKey()
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "lto" && string(pass) == "flash" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	emu, err := emulator.New(emulator.Config{
		Info: protocol.DeviceInfo{
			ID:           "LTO-SSH",
			Capabilities: []string{"ecs", "voice"},
			Limits:       lfs.Limits{MaxEntities: 64},
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("failed to create emulator: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		emu:      emu,
		ctx:      ctx,
		cancel:   cancel,
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		command := string(req.Payload[4:]) // skip the length prefix
		if command != DefaultBridgeCommand {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		go ssh.DiscardRequests(requests)
		_ = s.emu.Serve(s.ctx, channel, channel)
		channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
		return
	}
}

func (s *testSSHServer) close() {
	s.cancel()
	s.listener.Close()
}

func (s *testSSHServer) clientConfig(t *testing.T) *Config {
	t.Helper()
	host, port := parseAddress(s.addr)
	config := DefaultConfig(host, "lto")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "flash"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func generateHostKey() (ssh.Signer, error) {
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(privKey)
}

func newConnectedClient(t *testing.T, config *Config) *SSHClient {
	t.Helper()
	c, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig(t)
	c := newConnectedClient(t, config)

	if !c.IsConnected() {
		t.Error("expected client to be connected")
	}

	info := c.GetConnectionInfo()
	if info.Host != config.Host || info.User != "lto" {
		t.Errorf("unexpected connection info: %+v", info)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected connection time to be set")
	}

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestSSHClientConnect_BadPassword(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig(t)
	config.Password = "wrong"

	c, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	err = c.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if c.IsConnected() {
		t.Error("expected client to stay disconnected")
	}
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig(t)
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = writeTestKey(t)

	c := newConnectedClient(t, config)
	if !c.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestSSHClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	c := newConnectedClient(t, server.clientConfig(t))

	if err := c.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if c.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after disconnect")
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("second disconnect failed: %v", err)
	}
}

func TestSSHClientDial_DeviceClient(t *testing.T) {
	ctx := context.Background()
	server := newTestSSHServer(t)
	bridge := newConnectedClient(t, server.clientConfig(t))

	dev, err := client.New(client.Config{Dialer: bridge, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	defer dev.Close()

	info, err := dev.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if info.ID != "LTO-SSH" {
		t.Errorf("expected device LTO-SSH, got %q", info.ID)
	}

	if err := dev.WriteDirtyFlags(ctx, 0x80000000); err != nil {
		t.Fatalf("WriteDirtyFlags() error = %v", err)
	}
	if got := server.emu.Flags(); got != 0x80000000 {
		t.Errorf("expected emulator flags 0x80000000, got %s", got)
	}

	op := lfs.CreateOp(lfs.Entity{ID: 1, Kind: lfs.KindDirectory, Name: "Games"}, lfs.RootID, 0, nil)
	if err := dev.ApplyOp(ctx, op); err != nil {
		t.Fatalf("ApplyOp() error = %v", err)
	}
	listing, err := dev.FetchTree(ctx)
	if err != nil {
		t.Fatalf("FetchTree() error = %v", err)
	}
	if len(listing.Records) == 0 {
		t.Error("expected the created directory in the listing")
	}

	if n := bridge.GetConnectionInfo().Streams; n != 1 {
		t.Errorf("expected 1 bridge stream, got %d", n)
	}
}

func TestSSHClientDial_NewStreamPerDial(t *testing.T) {
	ctx := context.Background()
	server := newTestSSHServer(t)
	bridge := newConnectedClient(t, server.clientConfig(t))

	for i := 0; i < 2; i++ {
		stream, err := bridge.Dial(ctx)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		hello, err := protocol.NewDecoder(stream).DecodeHello()
		if err != nil {
			t.Fatalf("DecodeHello() error = %v", err)
		}
		if hello.Device.ID != "LTO-SSH" {
			t.Errorf("expected hello from LTO-SSH, got %+v", hello.Device)
		}
		if err := stream.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
		if err := stream.Close(); err != nil {
			t.Errorf("second Close() error = %v", err)
		}
	}
	if n := bridge.GetConnectionInfo().Streams; n != 2 {
		t.Errorf("expected 2 bridge streams, got %d", n)
	}
}

func TestSSHClientDial_ConnectsLazily(t *testing.T) {
	server := newTestSSHServer(t)
	bridge, err := NewSSHClient(server.clientConfig(t))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer bridge.Disconnect()

	stream, err := bridge.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer stream.Close()
	if !bridge.IsConnected() {
		t.Error("expected Dial to connect")
	}
}

func TestSSHClientDial_UnknownCommand(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig(t)
	config.BridgeCommand = "lto-bridge --missing"
	bridge := newConnectedClient(t, config)

	_, err := bridge.Dial(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "dial" {
		t.Fatalf("expected dial TransportError, got %v", err)
	}
	if n := bridge.GetConnectionInfo().Streams; n != 0 {
		t.Errorf("expected no streams, got %d", n)
	}
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
