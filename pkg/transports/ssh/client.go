package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient holds one connection to a bridge host and opens bridge
// streams on it.
type SSHClient struct {
	config *Config

	client      *ssh.Client
	jump        *ssh.Client
	connMu      sync.RWMutex
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	streams     int
}

var _ Bridge = (*SSHClient)(nil)

// NewSSHClient validates config and returns an unconnected client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{config: config}, nil
}

// Connect establishes an SSH connection to the bridge host. An existing
// connection that still answers is kept.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connectLocked(ctx)
}

func (c *SSHClient) connectLocked(ctx context.Context) error {
	if c.isConnected && c.client != nil {
		if err := c.ping(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.Jump != nil {
		return c.connectViaJump(ctx, clientConfig)
	}
	return c.connectDirect(ctx, clientConfig)
}

// connectDirect dials the bridge host.
func (c *SSHClient) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	client, err := dial(ctx, "connect", func() (*ssh.Client, error) {
		return ssh.Dial("tcp", address, clientConfig)
	})
	if err != nil {
		return err
	}

	c.established(client, nil)
	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// connectViaJump reaches the bridge host through the jump host.
func (c *SSHClient) connectViaJump(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	jumpAddress := c.config.JumpAddress()
	jumpConfig, err := c.config.BuildJumpClientConfig()
	if err != nil {
		return &TransportError{Op: "connect-jump", Err: fmt.Errorf("failed to build jump host config: %w", err), IsAuthError: true}
	}

	log.Debug().Str("jump", jumpAddress).Msg("connecting to jump host")
	jumpClient, err := dial(ctx, "connect-jump", func() (*ssh.Client, error) {
		return ssh.Dial("tcp", jumpAddress, jumpConfig)
	})
	if err != nil {
		return err
	}

	targetAddress := c.config.Address()
	log.Debug().Str("target", targetAddress).Msg("connecting to target through jump host")

	client, err := dial(ctx, "connect-via-jump", func() (*ssh.Client, error) {
		jumpConn, err := jumpClient.Dial("tcp", targetAddress)
		if err != nil {
			return nil, err
		}
		ncc, chans, reqs, err := ssh.NewClientConn(jumpConn, targetAddress, targetConfig)
		if err != nil {
			_ = jumpConn.Close()
			return nil, err
		}
		return ssh.NewClient(ncc, chans, reqs), nil
	})
	if err != nil {
		_ = jumpClient.Close()
		return err
	}

	c.established(client, jumpClient)
	log.Info().Str("target", targetAddress).Str("jump", jumpAddress).Msg("SSH connection established via jump host")
	return nil
}

// dial runs connect in the background so ctx can abandon it. A connection
// that completes after ctx is done is closed.
func dial(ctx context.Context, op string, connect func() (*ssh.Client, error)) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		client, err := connect()
		done <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, &TransportError{Op: op, Err: ctx.Err(), IsTemporary: true}
	case r := <-done:
		if r.err != nil {
			return nil, &TransportError{Op: op, Err: r.err, IsTemporary: true}
		}
		return r.client, nil
	}
}

func (c *SSHClient) established(client, jump *ssh.Client) {
	c.client = client
	c.jump = jump
	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	c.streams = 0

	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(client)
	}
}

// Dial starts the bridge command in a new session and returns its standard
// streams. Closing the stream ends the session. A dead connection is
// re-established once.
func (c *SSHClient) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	session, err := c.client.NewSession()
	if err != nil {
		log.Warn().Err(err).Msg("session refused, reconnecting")
		c.closeLocked()
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
		if session, err = c.client.NewSession(); err != nil {
			return nil, &TransportError{Op: "dial", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
		}
	}

	stream, err := startBridge(ctx, session, c.config.BridgeCommand)
	if err != nil {
		_ = session.Close()
		return nil, err
	}

	c.streams++
	c.lastUsedAt = time.Now()
	log.Debug().Str("host", c.config.Host).Str("command", c.config.BridgeCommand).Int("stream", c.streams).Msg("bridge stream opened")
	return stream, nil
}

// bridgeStream is the stdin and stdout of one bridge session.
type bridgeStream struct {
	io.Reader
	stdin   io.WriteCloser
	session *ssh.Session
	once    sync.Once
}

func (s *bridgeStream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Close signals end of input to the bridge and tears down the session.
func (s *bridgeStream) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.stdin.Close()
		err = s.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}

func startBridge(ctx context.Context, session *ssh.Session, command string) (*bridgeStream, error) {
	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: fmt.Errorf("failed to create stdin pipe: %w", err), IsTemporary: true}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: fmt.Errorf("failed to create stdout pipe: %w", err), IsTemporary: true}
	}
	session.Stderr = stderrLog{command: command}

	started := make(chan error, 1)
	go func() { started <- session.Start(command) }()

	select {
	case <-ctx.Done():
		return nil, &TransportError{Op: "dial", Err: ctx.Err(), IsTemporary: true}
	case err := <-started:
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: fmt.Errorf("failed to start %q: %w", command, err), IsTemporary: true}
		}
	}
	return &bridgeStream{Reader: stdout, stdin: stdin, session: session}, nil
}

// stderrLog forwards bridge diagnostics to the log.
type stderrLog struct {
	command string
}

func (w stderrLog) Write(p []byte) (int, error) {
	log.Debug().Str("command", w.command).Bytes("stderr", p).Msg("bridge stderr")
	return len(p), nil
}

// Disconnect closes the SSH connection. Open bridge streams end with it.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.jump != nil {
		_ = c.jump.Close()
	}
	c.client = nil
	c.jump = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the client has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection still answers requests.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return c.ping()
}

// ping sends a keep-alive request and waits for the reply. Must be called
// with connMu held.
func (c *SSHClient) ping() error {
	if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive pings client until it is replaced, closed, or stops answering.
func (c *SSHClient) keepAlive(client *ssh.Client) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for range ticker.C {
		c.connMu.RLock()
		current := c.client == client && c.isConnected
		c.connMu.RUnlock()
		if !current {
			return
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, dropping connection")
				c.connMu.Lock()
				if c.client == client {
					c.closeLocked()
				}
				c.connMu.Unlock()
				return
			}
			continue
		}
		retries = 0
		c.connMu.Lock()
		c.lastUsedAt = time.Now()
		c.connMu.Unlock()
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:          c.config.Host,
		Port:          c.config.Port,
		User:          c.config.User,
		BridgeCommand: c.config.BridgeCommand,
		ConnectedAt:   c.connectedAt,
		LastActivity:  c.lastUsedAt,
		Streams:       c.streams,
	}
}
