package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how lfsync authenticates to a host.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// DefaultBridgeCommand is run on the bridge host when none is configured.
const DefaultBridgeCommand = "lfs-emulator serve"

// defaultKeyNames are tried in ~/.ssh when key auth has no key path.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Credentials authenticate one SSH hop.
type Credentials struct {
	AuthMethod           AuthMethod `yaml:"auth_method"`
	Password             string     `yaml:"password,omitempty"`
	PrivateKeyPath       string     `yaml:"private_key_path,omitempty"`
	PrivateKeyPassphrase string     `yaml:"private_key_passphrase,omitempty"`
}

// JumpHost is an intermediate host the bridge host is reached through.
type JumpHost struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Credentials `yaml:",inline"`
}

// Config locates the host the device is attached to and the bridge command
// that serves the device protocol there.
type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Credentials `yaml:",inline"`

	// KnownHostsPath is checked when StrictHostKeyChecking is on.
	KnownHostsPath        string `yaml:"known_hosts_path"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking"`

	// ConnectionTimeout bounds each TCP dial and handshake.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// BridgeCommand runs once per device stream and speaks the device
	// protocol on stdin and stdout.
	BridgeCommand string `yaml:"bridge_command"`

	// KeepAliveInterval of 0 disables keep-alives. The connection is dropped
	// after MaxKeepAliveRetries misses in a row.
	KeepAliveInterval   time.Duration `yaml:"keep_alive_interval"`
	MaxKeepAliveRetries int           `yaml:"max_keep_alive_retries"`

	Jump *JumpHost `yaml:"jump,omitempty"`
}

// DefaultConfig returns key-authenticated defaults for host.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		Credentials:           Credentials{AuthMethod: AuthMethodKey},
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		BridgeCommand:         DefaultBridgeCommand,
		MaxKeepAliveRetries:   3,
	}
}

// Validate checks the configuration. Key auth without a key path picks the
// first default key found in ~/.ssh.
func (c *Config) Validate() error {
	if err := validateHop(c.Host, c.Port, c.User, &c.Credentials); err != nil {
		return err
	}
	if c.ConnectionTimeout <= 0 {
		return errors.New("connection timeout must be positive")
	}
	if c.BridgeCommand == "" {
		return errors.New("bridge command is required")
	}
	if c.Jump != nil {
		if c.Jump.Port == 0 {
			c.Jump.Port = 22
		}
		if err := validateHop(c.Jump.Host, c.Jump.Port, c.Jump.User, &c.Jump.Credentials); err != nil {
			return fmt.Errorf("jump host: %w", err)
		}
	}
	return nil
}

func validateHop(host string, port int, user string, cred *Credentials) error {
	if host == "" {
		return errors.New("host is required")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	if user == "" {
		return errors.New("user is required")
	}

	switch cred.AuthMethod {
	case AuthMethodPassword:
		if cred.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthMethodKey:
		if cred.PrivateKeyPath == "" {
			cred.PrivateKeyPath = findDefaultKey()
		}
		if cred.PrivateKeyPath == "" {
			return errors.New("private key path is required for key authentication and no default key found")
		}
		if _, err := os.Stat(cred.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", cred.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", cred.AuthMethod)
	}
	return nil
}

func findDefaultKey() string {
	home := os.Getenv("HOME")
	for _, name := range defaultKeyNames {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// authMethods turns credentials into ssh auth methods. Password auth also
// answers keyboard-interactive prompts, which many servers use instead.
func (cred Credentials) authMethods() ([]ssh.AuthMethod, error) {
	switch cred.AuthMethod {
	case AuthMethodPassword:
		return []ssh.AuthMethod{
			ssh.Password(cred.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = cred.Password
				}
				return answers, nil
			}),
		}, nil
	case AuthMethodKey:
		pem, err := os.ReadFile(cred.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if cred.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(cred.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth method: %s", cred.AuthMethod)
	}
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking || c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// BuildSSHClientConfig returns the client config for the bridge host.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	return c.clientConfig(c.User, c.Credentials)
}

// BuildJumpClientConfig returns the client config for the jump host. Host
// keys are checked against the same known_hosts file.
func (c *Config) BuildJumpClientConfig() (*ssh.ClientConfig, error) {
	if c.Jump == nil {
		return nil, errors.New("no jump host configured")
	}
	return c.clientConfig(c.Jump.User, c.Jump.Credentials)
}

func (c *Config) clientConfig(user string, cred Credentials) (*ssh.ClientConfig, error) {
	auth, err := cred.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns host:port of the bridge host.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// JumpAddress returns host:port of the jump host, or "".
func (c *Config) JumpAddress() string {
	if c.Jump == nil {
		return ""
	}
	return net.JoinHostPort(c.Jump.Host, strconv.Itoa(c.Jump.Port))
}
