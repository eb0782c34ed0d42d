package config

import (
	"bytes"
	goerrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/locutus/lfsync/pkg/activation"
	"github.com/locutus/lfsync/pkg/engine"
	"github.com/locutus/lfsync/pkg/luigi"
	"github.com/locutus/lfsync/pkg/telemetry"
	"github.com/locutus/lfsync/pkg/transports/ssh"
)

// DefaultConfigFile is the configuration file name looked up by the CLI.
const DefaultConfigFile = "lfsync.yaml"

// memoryStore is the store path of an in-memory database.
const memoryStore = ":memory:"

// DeviceKind selects how lfsync reaches the device.
type DeviceKind string

const (
	// DeviceEmulator runs an emulated device in process.
	DeviceEmulator DeviceKind = "emulator"

	// DeviceStdio runs a bridge command locally and speaks the device
	// protocol on its standard input and output.
	DeviceStdio DeviceKind = "stdio"

	// DeviceSSH runs the bridge command on a remote host.
	DeviceSSH DeviceKind = "ssh"
)

// AppConfig is the lfsync configuration file.
type AppConfig struct {
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Store      StoreConfig      `yaml:"store"`
	Device     DeviceConfig     `yaml:"device"`
	Activation ActivationConfig `yaml:"activation"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Menu       MenuConfig       `yaml:"menu"`
}

// StoreConfig configures the session journal and container cache.
type StoreConfig struct {
	// Path is the SQLite database file, or ":memory:".
	Path string `yaml:"path" validate:"required"`

	// CacheSize is the number of containers kept in memory in front of the
	// store.
	CacheSize int `yaml:"cache_size" validate:"gte=0"`
}

// DeviceConfig selects and configures the device channel.
type DeviceConfig struct {
	Kind DeviceKind `yaml:"kind" validate:"required,oneof=emulator stdio ssh"`

	// ID, Capabilities, MaxEntities and StateDir configure the emulator.
	ID           string   `yaml:"id,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	MaxEntities  int      `yaml:"max_entities,omitempty" validate:"gte=0,lte=65535"`
	StateDir     string   `yaml:"state_dir,omitempty"`

	// Command is the local bridge for the stdio kind.
	Command []string `yaml:"command,omitempty" validate:"required_if=Kind stdio"`

	// SSH configures the remote bridge for the ssh kind. Unset fields keep
	// the ssh package defaults.
	SSH *ssh.Config `yaml:"ssh,omitempty" validate:"required_if=Kind ssh"`
}

// ActivationConfig configures the device activation policy.
type ActivationConfig struct {
	Mode activation.Mode `yaml:"mode" validate:"required"`

	// Script is a Starlark file consulted in user_settings mode.
	Script string `yaml:"script,omitempty"`

	// ScriptTimeout bounds one script call.
	ScriptTimeout time.Duration `yaml:"script_timeout,omitempty" validate:"gte=0"`
}

// ReconcileConfig configures reconciliation sessions.
type ReconcileConfig struct {
	Mode luigi.GenerationMode `yaml:"mode" validate:"required"`

	// FeatureFlags is the explicit flag set for feature_update, in the
	// "feature=compat,..." form.
	FeatureFlags string `yaml:"feature_flags,omitempty"`

	Retry    engine.RetryPolicy  `yaml:"retry"`
	Workers  int                 `yaml:"workers" validate:"gte=0,lte=64"`
	Progress engine.ProgressMode `yaml:"progress"`
}

// MenuConfig locates the desired menu layout.
type MenuConfig struct {
	// Layout is a CUE file or package directory defining the menu.
	Layout string `yaml:"layout" validate:"required"`

	// Debounce delays re-reconciliation after layout edits in watch mode.
	Debounce time.Duration `yaml:"debounce,omitempty" validate:"gte=0"`
}

// Default returns the default configuration.
func Default() *AppConfig {
	return &AppConfig{
		Telemetry: *telemetry.DefaultConfig(),
		Store: StoreConfig{
			Path:      "lfsync.db",
			CacheSize: 64,
		},
		Device: DeviceConfig{
			Kind:         DeviceEmulator,
			ID:           "LTO-EMU",
			Capabilities: luigi.AllCapabilities.Names(),
			SSH:          ssh.DefaultConfig("", ""),
		},
		Activation: ActivationConfig{
			Mode:          activation.ModeActivateIfFirst,
			ScriptTimeout: 5 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Mode:     luigi.ModeStandard,
			Retry:    engine.DefaultRetryPolicy(),
			Workers:  4,
			Progress: engine.ProgressPerStage,
		},
		Menu: MenuConfig{
			Layout:   "menu.cue",
			Debounce: 500 * time.Millisecond,
		},
	}
}

// Load reads the configuration at path on top of the defaults, applies
// LFSYNC_* environment overrides and validates the result. An empty path
// loads the defaults only. Relative paths in the file are resolved against
// the file's directory.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !goerrors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write saves cfg as YAML, refusing to replace an existing file.
func Write(path string, cfg *AppConfig) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}

// envOverrides maps environment variables onto configuration fields.
var envOverrides = []struct {
	name  string
	apply func(*AppConfig, string)
}{
	{"LFSYNC_LOG_LEVEL", func(c *AppConfig, v string) { c.Telemetry.Logging.Level = v }},
	{"LFSYNC_LOG_FORMAT", func(c *AppConfig, v string) { c.Telemetry.Logging.Format = v }},
	{"LFSYNC_STORE_PATH", func(c *AppConfig, v string) { c.Store.Path = v }},
	{"LFSYNC_DEVICE_KIND", func(c *AppConfig, v string) { c.Device.Kind = DeviceKind(v) }},
	{"LFSYNC_MENU_LAYOUT", func(c *AppConfig, v string) { c.Menu.Layout = v }},
	{"LFSYNC_ACTIVATION_MODE", func(c *AppConfig, v string) { c.Activation.Mode = activation.Mode(v) }},
}

// ApplyEnv applies LFSYNC_* overrides found by lookup.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) {
	for _, o := range envOverrides {
		if v, ok := lookup(o.name); ok && v != "" {
			o.apply(c, v)
		}
	}
}

func (c *AppConfig) resolvePaths(dir string) {
	abs := func(p *string) {
		if *p != "" && *p != memoryStore && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	abs(&c.Store.Path)
	abs(&c.Device.StateDir)
	abs(&c.Activation.Script)
	abs(&c.Menu.Layout)
	if c.Device.SSH != nil {
		abs(&c.Device.SSH.PrivateKeyPath)
		abs(&c.Device.SSH.KnownHostsPath)
		if c.Device.SSH.Jump != nil {
			abs(&c.Device.SSH.Jump.PrivateKeyPath)
		}
	}
}

// Validate checks the configuration.
func (c *AppConfig) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(yamlName)
	if err := v.Struct(c); err != nil {
		var msgs []string
		for _, e := range convertValidatorErrors(err) {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: telemetry: %w", err)
	}
	if err := c.Activation.Mode.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Reconcile.Mode.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Reconcile.Progress != "" {
		if err := c.Reconcile.Progress.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	if _, err := c.Reconcile.Features(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := luigi.ParseCapabilities(c.Device.Capabilities); err != nil {
		return fmt.Errorf("invalid configuration: device capabilities: %w", err)
	}
	if c.Device.Kind == DeviceSSH {
		if err := c.Device.SSH.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: device.ssh: %w", err)
		}
	}
	return nil
}

// Features returns the parsed explicit feature flags.
func (r ReconcileConfig) Features() (luigi.FeatureFlags, error) {
	if r.FeatureFlags == "" {
		return 0, nil
	}
	return luigi.ParseFeatureFlags(r.FeatureFlags)
}

func yamlName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}
