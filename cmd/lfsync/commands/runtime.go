package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/locutus/lfsync/pkg/activation"
	"github.com/locutus/lfsync/pkg/config"
	"github.com/locutus/lfsync/pkg/device/client"
	"github.com/locutus/lfsync/pkg/device/emulator"
	"github.com/locutus/lfsync/pkg/device/protocol"
	"github.com/locutus/lfsync/pkg/engine"
	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
	"github.com/locutus/lfsync/pkg/stores"
	"github.com/locutus/lfsync/pkg/telemetry"
	"github.com/locutus/lfsync/pkg/transports/ssh"
)

// runtime holds what a device command needs: configuration, telemetry and
// the session store.
type runtime struct {
	cfg    *config.AppConfig
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	logger zerolog.Logger
}

// loadConfig resolves the configuration file. Without --config, lfsync.yaml
// in the working directory is used when present.
func loadConfig() (*config.AppConfig, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigFile); err == nil {
			path = config.DefaultConfigFile
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

func openRuntime(ctx context.Context, version string) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if version != "" {
		cfg.Telemetry.ServiceVersion = version
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	logger := tel.Logger.Component("cli").Zerolog()
	tel.Events.Subscribe(logEvent(logger), nil)

	return &runtime{
		cfg:    cfg,
		tel:    tel,
		store:  store,
		logger: logger,
	}, nil
}

// logEvent echoes bus events to the debug log.
func logEvent(logger zerolog.Logger) telemetry.EventSubscriber {
	return func(e telemetry.Event) {
		logger.Debug().
			Str("event", e.Type).
			Str("session_id", e.SessionID).
			Str("device_id", e.DeviceID).
			Fields(e.Data).
			Msg(e.Message)
	}
}

// warnUnpublished logs an event that could not be published.
func warnUnpublished(logger zerolog.Logger, event string, err error) {
	if err == nil {
		return
	}
	logger.Warn().Err(err).Str("event", event).Msg("Failed to publish event")
}

// openStore opens and migrates the session database.
func openStore(ctx context.Context, cfg *config.AppConfig) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
	if err := rt.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
}

// dialer builds the device channel for the configured kind.
func (rt *runtime) dialer() (client.Dialer, func(), error) {
	dev := rt.cfg.Device
	switch dev.Kind {
	case config.DeviceEmulator:
		emu, err := emulator.New(emulator.Config{
			Info: protocol.DeviceInfo{
				ID:           dev.ID,
				Serial:       dev.ID,
				Capabilities: dev.Capabilities,
				Limits:       lfs.Limits{MaxEntities: dev.MaxEntities},
			},
			StateDir: dev.StateDir,
			Logger:   rt.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		serveCtx, stop := context.WithCancel(context.Background())
		dial := client.DialerFunc(func(context.Context) (io.ReadWriteCloser, error) {
			return emu.Pipe(serveCtx), nil
		})
		return dial, stop, nil

	case config.DeviceStdio:
		return &client.ExecDialer{Command: dev.Command, Logger: rt.logger}, func() {}, nil

	case config.DeviceSSH:
		sc, err := ssh.NewSSHClient(dev.SSH)
		if err != nil {
			return nil, nil, err
		}
		return sc, func() { _ = sc.Disconnect() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported device kind: %s", dev.Kind)
	}
}

// device is a connected device and its description.
type device struct {
	*client.Client
	info    *protocol.DeviceInfo
	release func()
}

func (d *device) Close() error {
	err := d.Client.Close()
	d.release()
	return err
}

func (rt *runtime) connect(ctx context.Context) (*device, error) {
	dial, release, err := rt.dialer()
	if err != nil {
		return nil, err
	}
	c, err := client.New(client.Config{
		Dialer:         dial,
		CommandTimeout: rt.cfg.Reconcile.Retry.OpTimeout,
		Logger:         rt.logger,
	})
	if err != nil {
		release()
		return nil, err
	}
	info, err := c.Connect(ctx)
	if err != nil {
		c.Close()
		release()
		return nil, err
	}
	rt.logger.Info().
		Str("device_id", info.ID).
		Str("serial", info.Serial).
		Str("firmware", info.Firmware).
		Strs("capabilities", info.Capabilities).
		Msg("Device connected")
	return &device{Client: c, info: info, release: release}, nil
}

// activate registers a connected device and applies the activation policy.
// It reports whether the device is active afterwards.
func (rt *runtime) activate(ctx context.Context, info *protocol.DeviceInfo) (bool, error) {
	known, err := rt.store.KnownDevices(ctx)
	if err != nil {
		return false, err
	}

	candidate := activation.Device{
		ID:       info.ID,
		Serial:   info.Serial,
		Firmware: info.Firmware,
		LastSeen: time.Now().UTC(),
	}
	existing, err := rt.store.GetDevice(ctx, info.ID)
	switch {
	case err == nil:
		candidate.Active = existing.Active
	case !errors.Is(err, stores.ErrNotFound):
		return false, err
	}

	if err := rt.store.UpsertDevice(ctx, &stores.DeviceRecord{
		Device:       candidate,
		Capabilities: info.Capabilities,
	}); err != nil {
		return false, err
	}
	if candidate.Active {
		warnUnpublished(rt.logger, telemetry.EventTypeDeviceAttached,
			rt.tel.Events.PublishDeviceAttached(info.ID, info.Serial, true))
		return true, nil
	}

	var settings activation.Settings
	if rt.cfg.Activation.Mode == activation.ModeUserSettings && rt.cfg.Activation.Script != "" {
		s, err := config.LoadScriptSettings(ctx, rt.cfg.Activation.Script, rt.cfg.Activation.ScriptTimeout)
		if err != nil {
			return false, err
		}
		settings = s
	}

	decision := activation.Decide(rt.cfg.Activation.Mode, known, candidate, activation.HasActive(known), settings)
	rt.logger.Info().
		Str("device_id", info.ID).
		Str("mode", string(rt.cfg.Activation.Mode)).
		Str("decision", string(decision)).
		Msg("Activation decided")
	active := decision == activation.Activate
	if active {
		if err := rt.store.ActivateDevice(ctx, info.ID); err != nil {
			return false, err
		}
	}
	warnUnpublished(rt.logger, telemetry.EventTypeDeviceAttached,
		rt.tel.Events.PublishDeviceAttached(info.ID, info.Serial, active))
	return active, nil
}

func (rt *runtime) transcoder() (*luigi.Transcoder, error) {
	cache, err := luigi.NewCache(rt.cfg.Store.CacheSize, rt.store)
	if err != nil {
		return nil, err
	}
	return luigi.NewTranscoder(luigi.NewMetadata(), cache, rt.logger), nil
}

func (rt *runtime) reconciler(dev *device, progress engine.ProgressFunc) (*engine.Reconciler, error) {
	caps, err := luigi.ParseCapabilities(dev.info.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dev.info.ID, err)
	}
	flags, err := rt.cfg.Reconcile.Features()
	if err != nil {
		return nil, err
	}
	tc, err := rt.transcoder()
	if err != nil {
		return nil, err
	}

	return engine.NewReconciler(engine.Config{
		DeviceID:         dev.info.ID,
		Transport:        dev,
		Transcoder:       tc,
		Mode:             rt.cfg.Reconcile.Mode,
		Features:         luigi.DeviceFeatures{Capabilities: caps, Flags: flags},
		Retry:            rt.cfg.Reconcile.Retry,
		TranscodeWorkers: rt.cfg.Reconcile.Workers,
		ProgressMode:     rt.cfg.Reconcile.Progress,
		Progress:         progress,
		Recorder:         rt.store,
		Events:           engine.NewTelemetryEvents(rt.tel.Events),
		Metrics:          rt.tel.Metrics,
		Tracer:           rt.tel.Tracer.Tracer(),
		Logger:           rt.logger,
	})
}
