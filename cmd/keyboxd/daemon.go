package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"keyboxd/internal/attestation"
	"keyboxd/internal/config"
	"keyboxd/internal/flags"
	"keyboxd/internal/health"
	"keyboxd/internal/ipc"
	"keyboxd/internal/keybox"
	"keyboxd/internal/logging"
	"keyboxd/internal/override"
	"keyboxd/internal/security"
	"keyboxd/internal/watcher"
)

// Daemon owns every long-lived component of keyboxd.
type Daemon struct {
	cfg     *config.Config
	version string
	logger  *logging.Logger
	audit   *logging.AuditLogger

	store    flags.Store
	service  attestation.Service
	importer *keybox.Importer
	ctrl     *override.Controller
	watcher  *watcher.Watcher
	checker  *health.Checker
	server   *ipc.Server

	serverMu sync.RWMutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewDaemon prepares a daemon. Service may be nil, in which case one is
// built from the attestation configuration.
func NewDaemon(cfg *config.Config, version string, logger *logging.Logger, audit *logging.AuditLogger, service attestation.Service) *Daemon {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Daemon{
		cfg:     cfg,
		version: version,
		logger:  logger,
		audit:   audit,
		service: service,
	}
}

// Start opens the flag store, connects to the attestation service and
// starts the watcher and control socket.
func (d *Daemon) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			d.Stop()
		}
	}()

	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}

	ctx, d.cancel = context.WithCancel(ctx)

	d.store, err = flags.Open(flags.Options{
		Backend:     d.cfg.Flags.Backend,
		Path:        d.cfg.Flags.Path,
		ReadOnly:    d.cfg.Flags.ReadOnly,
		BusyTimeout: d.cfg.BusyTimeout(),
	})
	if err != nil {
		return fmt.Errorf("open flag store: %w", err)
	}
	configStore := flags.NewConfigStore(d.store, flags.Keys{
		SpoofEnabled: d.cfg.Flags.SpoofEnabledKey,
		UseXML:       d.cfg.Flags.UseXMLKey,
	})

	if d.service == nil {
		d.service, err = d.dialService()
		if err != nil {
			return err
		}
	}

	if d.cfg.Watch.Enabled {
		d.watcher, err = watcher.New(d.cfg.Keybox.Path, d.cfg.Debounce())
		if err != nil {
			return fmt.Errorf("create keybox watcher: %w", err)
		}
	}

	fileMode, err := d.cfg.KeyboxFileMode()
	if err != nil {
		return err
	}
	d.importer, err = keybox.NewImporter(keybox.Options{
		Path:          d.cfg.Keybox.Path,
		FileMode:      fileMode,
		MaxSize:       d.cfg.Keybox.MaxSizeBytes,
		ReloadTimeout: d.cfg.ReloadTimeout(),
		LockTimeout:   d.cfg.LockTimeout(),
		Service:       d.service,
		Logger:        d.logger,
		OnInstall:     d.onInstall,
	})
	if err != nil {
		return fmt.Errorf("create importer: %w", err)
	}

	d.ctrl, err = override.New(ctx, override.Config{
		Store:         configStore,
		Importer:      d.importer,
		Service:       d.service,
		Logger:        d.logger,
		Audit:         d.audit,
		ReloadTimeout: d.cfg.ReloadTimeout(),
		OnEvent:       d.broadcast,
	})
	if err != nil {
		return fmt.Errorf("create override controller: %w", err)
	}

	d.checker = health.NewChecker()
	d.checker.RegisterFunc(health.ComponentFlags, true, health.StoreCheck(configStore))
	d.checker.RegisterFunc(health.ComponentAttestation, false, health.ServiceCheck(d.service))
	d.checker.RegisterFunc(health.ComponentKeyboxFile, false, health.KeyboxFileCheck(d.cfg.Keybox.Path, fileMode))

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			return fmt.Errorf("start keybox watcher: %w", err)
		}
		d.wg.Add(1)
		go d.watchLoop(ctx)
	}

	if d.cfg.IPC.Enabled {
		if err := d.startServer(); err != nil {
			return err
		}
	}

	d.checker.SetReady(true)
	return nil
}

func (d *Daemon) dialService() (attestation.Service, error) {
	switch d.cfg.Attestation.Backend {
	case "none":
		d.logger.Warn("no attestation backend configured, reloads will fail")
		return attestation.None{}, nil
	default:
		svc, err := attestation.DialDBus(attestation.DBusOptions{
			Bus:         d.cfg.Attestation.Bus,
			ServiceName: d.cfg.Attestation.ServiceName,
			ObjectPath:  d.cfg.Attestation.ObjectPath,
			Interface:   d.cfg.Attestation.Interface,
			CallTimeout: d.cfg.CallTimeout(),
			Logger:      d.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to attestation service: %w", err)
		}
		return svc, nil
	}
}

func (d *Daemon) startServer() error {
	perm, err := d.cfg.SocketFileMode()
	if err != nil {
		return err
	}

	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Controller:    d.ctrl,
		Importer:      d.importer,
		Checker:       d.checker,
		Logger:        d.logger,
		Version:       d.version,
		MaxImportSize: d.cfg.Keybox.MaxSizeBytes,
	})

	serverCfg := ipc.DefaultServerConfig(d.cfg.IPC.SocketPath)
	serverCfg.Version = d.version
	serverCfg.Permissions = perm
	serverCfg.IdleTimeout = d.cfg.IPCTimeout()
	serverCfg.MaxConnections = d.cfg.IPC.MaxConnections
	serverCfg.WriteUIDs = d.cfg.IPC.WriteUIDs
	serverCfg.Logger = d.logger
	serverCfg.Audit = d.audit

	server, err := ipc.NewServer(serverCfg, handler)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	d.serverMu.Lock()
	d.server = server
	d.serverMu.Unlock()
	return nil
}

func (d *Daemon) onInstall(res keybox.Result) {
	if d.watcher != nil {
		d.watcher.Expect(res.SHA256)
	}
}

func (d *Daemon) broadcast(ev override.Event) {
	d.serverMu.RLock()
	server := d.server
	d.serverMu.RUnlock()
	if server != nil {
		server.Broadcast(&ev)
	}
}

func (d *Daemon) watchLoop(ctx context.Context) {
	defer d.wg.Done()

	events := d.watcher.Events()
	errs := d.watcher.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-events:
			if !ok {
				return
			}
			d.ctrl.NotifyFileChanged(ctx, change.Info, change.Op)
		case err, ok := <-errs:
			if !ok {
				return
			}
			d.logger.Warn("keybox watcher error", "error", err)
		}
	}
}

// Controller returns the override controller once started.
func (d *Daemon) Controller() *override.Controller {
	return d.ctrl
}

// SocketPath returns the control socket path, or "" if IPC is disabled.
func (d *Daemon) SocketPath() string {
	d.serverMu.RLock()
	defer d.serverMu.RUnlock()
	if d.server != nil {
		return d.server.SocketPath()
	}
	return ""
}

// Stop releases everything Start acquired. It is safe to call more than once.
func (d *Daemon) Stop() error {
	var errs []error

	if d.checker != nil {
		d.checker.SetReady(false)
	}

	d.serverMu.Lock()
	server := d.server
	d.server = nil
	d.serverMu.Unlock()
	if server != nil {
		errs = append(errs, server.Stop())
	}

	if d.cancel != nil {
		d.cancel()
	}
	if d.watcher != nil {
		errs = append(errs, d.watcher.Stop())
	}
	d.wg.Wait()

	if c, ok := d.service.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
		d.service = nil
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
		d.store = nil
	}

	return errors.Join(errs...)
}

// writePIDFile records the daemon pid for service managers.
func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return security.WriteFileAtomic(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
