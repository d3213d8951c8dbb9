package attestation

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"keyboxd/internal/logging"
)

// Method names on the attestation interface.
const (
	MethodReloadKeybox      = "ReloadKeybox"
	MethodIsKeyboxAvailable = "IsKeyboxAvailable"

	peerPing = "org.freedesktop.DBus.Peer.Ping"
)

// DBusOptions configures a DBusClient.
type DBusOptions struct {
	// Bus is "system" or "session".
	Bus string

	ServiceName string
	ObjectPath  string
	Interface   string

	// CallTimeout bounds each call when the caller's context has no
	// earlier deadline.
	CallTimeout time.Duration

	Logger *logging.Logger
}

// DBusClient reaches the attestation service over D-Bus.
type DBusClient struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	iface   string
	timeout time.Duration
	logger  *logging.Logger
	owned   bool
}

// DialDBus connects to the configured bus. The connection is private to
// the client and closed by Close.
func DialDBus(opts DBusOptions) (*DBusClient, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch opts.Bus {
	case "session":
		conn, err = dbus.ConnectSessionBus()
	default:
		conn, err = dbus.ConnectSystemBus()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s bus: %w", opts.Bus, err)
	}

	c := NewDBusClient(conn, opts)
	c.owned = true
	return c, nil
}

// NewDBusClient wraps an existing connection. The connection is not
// closed by Close.
func NewDBusClient(conn *dbus.Conn, opts DBusOptions) *DBusClient {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &DBusClient{
		conn:    conn,
		obj:     conn.Object(opts.ServiceName, dbus.ObjectPath(opts.ObjectPath)),
		iface:   opts.Interface,
		timeout: opts.CallTimeout,
		logger:  logger.WithComponent("attestation"),
	}
}

func (c *DBusClient) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// ReloadKeybox implements Service.
func (c *DBusClient) ReloadKeybox(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	call := c.obj.CallWithContext(ctx, c.iface+"."+MethodReloadKeybox, 0)
	if call.Err != nil {
		return fmt.Errorf("%w: %v", ErrReloadFailed, call.Err)
	}
	return nil
}

// IsKeyboxAvailable implements Service.
func (c *DBusClient) IsKeyboxAvailable(ctx context.Context) bool {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	var available bool
	err := c.obj.CallWithContext(ctx, c.iface+"."+MethodIsKeyboxAvailable, 0).Store(&available)
	if err != nil {
		c.logger.Debug("availability query failed", "error", err)
		return false
	}
	return available
}

// Ping implements Pinger using org.freedesktop.DBus.Peer.
func (c *DBusClient) Ping(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.obj.CallWithContext(ctx, peerPing, 0).Err
}

// Close releases the bus connection if the client opened it.
func (c *DBusClient) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}
