package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"keyboxd/internal/flags"
	"keyboxd/internal/health"
	"keyboxd/internal/keybox"
	"keyboxd/internal/override"
)

// IPCClient is the client for communicating with the keyboxd daemon.
// Requests may be issued from several goroutines; responses are matched
// by request ID.
type IPCClient struct {
	mu         sync.RWMutex
	conn       net.Conn
	sessionID  string
	version    string
	permission PermissionLevel

	connected atomic.Bool

	// Request handling
	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32
	writeMu   sync.Mutex

	// Event handling
	eventChan chan *Event
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "keyboxctl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &IPCClient{
		pending:   make(map[uint32]chan *Message),
		eventChan: make(chan *Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		config:    cfg,
	}
}

// Connect dials the daemon and performs the handshake.
func (c *IPCClient) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.config.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, errConnRefused) {
			return fmt.Errorf("%w: %s", ErrDaemonNotRunning, c.config.SocketPath)
		}
		return fmt.Errorf("connect: %w", err)
	}

	// The lock only guards the swap; the handshake below goes through
	// request, which takes the read lock.
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}

	return nil
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.cancel()
	c.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.closeOnce.Do(func() { close(c.eventChan) })
	case <-time.After(2 * time.Second):
		// The read loop is stuck; leave the channel open rather than
		// race its last send.
	}
	return nil
}

// close drops the connection and fails every pending request.
func (c *IPCClient) close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// SessionID returns the session ID assigned by the server
func (c *IPCClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ServerVersion returns the version the daemon reported.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Permission returns the access level the daemon granted.
func (c *IPCClient) Permission() PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

// Events returns the event channel. It is closed by Close once the read
// loop has exited.
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

func (c *IPCClient) handshake(ctx context.Context) error {
	req := &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}

	var ack HandshakeResponse
	if err := c.call(ctx, MsgHandshake, req, MsgHandshakeAck, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.version = ack.ServerVersion
	c.permission = ack.Permission
	c.mu.Unlock()

	return nil
}

// request sends a request and waits for the matching response.
func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		data, err = Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// call sends a request and decodes the expected response type into out.
// An error response is turned back into its typed error.
func (c *IPCClient) call(ctx context.Context, msgType MessageType, payload any, want MessageType, out any) error {
	resp, err := c.request(ctx, msgType, payload)
	if err != nil {
		return err
	}

	switch resp.Header.Type {
	case want:
	case MsgError:
		var e ErrorResponse
		if err := Decode(resp.Payload, &e); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return e.Err()
	default:
		return fmt.Errorf("unexpected response type: %s", resp.Header.Type)
	}

	if out == nil || len(resp.Payload) == 0 {
		return nil
	}
	return Decode(resp.Payload, out)
}

func (c *IPCClient) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(conn)
}

// readLoop reads messages until the connection fails or Close is called.
func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.close()
			}
			return
		}
		c.handleMessage(msg)
	}
}

// handleMessage processes an incoming message
func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.eventChan <- &event:
		case <-c.ctx.Done():
		default:
			// Channel full, drop event
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, nil, MsgPong, nil)
}

// Status requests the override status
func (c *IPCClient) Status(ctx context.Context, includeKeybox bool) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, MsgStatusRequest, &StatusRequest{IncludeKeybox: includeKeybox}, MsgStatusResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health runs the daemon's component checks.
func (c *IPCClient) Health(ctx context.Context) (*health.Report, error) {
	var resp health.Report
	if err := c.call(ctx, MsgHealthCheck, nil, MsgHealthResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetSpoofEnabled toggles the override, keeping the persisted source.
func (c *IPCClient) SetSpoofEnabled(ctx context.Context, enabled bool) (*TransitionResponse, error) {
	return c.setSpoof(ctx, &SetSpoofEnabledRequest{Enabled: enabled})
}

// Enable turns the override on with the given source.
func (c *IPCClient) Enable(ctx context.Context, mode flags.SourceMode) (*TransitionResponse, error) {
	return c.setSpoof(ctx, &SetSpoofEnabledRequest{Enabled: true, Mode: &mode})
}

// Disable turns the override off.
func (c *IPCClient) Disable(ctx context.Context) (*TransitionResponse, error) {
	return c.setSpoof(ctx, &SetSpoofEnabledRequest{Enabled: false})
}

func (c *IPCClient) setSpoof(ctx context.Context, req *SetSpoofEnabledRequest) (*TransitionResponse, error) {
	var resp TransitionResponse
	if err := c.call(ctx, MsgSetSpoofEnabled, req, MsgSetSpoofEnabledResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ImportKeybox sends a keybox file. Like keybox.Importer.Import, the
// result is non-nil whenever the file was installed, even if the error
// is a *keybox.ImportError.
func (c *IPCClient) ImportKeybox(ctx context.Context, name string, data []byte) (*keybox.Result, error) {
	req := &ImportKeyboxRequest{
		Name:         name,
		Data:         data,
		ExpectedSize: int64(len(data)),
	}

	var resp ImportKeyboxResponse
	if err := c.call(ctx, MsgImportKeybox, req, MsgImportKeyboxResp, &resp); err != nil {
		return nil, err
	}
	return resp.Result, resp.Error.Err()
}

// Reload asks the daemon to have the attestation service reload.
func (c *IPCClient) Reload(ctx context.Context) (*ReloadKeyboxResponse, error) {
	var resp ReloadKeyboxResponse
	if err := c.call(ctx, MsgReloadKeybox, nil, MsgReloadKeyboxResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe subscribes to events. No types means all events.
func (c *IPCClient) Subscribe(ctx context.Context, events ...override.EventType) error {
	var resp SubscribeResponse
	if err := c.call(ctx, MsgSubscribe, &SubscribeRequest{Events: events}, MsgSubscribeResp, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("subscription failed")
	}
	return nil
}

// Unsubscribe unsubscribes from events
func (c *IPCClient) Unsubscribe(ctx context.Context) error {
	return c.call(ctx, MsgUnsubscribe, nil, MsgUnsubscribeResp, nil)
}
