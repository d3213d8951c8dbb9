// Package ipc is the local control channel between keyboxd and its
// clients.
//
// Every message is a 16-byte header followed by a JSON payload. Requests
// carry a request ID that the response echoes; events pushed to
// subscribers carry server-assigned IDs.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"keyboxd/internal/flags"
	"keyboxd/internal/keybox"
	"keyboxd/internal/override"
	"keyboxd/internal/status"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4B425844 // "KBXD"
)

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 16 * 1024 * 1024

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101
	MsgHealthCheck    MessageType = 0x0102
	MsgHealthResponse MessageType = 0x0103

	// Override control (0x02xx)
	MsgSetSpoofEnabled     MessageType = 0x0200
	MsgSetSpoofEnabledResp MessageType = 0x0201

	// Keybox operations (0x03xx)
	MsgImportKeybox     MessageType = 0x0300
	MsgImportKeyboxResp MessageType = 0x0301
	MsgReloadKeybox     MessageType = 0x0302
	MsgReloadKeyboxResp MessageType = 0x0303

	// Event streaming (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

var messageNames = map[MessageType]string{
	MsgPing:                "ping",
	MsgPong:                "pong",
	MsgHandshake:           "handshake",
	MsgHandshakeAck:        "handshake_ack",
	MsgError:               "error",
	MsgStatusRequest:       "status",
	MsgStatusResponse:      "status_resp",
	MsgHealthCheck:         "health",
	MsgHealthResponse:      "health_resp",
	MsgSetSpoofEnabled:     "set_spoof_enabled",
	MsgSetSpoofEnabledResp: "set_spoof_enabled_resp",
	MsgImportKeybox:        "import_keybox",
	MsgImportKeyboxResp:    "import_keybox_resp",
	MsgReloadKeybox:        "reload_keybox",
	MsgReloadKeyboxResp:    "reload_keybox_resp",
	MsgSubscribe:           "subscribe",
	MsgSubscribeResp:       "subscribe_resp",
	MsgUnsubscribe:         "unsubscribe",
	MsgUnsubscribeResp:     "unsubscribe_resp",
	MsgEvent:               "event",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// Mutating reports whether the message changes state and so needs write
// permission.
func (t MessageType) Mutating() bool {
	switch t {
	case MsgSetSpoofEnabled, MsgImportKeybox, MsgReloadKeybox:
		return true
	default:
		return false
	}
}

// PermissionLevel defines client access levels
type PermissionLevel uint8

const (
	PermReadOnly  PermissionLevel = 0x01
	PermReadWrite PermissionLevel = 0x02
)

func (p PermissionLevel) String() string {
	switch p {
	case PermReadOnly:
		return "read-only"
	case PermReadWrite:
		return "read-write"
	default:
		return "none"
	}
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message as a single write so concurrent writers on
// the same connection cannot interleave.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(m.Payload))
	h := m.Header
	h.Length = uint32(len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	buf = append(buf, m.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	Permission      PermissionLevel `json:"permission"`
	PeerUID         *uint32         `json:"peer_uid,omitempty"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`

	// Kind is the import error kind for CodeImportFailed.
	Kind string `json:"kind,omitempty"`

	// Key is the flag key for CodeWriteFailed.
	Key string `json:"key,omitempty"`
}

// Error codes
const (
	CodeUnknown          = 1
	CodeInvalidRequest   = 2
	CodePermissionDenied = 4
	CodeInternalError    = 5
	CodeWriteFailed      = 10
	CodeImportFailed     = 11
	CodeReloadFailed     = 12
	CodeReadFailed       = 13
)

// StatusRequest requests the override status
type StatusRequest struct {
	IncludeKeybox bool `json:"include_keybox,omitempty"`
}

// StatusResponse contains the override status
type StatusResponse struct {
	Snapshot status.Snapshot  `json:"snapshot"`
	Fields   []status.Field   `json:"fields"`
	State    override.State   `json:"state"`
	Keybox   *keybox.FileInfo `json:"keybox,omitempty"`
	Version  string           `json:"version"`
	Uptime   string           `json:"uptime"`
}

// SetSpoofEnabledRequest toggles the override. Mode, when set, selects
// the source at the same time; otherwise the persisted mode is kept.
type SetSpoofEnabledRequest struct {
	Enabled bool              `json:"enabled"`
	Mode    *flags.SourceMode `json:"mode,omitempty"`
}

// TransitionResponse reports the outcome of a toggle.
type TransitionResponse struct {
	From          override.State   `json:"from"`
	To            override.State   `json:"to"`
	EffectiveMode flags.SourceMode `json:"effective_mode"`
	Fallback      bool             `json:"fallback,omitempty"`
	ReloadError   string           `json:"reload_error,omitempty"`
}

// ImportKeyboxRequest carries a whole keybox file.
type ImportKeyboxRequest struct {
	Name string `json:"name,omitempty"`
	Data []byte `json:"data"`

	// ExpectedSize is the size the client believes it sent.
	ExpectedSize int64 `json:"expected_size,omitempty"`
}

// ImportKeyboxResponse reports an import. Result is set whenever the file
// was installed; Error is set whenever the import did not fully succeed.
type ImportKeyboxResponse struct {
	Result *keybox.Result `json:"result,omitempty"`
	Error  *ErrorResponse `json:"error,omitempty"`
}

// ReloadKeyboxResponse acknowledges a reload.
type ReloadKeyboxResponse struct {
	KeyboxLoaded bool `json:"keybox_loaded"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []override.EventType `json:"events"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed event
type Event = override.Event

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	return newErrorResponse(requestID, &ErrorResponse{Code: code, Message: message})
}

func newErrorResponse(requestID uint32, e *ErrorResponse) *Message {
	payload, _ := Encode(e)
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}

func uptimeString(since time.Time) string {
	return time.Since(since).Round(time.Second).String()
}
