package ipc

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"keyboxd/internal/health"
	"keyboxd/internal/keybox"
	"keyboxd/internal/logging"
	"keyboxd/internal/override"
	"keyboxd/internal/security"
)

// DaemonHandler serves keyboxd requests from the override controller.
type DaemonHandler struct {
	ctrl      *override.Controller
	importer  *keybox.Importer
	checker   *health.Checker
	logger    *logging.Logger
	version   string
	startedAt time.Time
	maxImport int64
}

// DaemonHandlerConfig configures the daemon handler
type DaemonHandlerConfig struct {
	Controller *override.Controller
	Importer   *keybox.Importer
	Checker    *health.Checker
	Logger     *logging.Logger
	Version    string

	// MaxImportSize rejects oversized imports before decoding them into
	// the importer. Zero disables the check.
	MaxImportSize int64
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &DaemonHandler{
		ctrl:      cfg.Controller,
		importer:  cfg.Importer,
		checker:   cfg.Checker,
		logger:    logger.WithComponent("ipc"),
		version:   cfg.Version,
		startedAt: time.Now(),
		maxImport: cfg.MaxImportSize,
	}
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	reqID := logging.NewRequestID()
	ctx = logging.ContextWithRequestID(ctx, reqID)
	log := h.logger.WithRequestID(reqID).With("client", client.ID, "type", msg.Header.Type.String())

	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(ctx, log, msg)

	case MsgHealthCheck:
		return h.handleHealthCheck(ctx, msg)

	case MsgSetSpoofEnabled:
		return h.handleSetSpoofEnabled(ctx, log, msg)

	case MsgImportKeybox:
		return h.handleImport(ctx, log, msg)

	case MsgReloadKeybox:
		return h.handleReload(ctx, log, msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

func (h *DaemonHandler) handleStatus(ctx context.Context, log *logging.Logger, msg *Message) (*Message, error) {
	var req StatusRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid status request"), nil
		}
	}

	snap, err := h.ctrl.Status(ctx)
	if err != nil {
		log.Error("status failed", "error", err)
		return newErrorResponse(msg.Header.RequestID, errorResponseFor(err)), nil
	}
	st, err := h.ctrl.State(ctx)
	if err != nil {
		log.Error("state read failed", "error", err)
		return newErrorResponse(msg.Header.RequestID, errorResponseFor(err)), nil
	}

	resp := &StatusResponse{
		Snapshot: snap,
		Fields:   snap.Fields(),
		State:    st,
		Version:  h.version,
		Uptime:   uptimeString(h.startedAt),
	}

	if req.IncludeKeybox && h.importer != nil {
		info, err := h.importer.Stat()
		if err != nil {
			log.Warn("keybox stat failed", "error", err)
		} else {
			resp.Keybox = &info
		}
	}

	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleHealthCheck(ctx context.Context, msg *Message) (*Message, error) {
	if h.checker == nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInternalError, "health checks not configured"), nil
	}
	return NewResponse(MsgHealthResponse, msg.Header.RequestID, h.checker.Report(ctx))
}

func (h *DaemonHandler) handleSetSpoofEnabled(ctx context.Context, log *logging.Logger, msg *Message) (*Message, error) {
	var req SetSpoofEnabledRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid set_spoof_enabled request"), nil
	}

	var (
		t   override.Transition
		err error
	)
	switch {
	case req.Enabled && req.Mode != nil:
		t, err = h.ctrl.Enable(ctx, *req.Mode)
	default:
		t, err = h.ctrl.SetSpoofEnabled(ctx, req.Enabled)
	}
	if err != nil {
		log.Error("override change failed", "enabled", req.Enabled, "error", err)
		return newErrorResponse(msg.Header.RequestID, errorResponseFor(err)), nil
	}

	resp := &TransitionResponse{
		From:          t.From,
		To:            t.To,
		EffectiveMode: t.EffectiveMode,
		Fallback:      t.Fallback,
	}
	if t.ReloadErr != nil {
		resp.ReloadError = t.ReloadErr.Error()
	}
	return NewResponse(MsgSetSpoofEnabledResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleImport(ctx context.Context, log *logging.Logger, msg *Message) (*Message, error) {
	var req ImportKeyboxRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid import request"), nil
	}
	if req.Name != "" {
		if err := security.ValidateDisplayName(req.Name); err != nil {
			return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid import name: "+err.Error()), nil
		}
	}
	if h.maxImport > 0 && int64(len(req.Data)) > h.maxImport {
		err := keybox.NewImportError(keybox.ReadFailed,
			fmt.Errorf("%w: limit %d bytes", keybox.ErrTooLarge, h.maxImport))
		return NewResponse(MsgImportKeyboxResp, msg.Header.RequestID, &ImportKeyboxResponse{Error: errorResponseFor(err)})
	}

	res, err := h.ctrl.RequestImport(ctx, bytes.NewReader(req.Data), override.ImportOptions{
		Name:         req.Name,
		ExpectedSize: req.ExpectedSize,
		ID:           logging.RequestIDFromContext(ctx),
	})

	resp := &ImportKeyboxResponse{Result: res}
	if err != nil {
		log.Warn("keybox import did not complete", "name", req.Name, "installed", res != nil, "error", err)
		resp.Error = errorResponseFor(err)
	}
	return NewResponse(MsgImportKeyboxResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleReload(ctx context.Context, log *logging.Logger, msg *Message) (*Message, error) {
	if err := h.ctrl.Reload(ctx); err != nil {
		log.Warn("reload failed", "error", err)
		return newErrorResponse(msg.Header.RequestID, errorResponseFor(err)), nil
	}

	snap, err := h.ctrl.Status(ctx)
	if err != nil {
		return newErrorResponse(msg.Header.RequestID, errorResponseFor(err)), nil
	}
	return NewResponse(MsgReloadKeyboxResp, msg.Header.RequestID, &ReloadKeyboxResponse{KeyboxLoaded: snap.KeyboxLoaded})
}
