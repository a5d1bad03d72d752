package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/ids"
	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/db"
	"github.com/kagan-dev/kagan/internal/jobs"
	"github.com/kagan-dev/kagan/internal/plugin"
	"github.com/kagan-dev/kagan/internal/procrun"
	"github.com/kagan-dev/kagan/internal/session"
	"github.com/kagan-dev/kagan/internal/task/models"
	"github.com/kagan-dev/kagan/internal/tracing"
	"github.com/kagan-dev/kagan/pkg/ipc"
)

// BuiltinHandler executes one built-in operation for a session.
type BuiltinHandler func(ctx context.Context, sess *ClientSession, params map[string]any) (any, error)

type builtinEntry struct {
	handler        BuiltinHandler
	mutating       bool
	minimumProfile plugin.CapabilityProfile
}

type dispatchKey struct {
	capability string
	method     string
}

// AuditRecorder persists the audit trail for mutating requests.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, event *models.AuditEvent) error
}

// Dispatcher routes CoreRequests to built-in handlers first, then to
// plugin operations through the registry's policy gate.
type Dispatcher struct {
	sessions *SessionRegistry
	plugins  *plugin.Registry
	audit    AuditRecorder
	logger   *logger.Logger

	mu       sync.RWMutex
	builtins map[dispatchKey]builtinEntry
}

// NewDispatcher creates the dispatcher. plugins and audit may be nil.
func NewDispatcher(sessions *SessionRegistry, plugins *plugin.Registry, audit AuditRecorder, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{
		sessions: sessions,
		plugins:  plugins,
		audit:    audit,
		logger:   log.WithFields(zap.String("component", "dispatcher")),
		builtins: make(map[dispatchKey]builtinEntry),
	}
}

// Register adds a built-in operation.
func (d *Dispatcher) Register(capability, method string, mutating bool, minimum plugin.CapabilityProfile, handler BuiltinHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.builtins[dispatchKey{capability: capability, method: method}] = builtinEntry{
		handler:        handler,
		mutating:       mutating,
		minimumProfile: minimum,
	}
}

// Dispatch resolves the session, routes the request, and maps the
// outcome to a CoreResponse. It never propagates a raw error.
func (d *Dispatcher) Dispatch(ctx context.Context, req *ipc.CoreRequest) *ipc.CoreResponse {
	ctx, span := tracing.Tracer("host").Start(ctx, req.Capability+"."+req.Method)
	defer span.End()

	sess, ok := d.sessions.Get(req.SessionID)
	if !ok {
		return ipc.NewError(req.ID, ipc.CodeUnknownSession,
			fmt.Sprintf("unknown session: %s", req.SessionID), nil)
	}

	d.mu.RLock()
	entry, isBuiltin := d.builtins[dispatchKey{capability: req.Capability, method: req.Method}]
	d.mu.RUnlock()

	if isBuiltin {
		if !sess.Profile.Allows(entry.minimumProfile) {
			return ipc.NewError(req.ID, ipc.CodeAuthorizationDenied,
				fmt.Sprintf("%s.%s requires %s", req.Capability, req.Method, entry.minimumProfile), nil)
		}
		result, err := d.callBuiltin(ctx, entry, sess, req)
		resp := d.respond(req, err, result)
		if entry.mutating {
			d.recordAudit(ctx, sess, req, resp)
		}
		return resp
	}

	if d.plugins != nil {
		op, lookupErr := d.plugins.Lookup(req.Capability, req.Method)
		if lookupErr == nil {
			result, err := d.plugins.Invoke(ctx, op, sess.ID, sess.Profile, req.Params)
			resp := d.respond(req, err, result)
			if op.Mutating {
				d.recordAudit(ctx, sess, req, resp)
			}
			return resp
		}
	}

	return ipc.NewError(req.ID, ipc.CodeUnknownMethod,
		fmt.Sprintf("unknown operation: %s.%s", req.Capability, req.Method), nil)
}

// callBuiltin shields the dispatcher from handler panics.
func (d *Dispatcher) callBuiltin(ctx context.Context, entry builtinEntry, sess *ClientSession, req *ipc.CoreRequest) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("built-in handler panicked",
				zap.String("capability", req.Capability),
				zap.String("method", req.Method),
				zap.Any("panic", rec))
			result = nil
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return entry.handler(ctx, sess, req.Params)
}

func (d *Dispatcher) respond(req *ipc.CoreRequest, err error, result any) *ipc.CoreResponse {
	if err != nil {
		code, details := classify(err)
		if code == ipc.CodeCoreInternalError || code == ipc.CodePluginHandlerError {
			d.logger.Error("request failed",
				zap.String("capability", req.Capability),
				zap.String("method", req.Method),
				zap.Error(err))
		}
		return ipc.NewError(req.ID, code, err.Error(), details)
	}

	resp, merr := ipc.NewResult(req.ID, result)
	if merr != nil {
		d.logger.Error("failed to encode result",
			zap.String("capability", req.Capability),
			zap.String("method", req.Method),
			zap.Error(merr))
		return ipc.NewError(req.ID, ipc.CodeCoreInternalError, "failed to encode result", nil)
	}
	return resp
}

// classify maps service errors to IPC error codes.
func classify(err error) (string, map[string]any) {
	var worktreeErr *session.InvalidWorktreePathError
	if errors.As(err, &worktreeErr) {
		return ipc.CodeInvalidWorktreePath, map[string]any{
			"expected_path": worktreeErr.Expected,
			"next_tool":     "sessions_exists",
		}
	}
	var createErr *session.SessionCreateFailedError
	if errors.As(err, &createErr) {
		return ipc.CodeSessionCreateFailed, map[string]any{"backend": createErr.Backend}
	}
	var policyErr *plugin.PolicyDeniedError
	if errors.As(err, &policyErr) {
		return ipc.CodePluginPolicyDenied, map[string]any{
			"code":    policyErr.Code,
			"message": policyErr.Message,
		}
	}
	var handlerErr *plugin.HandlerError
	if errors.As(err, &handlerErr) {
		return ipc.CodePluginHandlerError, map[string]any{"plugin_id": handlerErr.PluginID}
	}
	var procErr *procrun.ProcessError
	if errors.As(err, &procErr) {
		return procErr.Code, map[string]any{"exit_code": procErr.ExitCode}
	}
	switch {
	case errors.Is(err, plugin.ErrAuthorizationDenied):
		return ipc.CodeAuthorizationDenied, nil
	case errors.Is(err, db.ErrRepositoryClosing):
		return ipc.CodeRepositoryClosing, nil
	case errors.Is(err, jobs.ErrRunnerMissing):
		return ipc.CodeJobRunnerMissing, nil
	case errors.Is(err, jobs.ErrJobTerminal):
		return ipc.CodeJobTerminal, nil
	case errors.Is(err, errValidation):
		return ipc.CodeValidation, nil
	}
	return ipc.CodeCoreInternalError, nil
}

// recordAudit appends the audit row for a mutating request. Failures
// are logged, never surfaced; a closing repository skips silently.
func (d *Dispatcher) recordAudit(ctx context.Context, sess *ClientSession, req *ipc.CoreRequest, resp *ipc.CoreResponse) {
	if d.audit == nil {
		return
	}

	payload := "{}"
	if len(req.Params) > 0 {
		if raw, err := json.Marshal(req.Params); err == nil {
			payload = string(raw)
		}
	}
	result := "{}"
	if resp.OK && resp.Result != nil {
		result = string(resp.Result)
	} else if resp.Error != nil {
		if raw, err := json.Marshal(resp.Error); err == nil {
			result = string(raw)
		}
	}

	sessionID := sess.ID
	event := &models.AuditEvent{
		ID:          ids.New(),
		OccurredAt:  time.Now().UTC(),
		ActorType:   sess.ActorType,
		ActorID:     sess.ActorID,
		SessionID:   &sessionID,
		Capability:  req.Capability,
		CommandName: req.Method,
		PayloadJSON: payload,
		ResultJSON:  result,
		Success:     resp.OK,
	}
	if err := d.audit.RecordAudit(ctx, event); err != nil {
		d.logger.Warn("failed to record audit event",
			zap.String("capability", req.Capability),
			zap.String("method", req.Method),
			zap.Error(err))
	}
}
