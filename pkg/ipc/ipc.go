// Package ipc defines the capability-addressed request/response
// protocol spoken between the core host and its clients.
package ipc

import (
	"encoding/json"
	"time"
)

// CoreRequest is one client request. Capability and method address the
// operation; SessionID identifies the registered client session.
type CoreRequest struct {
	ID         string         `json:"id,omitempty"`
	SessionID  string         `json:"session_id"`
	Capability string         `json:"capability"`
	Method     string         `json:"method"`
	Params     map[string]any `json:"params,omitempty"`
}

// ErrorDetail carries a failed request's code and context.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// CoreResponse is the host's reply to one CoreRequest.
type CoreResponse struct {
	ID        string          `json:"id,omitempty"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Error codes returned by the host.
const (
	CodeAuthorizationDenied = "AUTHORIZATION_DENIED"
	CodePluginPolicyDenied  = "PLUGIN_POLICY_DENIED"
	CodePluginHandlerError  = "PLUGIN_HANDLER_ERROR"
	CodeRepositoryClosing   = "REPOSITORY_CLOSING"
	CodeInvalidWorktreePath = "INVALID_WORKTREE_PATH"
	CodeSessionCreateFailed = "SESSION_CREATE_FAILED"
	CodeJobRunnerMissing    = "JOB_RUNNER_MISSING"
	CodeJobTerminal         = "JOB_ALREADY_TERMINAL"
	CodeProcessTimeout      = "PROCESS_TIMEOUT"
	CodeProcessNonzeroExit  = "PROCESS_NONZERO_EXIT"
	CodeProcessOSError      = "PROCESS_OS_ERROR"
	CodeUnknownSession      = "UNKNOWN_SESSION"
	CodeUnknownMethod       = "UNKNOWN_METHOD"
	CodeValidation          = "VALIDATION_ERROR"
	CodeCoreInternalError   = "CORE_INTERNAL_ERROR"
)

// NewResult builds a successful response with the payload marshalled
// into Result.
func NewResult(id string, payload any) (*CoreResponse, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &CoreResponse{
		ID:        id,
		OK:        true,
		Result:    raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewError builds a failed response.
func NewError(id, code, message string, details map[string]any) *CoreResponse {
	return &CoreResponse{
		ID: id,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}
}

// DecodeResult unmarshals a response's result into v.
func (r *CoreResponse) DecodeResult(v any) error {
	if r.Result == nil {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}
