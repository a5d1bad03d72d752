package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/db"
	"github.com/kagan-dev/kagan/internal/jobs"
	"github.com/kagan-dev/kagan/internal/plugin"
	"github.com/kagan-dev/kagan/internal/procrun"
	"github.com/kagan-dev/kagan/internal/session"
	"github.com/kagan-dev/kagan/internal/task/models"
	"github.com/kagan-dev/kagan/pkg/ipc"
)

type fakeAudit struct {
	mu     sync.Mutex
	events []*models.AuditEvent
	fail   error
}

func (f *fakeAudit) RecordAudit(_ context.Context, event *models.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) recorded() []*models.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.AuditEvent(nil), f.events...)
}

type dispatcherFixture struct {
	registry   *SessionRegistry
	plugins    *plugin.Registry
	audit      *fakeAudit
	dispatcher *Dispatcher
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	fx := &dispatcherFixture{
		registry: NewSessionRegistry(0, nil, logger.Default()),
		plugins:  plugin.NewRegistry(logger.Default()),
		audit:    &fakeAudit{},
	}
	fx.dispatcher = NewDispatcher(fx.registry, fx.plugins, fx.audit, logger.Default())
	return fx
}

func (fx *dispatcherFixture) sessionWith(profile plugin.CapabilityProfile) *ClientSession {
	return fx.registry.Register(profile, "user", "tester")
}

func request(sess *ClientSession, capability, method string, params map[string]any) *ipc.CoreRequest {
	return &ipc.CoreRequest{
		ID:         "req-1",
		SessionID:  sess.ID,
		Capability: capability,
		Method:     method,
		Params:     params,
	}
}

func TestDispatchUnknownSession(t *testing.T) {
	fx := newDispatcherFixture(t)
	resp := fx.dispatcher.Dispatch(context.Background(), &ipc.CoreRequest{
		ID:         "req-1",
		SessionID:  "nope",
		Capability: "tasks",
		Method:     "get",
	})
	if resp.OK {
		t.Fatal("expected failure")
	}
	if resp.Error.Code != ipc.CodeUnknownSession {
		t.Errorf("code = %s, want %s", resp.Error.Code, ipc.CodeUnknownSession)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	fx := newDispatcherFixture(t)
	sess := fx.sessionWith(plugin.ProfileMaintainer)
	resp := fx.dispatcher.Dispatch(context.Background(), request(sess, "tasks", "bogus", nil))
	if resp.Error == nil || resp.Error.Code != ipc.CodeUnknownMethod {
		t.Fatalf("response = %+v, want UNKNOWN_METHOD", resp)
	}
}

func TestDispatchBuiltinProfileGate(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.dispatcher.Register("merge", "merge", true, plugin.ProfileMaintainer,
		func(context.Context, *ClientSession, map[string]any) (any, error) {
			return map[string]any{"merged": true}, nil
		})

	operator := fx.sessionWith(plugin.ProfileOperator)
	resp := fx.dispatcher.Dispatch(context.Background(), request(operator, "merge", "merge", nil))
	if resp.Error == nil || resp.Error.Code != ipc.CodeAuthorizationDenied {
		t.Fatalf("operator response = %+v, want AUTHORIZATION_DENIED", resp)
	}

	maintainer := fx.sessionWith(plugin.ProfileMaintainer)
	resp = fx.dispatcher.Dispatch(context.Background(), request(maintainer, "merge", "merge", nil))
	if !resp.OK {
		t.Fatalf("maintainer response = %+v, want ok", resp)
	}
}

func TestDispatchErrorMapping(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		wantCode    string
		wantDetails map[string]any
	}{
		{
			name:     "repository closing",
			err:      fmt.Errorf("save: %w", db.ErrRepositoryClosing),
			wantCode: ipc.CodeRepositoryClosing,
		},
		{
			name: "invalid worktree path",
			err:  &session.InvalidWorktreePathError{Given: "/tmp/wrong", Expected: "/repo/.kagan/worktrees/t1"},
			wantDetails: map[string]any{
				"expected_path": "/repo/.kagan/worktrees/t1",
				"next_tool":     "sessions_exists",
			},
			wantCode: ipc.CodeInvalidWorktreePath,
		},
		{
			name:     "session create failed",
			err:      &session.SessionCreateFailedError{Backend: "tmux", Err: errors.New("tmux not found")},
			wantCode: ipc.CodeSessionCreateFailed,
		},
		{
			name:     "job runner missing",
			err:      fmt.Errorf("wait: %w", jobs.ErrRunnerMissing),
			wantCode: ipc.CodeJobRunnerMissing,
		},
		{
			name:     "process timeout",
			err:      &procrun.ProcessError{Code: procrun.CodeTimeout, Command: "git"},
			wantCode: ipc.CodeProcessTimeout,
		},
		{
			name:     "validation",
			err:      fmt.Errorf("%w: task_id is required", errValidation),
			wantCode: ipc.CodeValidation,
		},
		{
			name:     "internal",
			err:      errors.New("boom"),
			wantCode: ipc.CodeCoreInternalError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newDispatcherFixture(t)
			fx.dispatcher.Register("fail", "now", false, plugin.ProfileViewer,
				func(context.Context, *ClientSession, map[string]any) (any, error) {
					return nil, tc.err
				})
			sess := fx.sessionWith(plugin.ProfileViewer)
			resp := fx.dispatcher.Dispatch(context.Background(), request(sess, "fail", "now", nil))
			if resp.OK || resp.Error == nil {
				t.Fatalf("response = %+v, want error", resp)
			}
			if resp.Error.Code != tc.wantCode {
				t.Errorf("code = %s, want %s", resp.Error.Code, tc.wantCode)
			}
			for key, want := range tc.wantDetails {
				if got := resp.Error.Details[key]; got != want {
					t.Errorf("details[%s] = %v, want %v", key, got, want)
				}
			}
		})
	}
}

func TestDispatchBuiltinPanicIsInternalError(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.dispatcher.Register("fail", "panic", false, plugin.ProfileViewer,
		func(context.Context, *ClientSession, map[string]any) (any, error) {
			panic("handler exploded")
		})
	sess := fx.sessionWith(plugin.ProfileViewer)
	resp := fx.dispatcher.Dispatch(context.Background(), request(sess, "fail", "panic", nil))
	if resp.Error == nil || resp.Error.Code != ipc.CodeCoreInternalError {
		t.Fatalf("response = %+v, want CORE_INTERNAL_ERROR", resp)
	}
}

func TestDispatchRoutesToPlugin(t *testing.T) {
	fx := newDispatcherFixture(t)
	if err := fx.plugins.Register(&staticPlugin{
		manifest: plugin.Manifest{ID: "tracker", Name: "tracker", Version: "1.0.0"},
		specs: []plugin.OperationSpec{{
			Capability:     "tracker",
			Method:         "sync",
			Mutating:       true,
			MinimumProfile: plugin.ProfileOperator,
			Handler: func() (plugin.Handler, error) {
				return func(_ context.Context, params map[string]any) (any, error) {
					return map[string]any{"synced": params["count"]}, nil
				}, nil
			},
		}},
	}); err != nil {
		t.Fatalf("register plugin: %v", err)
	}

	viewer := fx.sessionWith(plugin.ProfileViewer)
	resp := fx.dispatcher.Dispatch(context.Background(), request(viewer, "tracker", "sync", nil))
	if resp.Error == nil || resp.Error.Code != ipc.CodeAuthorizationDenied {
		t.Fatalf("viewer response = %+v, want AUTHORIZATION_DENIED", resp)
	}

	operator := fx.sessionWith(plugin.ProfileOperator)
	resp = fx.dispatcher.Dispatch(context.Background(), request(operator, "tracker", "sync", map[string]any{"count": 3}))
	if !resp.OK {
		t.Fatalf("operator response = %+v, want ok", resp)
	}
	var result map[string]any
	if err := resp.DecodeResult(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["synced"] != float64(3) {
		t.Errorf("result = %v", result)
	}

	// Plugin operation is mutating: the request was audited.
	events := fx.audit.recorded()
	if len(events) != 1 {
		t.Fatalf("got %d audit events, want 1", len(events))
	}
	if events[0].Capability != "tracker" || events[0].CommandName != "sync" || !events[0].Success {
		t.Errorf("audit event = %+v", events[0])
	}
}

func TestDispatchPolicyDenied(t *testing.T) {
	fx := newDispatcherFixture(t)
	if err := fx.plugins.Register(&staticPlugin{
		manifest: plugin.Manifest{ID: "guarded", Name: "guarded", Version: "1.0.0"},
		specs: []plugin.OperationSpec{{
			Capability:     "guarded",
			Method:         "push",
			MinimumProfile: plugin.ProfileViewer,
			Handler: func() (plugin.Handler, error) {
				return func(context.Context, map[string]any) (any, error) { return nil, nil }, nil
			},
			Policy: func(context.Context, string, string, string, plugin.CapabilityProfile, map[string]any) plugin.PolicyDecision {
				return plugin.PolicyDecision{Code: "FROZEN", Message: "repo frozen"}
			},
		}},
	}); err != nil {
		t.Fatalf("register plugin: %v", err)
	}

	sess := fx.sessionWith(plugin.ProfileMaintainer)
	resp := fx.dispatcher.Dispatch(context.Background(), request(sess, "guarded", "push", nil))
	if resp.Error == nil || resp.Error.Code != ipc.CodePluginPolicyDenied {
		t.Fatalf("response = %+v, want PLUGIN_POLICY_DENIED", resp)
	}
	if resp.Error.Details["code"] != "FROZEN" {
		t.Errorf("details = %v", resp.Error.Details)
	}
}

func TestDispatchAuditsMutatingBuiltins(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.dispatcher.Register("tasks", "update", true, plugin.ProfileOperator,
		func(context.Context, *ClientSession, map[string]any) (any, error) {
			return map[string]any{"updated": true}, nil
		})
	fx.dispatcher.Register("tasks", "get", false, plugin.ProfileViewer,
		func(context.Context, *ClientSession, map[string]any) (any, error) {
			return map[string]any{"id": "t1"}, nil
		})
	sess := fx.sessionWith(plugin.ProfileOperator)

	fx.dispatcher.Dispatch(context.Background(), request(sess, "tasks", "get", map[string]any{"task_id": "t1"}))
	fx.dispatcher.Dispatch(context.Background(), request(sess, "tasks", "update", map[string]any{"task_id": "t1"}))

	events := fx.audit.recorded()
	if len(events) != 1 {
		t.Fatalf("got %d audit events, want 1 (reads are not audited)", len(events))
	}
	ev := events[0]
	if ev.CommandName != "update" || ev.ActorType != "user" || ev.SessionID == nil || *ev.SessionID != sess.ID {
		t.Errorf("audit event = %+v", ev)
	}
	if ev.PayloadJSON != `{"task_id":"t1"}` {
		t.Errorf("payload = %s", ev.PayloadJSON)
	}
}

func TestDispatchAuditFailureDoesNotBreakResponse(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.audit.fail = db.ErrRepositoryClosing
	fx.dispatcher.Register("tasks", "update", true, plugin.ProfileOperator,
		func(context.Context, *ClientSession, map[string]any) (any, error) {
			return map[string]any{"updated": true}, nil
		})
	sess := fx.sessionWith(plugin.ProfileOperator)
	resp := fx.dispatcher.Dispatch(context.Background(), request(sess, "tasks", "update", nil))
	if !resp.OK {
		t.Fatalf("response = %+v, want ok despite audit failure", resp)
	}
}

// staticPlugin registers a fixed set of operations.
type staticPlugin struct {
	manifest plugin.Manifest
	specs    []plugin.OperationSpec
}

func (p *staticPlugin) Manifest() plugin.Manifest { return p.manifest }

func (p *staticPlugin) Register(api plugin.RegistrationAPI) error {
	for _, spec := range p.specs {
		if err := api.AddOperation(spec); err != nil {
			return err
		}
	}
	return nil
}
