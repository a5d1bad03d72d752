package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kagan-dev/kagan/internal/common/logger"
)

type testPlugin struct {
	manifest Manifest
	register func(api RegistrationAPI) error
}

func (p *testPlugin) Manifest() Manifest                { return p.manifest }
func (p *testPlugin) Register(api RegistrationAPI) error { return p.register(api) }

func manifestFor(id string) Manifest {
	return Manifest{ID: id, Name: id, Version: "1.0.0", Entrypoint: id + "/main"}
}

func echoSpec(capability, method string) OperationSpec {
	return OperationSpec{
		Capability:     capability,
		Method:         method,
		MinimumProfile: ProfileViewer,
		Handler: func() (Handler, error) {
			return func(_ context.Context, params map[string]any) (any, error) {
				return params["value"], nil
			}, nil
		},
	}
}

func TestRegisterAndInvoke(t *testing.T) {
	reg := NewRegistry(logger.Default())
	p := &testPlugin{
		manifest: manifestFor("tracker"),
		register: func(api RegistrationAPI) error {
			return api.AddOperation(echoSpec("tracker", "echo"))
		},
	}
	if err := reg.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	op, err := reg.Lookup("tracker", "echo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	got, err := reg.Invoke(context.Background(), op, "sess-1", ProfileViewer, map[string]any{"value": "hello"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != "hello" {
		t.Errorf("result = %v, want hello", got)
	}
}

func TestRecordManifestListsDiscoveredPlugin(t *testing.T) {
	reg := NewRegistry(logger.Default())

	if err := reg.RecordManifest(manifestFor("tracker")); err != nil {
		t.Fatalf("record: %v", err)
	}
	manifests := reg.Manifests()
	if len(manifests) != 1 || manifests[0].ID != "tracker" {
		t.Fatalf("manifests = %+v, want the recorded one", manifests)
	}

	if err := reg.RecordManifest(manifestFor("tracker")); !errors.Is(err, ErrDuplicatePlugin) {
		t.Fatalf("duplicate record err = %v, want ErrDuplicatePlugin", err)
	}
	if err := reg.RecordManifest(Manifest{Name: "no id"}); err == nil {
		t.Fatal("invalid manifest accepted")
	}
}

func TestDuplicatePluginRejected(t *testing.T) {
	reg := NewRegistry(logger.Default())
	register := func(api RegistrationAPI) error {
		return api.AddOperation(echoSpec("tracker", "echo"))
	}
	if err := reg.Register(&testPlugin{manifest: manifestFor("tracker"), register: register}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := reg.Register(&testPlugin{
		manifest: manifestFor("tracker"),
		register: func(api RegistrationAPI) error {
			return api.AddOperation(echoSpec("tracker", "other"))
		},
	})
	if !errors.Is(err, ErrDuplicatePlugin) {
		t.Fatalf("err = %v, want ErrDuplicatePlugin", err)
	}
}

func TestMethodOwnershipExclusive(t *testing.T) {
	reg := NewRegistry(logger.Default())
	if err := reg.Register(&testPlugin{
		manifest: manifestFor("first"),
		register: func(api RegistrationAPI) error {
			return api.AddOperation(echoSpec("tracker", "echo"))
		},
	}); err != nil {
		t.Fatalf("first register: %v", err)
	}

	err := reg.Register(&testPlugin{
		manifest: manifestFor("second"),
		register: func(api RegistrationAPI) error {
			return api.AddOperation(echoSpec("tracker", "echo"))
		},
	})
	if !errors.Is(err, ErrMethodOwned) {
		t.Fatalf("err = %v, want ErrMethodOwned", err)
	}
	if _, exists := reg.manifests["second"]; exists {
		t.Error("failed plugin left its manifest behind")
	}
}

func TestRegistrationRollsBackOnFailure(t *testing.T) {
	reg := NewRegistry(logger.Default())
	err := reg.Register(&testPlugin{
		manifest: manifestFor("flaky"),
		register: func(api RegistrationAPI) error {
			if err := api.AddOperation(echoSpec("flaky", "first")); err != nil {
				return err
			}
			if err := api.AddOperation(echoSpec("flaky", "second")); err != nil {
				return err
			}
			return errors.New("setup failed")
		},
	})
	if err == nil {
		t.Fatal("expected registration failure")
	}

	if _, err := reg.Lookup("flaky", "first"); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("first op survived rollback: %v", err)
	}
	if _, err := reg.Lookup("flaky", "second"); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("second op survived rollback: %v", err)
	}
	if len(reg.Manifests()) != 0 {
		t.Error("manifest list changed after failed registration")
	}

	// The capability methods are free for a later plugin.
	if err := reg.Register(&testPlugin{
		manifest: manifestFor("flaky"),
		register: func(api RegistrationAPI) error {
			return api.AddOperation(echoSpec("flaky", "first"))
		},
	}); err != nil {
		t.Fatalf("re-register after rollback: %v", err)
	}
}

func TestRegistrationPanicRollsBack(t *testing.T) {
	reg := NewRegistry(logger.Default())
	err := reg.Register(&testPlugin{
		manifest: manifestFor("crashy"),
		register: func(api RegistrationAPI) error {
			_ = api.AddOperation(echoSpec("crashy", "boom"))
			panic("registration exploded")
		},
	})
	if err == nil {
		t.Fatal("expected registration failure")
	}
	if _, err := reg.Lookup("crashy", "boom"); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("op survived panicked registration: %v", err)
	}
}

func TestLazyHandlerResolvedOnce(t *testing.T) {
	reg := NewRegistry(logger.Default())
	resolved := 0
	if err := reg.Register(&testPlugin{
		manifest: manifestFor("lazy"),
		register: func(api RegistrationAPI) error {
			return api.AddOperation(OperationSpec{
				Capability:     "lazy",
				Method:         "run",
				MinimumProfile: ProfileViewer,
				Handler: func() (Handler, error) {
					resolved++
					return func(context.Context, map[string]any) (any, error) {
						return "ok", nil
					}, nil
				},
			})
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if resolved != 0 {
		t.Fatal("handler resolved eagerly at registration")
	}

	op, err := reg.Lookup("lazy", "run")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := reg.Invoke(context.Background(), op, "sess-1", ProfileViewer, nil); err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}
	if resolved != 1 {
		t.Errorf("handler resolved %d times, want 1", resolved)
	}
}

func TestInvokeProfileGate(t *testing.T) {
	reg := NewRegistry(logger.Default())
	if err := reg.Register(&testPlugin{
		manifest: manifestFor("admin"),
		register: func(api RegistrationAPI) error {
			spec := echoSpec("admin", "wipe")
			spec.MinimumProfile = ProfileMaintainer
			spec.Mutating = true
			return api.AddOperation(spec)
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	op, err := reg.Lookup("admin", "wipe")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	if _, err := reg.Invoke(context.Background(), op, "sess-1", ProfileOperator, nil); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("operator err = %v, want ErrAuthorizationDenied", err)
	}
	if _, err := reg.Invoke(context.Background(), op, "sess-1", ProfileMaintainer, nil); err != nil {
		t.Errorf("maintainer err = %v, want nil", err)
	}
}

func TestInvokePolicyHookDenies(t *testing.T) {
	reg := NewRegistry(logger.Default())
	if err := reg.Register(&testPlugin{
		manifest: manifestFor("guarded"),
		register: func(api RegistrationAPI) error {
			spec := echoSpec("guarded", "push")
			spec.Policy = func(_ context.Context, _, _ string, sessionID string, _ CapabilityProfile, _ map[string]any) PolicyDecision {
				if sessionID == "sess-blocked" {
					return PolicyDecision{Code: "REPO_FROZEN", Message: "repository is frozen"}
				}
				return PolicyDecision{Allowed: true}
			}
			return api.AddOperation(spec)
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	op, err := reg.Lookup("guarded", "push")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	_, err = reg.Invoke(context.Background(), op, "sess-blocked", ProfileMaintainer, nil)
	var denied *PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want PolicyDeniedError", err)
	}
	if denied.Code != "REPO_FROZEN" || denied.Message != "repository is frozen" {
		t.Errorf("denial = %+v", denied)
	}

	if _, err := reg.Invoke(context.Background(), op, "sess-ok", ProfileMaintainer, map[string]any{"value": 1}); err != nil {
		t.Errorf("allowed session err = %v", err)
	}
}

func TestInvokeWrapsHandlerFaults(t *testing.T) {
	reg := NewRegistry(logger.Default())
	if err := reg.Register(&testPlugin{
		manifest: manifestFor("faulty"),
		register: func(api RegistrationAPI) error {
			if err := api.AddOperation(OperationSpec{
				Capability:     "faulty",
				Method:         "err",
				MinimumProfile: ProfileViewer,
				Handler: func() (Handler, error) {
					return func(context.Context, map[string]any) (any, error) {
						return nil, errors.New("backend unreachable")
					}, nil
				},
			}); err != nil {
				return err
			}
			return api.AddOperation(OperationSpec{
				Capability:     "faulty",
				Method:         "panic",
				MinimumProfile: ProfileViewer,
				Handler: func() (Handler, error) {
					return func(context.Context, map[string]any) (any, error) {
						panic("handler exploded")
					}, nil
				},
			})
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var handlerErr *HandlerError
	op, _ := reg.Lookup("faulty", "err")
	if _, err := reg.Invoke(context.Background(), op, "s", ProfileViewer, nil); !errors.As(err, &handlerErr) {
		t.Fatalf("err = %v, want HandlerError", err)
	}
	if handlerErr.PluginID != "faulty" {
		t.Errorf("plugin id = %s", handlerErr.PluginID)
	}

	op, _ = reg.Lookup("faulty", "panic")
	if _, err := reg.Invoke(context.Background(), op, "s", ProfileViewer, nil); !errors.As(err, &handlerErr) {
		t.Fatalf("panic err = %v, want HandlerError", err)
	}
}

func TestProfileOrdering(t *testing.T) {
	cases := []struct {
		profile CapabilityProfile
		minimum CapabilityProfile
		want    bool
	}{
		{ProfileViewer, ProfileViewer, true},
		{ProfileViewer, ProfileOperator, false},
		{ProfileOperator, ProfileViewer, true},
		{ProfileOperator, ProfileMaintainer, false},
		{ProfileMaintainer, ProfileMaintainer, true},
		{CapabilityProfile("BOGUS"), ProfileViewer, false},
	}
	for _, tc := range cases {
		if got := tc.profile.Allows(tc.minimum); got != tc.want {
			t.Errorf("%s.Allows(%s) = %v, want %v", tc.profile, tc.minimum, got, tc.want)
		}
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.yaml")
	content := `id: tracker
name: Issue Tracker
version: 2.1.0
entrypoint: tracker/plugin
description: syncs tasks with an external tracker
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if m.ID != "tracker" || m.Name != "Issue Tracker" || m.Version != "2.1.0" {
		t.Errorf("manifest = %+v", m)
	}

	if err := os.WriteFile(path, []byte("name: no id\nversion: 1.0.0\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Error("manifest without id should fail validation")
	}
}
