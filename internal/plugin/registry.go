package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/logger"
)

var (
	// ErrDuplicatePlugin is returned when a plugin ID is already registered.
	ErrDuplicatePlugin = errors.New("plugin id already registered")
	// ErrMethodOwned is returned when a (capability, method) pair is
	// already claimed by another plugin.
	ErrMethodOwned = errors.New("capability method already owned")
	// ErrOperationNotFound is returned by Lookup misses.
	ErrOperationNotFound = errors.New("plugin operation not found")
	// ErrAuthorizationDenied is returned when the session profile is
	// below the operation's minimum.
	ErrAuthorizationDenied = errors.New("session profile below operation minimum")
)

// PolicyDeniedError carries a plugin policy hook's denial verdict.
type PolicyDeniedError struct {
	Code    string
	Message string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("plugin policy denied (%s): %s", e.Code, e.Message)
}

// HandlerError wraps a fault raised by a plugin handler.
type HandlerError struct {
	PluginID string
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("plugin %s handler: %v", e.PluginID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Handler executes one plugin operation.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// HandlerThunk defers loading the handler until the operation first
// fires, so unused plugins cost nothing at startup.
type HandlerThunk func() (Handler, error)

// PolicyDecision is a policy hook's verdict for one request.
type PolicyDecision struct {
	Allowed bool
	Code    string
	Message string
}

// PolicyHook lets a plugin veto individual requests after the profile
// check has passed.
type PolicyHook func(ctx context.Context, capability, method, sessionID string, profile CapabilityProfile, params map[string]any) PolicyDecision

// OperationSpec is what a plugin registers for one capability method.
type OperationSpec struct {
	Capability     string
	Method         string
	Mutating       bool
	MinimumProfile CapabilityProfile
	Handler        HandlerThunk
	Policy         PolicyHook
}

// Operation is a registered plugin operation. The handler is resolved
// at most once, on first fire.
type Operation struct {
	PluginID       string
	Capability     string
	Method         string
	Mutating       bool
	MinimumProfile CapabilityProfile
	Policy         PolicyHook

	thunk      HandlerThunk
	resolve    sync.Once
	handler    Handler
	resolveErr error
}

// Handler resolves and returns the operation's handler.
func (op *Operation) Handler() (Handler, error) {
	op.resolve.Do(func() {
		op.handler, op.resolveErr = op.thunk()
		if op.resolveErr == nil && op.handler == nil {
			op.resolveErr = fmt.Errorf("plugin %s: thunk returned nil handler", op.PluginID)
		}
	})
	return op.handler, op.resolveErr
}

// Plugin is the contract a plugin package fulfils.
type Plugin interface {
	Manifest() Manifest
	Register(api RegistrationAPI) error
}

// RegistrationAPI is the narrow surface handed to Plugin.Register.
type RegistrationAPI interface {
	AddOperation(spec OperationSpec) error
}

type opKey struct {
	capability string
	method     string
}

// Registry holds plugin manifests and their operations under exclusive
// (capability, method) ownership.
type Registry struct {
	logger *logger.Logger

	mu        sync.RWMutex
	manifests map[string]Manifest
	ops       map[opKey]*Operation
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		logger:    log.WithFields(zap.String("component", "plugin-registry")),
		manifests: make(map[string]Manifest),
		ops:       make(map[opKey]*Operation),
	}
}

// recorder stages a single plugin's operations so a failed Register
// leaves the registry untouched.
type recorder struct {
	registry *Registry
	pluginID string
	staged   map[opKey]*Operation
}

func (r *recorder) AddOperation(spec OperationSpec) error {
	if spec.Capability == "" || spec.Method == "" {
		return fmt.Errorf("plugin %s: operation needs capability and method", r.pluginID)
	}
	if spec.Handler == nil {
		return fmt.Errorf("plugin %s: operation %s.%s has no handler", r.pluginID, spec.Capability, spec.Method)
	}
	if spec.MinimumProfile == "" {
		spec.MinimumProfile = ProfileOperator
	}
	if _, err := ParseProfile(string(spec.MinimumProfile)); err != nil {
		return fmt.Errorf("plugin %s: %w", r.pluginID, err)
	}

	key := opKey{capability: spec.Capability, method: spec.Method}
	if existing, taken := r.registry.ops[key]; taken {
		return fmt.Errorf("%w: %s.%s (plugin %s)", ErrMethodOwned, spec.Capability, spec.Method, existing.PluginID)
	}
	if _, taken := r.staged[key]; taken {
		return fmt.Errorf("%w: %s.%s (plugin %s)", ErrMethodOwned, spec.Capability, spec.Method, r.pluginID)
	}

	r.staged[key] = &Operation{
		PluginID:       r.pluginID,
		Capability:     spec.Capability,
		Method:         spec.Method,
		Mutating:       spec.Mutating,
		MinimumProfile: spec.MinimumProfile,
		Policy:         spec.Policy,
		thunk:          spec.Handler,
	}
	return nil
}

// Register runs a plugin's registration transactionally: on any error
// (including a panic inside Register) no state from the plugin survives.
func (r *Registry) Register(p Plugin) (err error) {
	manifest := p.Manifest()
	if verr := manifest.Validate(); verr != nil {
		return verr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.manifests[manifest.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, manifest.ID)
	}

	rec := &recorder{
		registry: r,
		pluginID: manifest.ID,
		staged:   make(map[opKey]*Operation),
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %s panicked during registration: %v", manifest.ID, rec)
		}
	}()
	if err := p.Register(rec); err != nil {
		return fmt.Errorf("plugin %s registration: %w", manifest.ID, err)
	}

	r.manifests[manifest.ID] = manifest
	for key, op := range rec.staged {
		r.ops[key] = op
	}
	r.logger.Info("plugin registered",
		zap.String("plugin_id", manifest.ID),
		zap.String("version", manifest.Version),
		zap.Int("operations", len(rec.staged)))
	return nil
}

// RecordManifest stores a manifest discovered on disk without any
// operations. The plugin's process registers its operations later;
// until then the manifest is still listed by Manifests.
func (r *Registry) RecordManifest(manifest Manifest) error {
	if err := manifest.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.manifests[manifest.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, manifest.ID)
	}
	r.manifests[manifest.ID] = manifest
	return nil
}

// Lookup resolves a registered operation.
func (r *Registry) Lookup(capability, method string) (*Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[opKey{capability: capability, method: method}]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrOperationNotFound, capability, method)
	}
	return op, nil
}

// Manifests lists registered plugins ordered by ID.
func (r *Registry) Manifests() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Operations lists registered operations ordered by capability, method.
func (r *Registry) Operations() []*Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Operation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capability != out[j].Capability {
			return out[i].Capability < out[j].Capability
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// Invoke runs the policy gate and the operation handler. The profile
// check fails with ErrAuthorizationDenied, a policy hook denial with
// *PolicyDeniedError, and handler faults (including panics) with
// *HandlerError.
func (r *Registry) Invoke(ctx context.Context, op *Operation, sessionID string, profile CapabilityProfile, params map[string]any) (result any, err error) {
	if !profile.Allows(op.MinimumProfile) {
		return nil, fmt.Errorf("%w: %s.%s requires %s, session has %s",
			ErrAuthorizationDenied, op.Capability, op.Method, op.MinimumProfile, profile)
	}
	if op.Policy != nil {
		decision := op.Policy(ctx, op.Capability, op.Method, sessionID, profile, params)
		if !decision.Allowed {
			return nil, &PolicyDeniedError{Code: decision.Code, Message: decision.Message}
		}
	}

	handler, err := op.Handler()
	if err != nil {
		return nil, &HandlerError{PluginID: op.PluginID, Err: err}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("plugin handler panicked",
				zap.String("plugin_id", op.PluginID),
				zap.String("capability", op.Capability),
				zap.String("method", op.Method),
				zap.Any("panic", rec))
			result = nil
			err = &HandlerError{PluginID: op.PluginID, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	result, err = handler(ctx, params)
	if err != nil {
		return nil, &HandlerError{PluginID: op.PluginID, Err: err}
	}
	return result, nil
}
