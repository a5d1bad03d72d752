// Package host terminates the IPC channel: it registers client
// sessions, routes capability-addressed requests to built-in handlers
// and plugin operations, and exits the core when idle.
package host

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/ids"
	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/plugin"
)

// ClientSession is one registered IPC client.
type ClientSession struct {
	ID          string                   `json:"id"`
	Profile     plugin.CapabilityProfile `json:"profile"`
	ActorType   string                   `json:"actor_type"`
	ActorID     string                   `json:"actor_id"`
	ConnectedAt time.Time                `json:"connected_at"`
}

// SessionRegistry tracks active client sessions and drives the
// idle-timeout lifecycle: when the session count drops to zero a timer
// starts, and onIdle fires if nothing registers before it expires.
type SessionRegistry struct {
	logger      *logger.Logger
	idleTimeout time.Duration
	onIdle      func()

	mu        sync.Mutex
	sessions  map[string]*ClientSession
	idleTimer *time.Timer
}

// NewSessionRegistry creates the registry. A non-positive idleTimeout
// disables the idle lifecycle; onIdle may be nil.
func NewSessionRegistry(idleTimeout time.Duration, onIdle func(), log *logger.Logger) *SessionRegistry {
	if log == nil {
		log = logger.Default()
	}
	return &SessionRegistry{
		logger:      log.WithFields(zap.String("component", "session-registry")),
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
		sessions:    make(map[string]*ClientSession),
	}
}

// Register adds a session and cancels any pending idle timer.
func (r *SessionRegistry) Register(profile plugin.CapabilityProfile, actorType, actorID string) *ClientSession {
	sess := &ClientSession{
		ID:          ids.New(),
		Profile:     profile,
		ActorType:   actorType,
		ActorID:     actorID,
		ConnectedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
	r.mu.Unlock()

	r.logger.Debug("client session registered",
		zap.String("session_id", sess.ID),
		zap.String("profile", string(sess.Profile)),
		zap.String("actor_type", actorType))
	return sess
}

// Unregister removes a session; the last one out arms the idle timer.
func (r *SessionRegistry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return
	}
	delete(r.sessions, sessionID)
	r.logger.Debug("client session unregistered", zap.String("session_id", sessionID))

	if len(r.sessions) == 0 && r.idleTimeout > 0 && r.onIdle != nil {
		if r.idleTimer != nil {
			r.idleTimer.Stop()
		}
		r.idleTimer = time.AfterFunc(r.idleTimeout, func() {
			r.mu.Lock()
			idle := len(r.sessions) == 0
			r.mu.Unlock()
			if idle {
				r.logger.Info("no client sessions, idle timeout reached")
				r.onIdle()
			}
		})
	}
}

// Get looks up a session by ID.
func (r *SessionRegistry) Get(sessionID string) (*ClientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// Count returns the number of active sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
