// Package bus provides event bus abstractions for Kagan.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Domain event subjects. Events for one entity are delivered to a single
// subscriber in publish order; cross-entity ordering is not guaranteed.
const (
	SubjectProjectCreated   = "project.created"
	SubjectProjectRepoAdded = "project.repo_added"

	SubjectTaskCreated       = "task.created"
	SubjectTaskUpdated       = "task.updated"
	SubjectTaskStatusChanged = "task.status_changed"
	SubjectTaskDeleted       = "task.deleted"

	SubjectWorkspaceProvisioned = "workspace.provisioned"
	SubjectWorkspaceArchived    = "workspace.archived"

	SubjectSessionCreated = "session.created"
	SubjectSessionClosed  = "session.closed"

	SubjectAutomationTaskStarted         = "automation.task_started"
	SubjectAutomationAgentAttached       = "automation.agent_attached"
	SubjectAutomationReviewAgentAttached = "automation.review_agent_attached"
	SubjectAutomationTaskEnded           = "automation.task_ended"

	SubjectMergeCompleted = "merge.completed"
	SubjectMergeFailed    = "merge.failed"

	SubjectJobTransition = "job.transition"
)

// Event represents a message on the event bus
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // Service that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject. Handler failures never
	// propagate to the publisher.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
