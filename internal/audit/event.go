// Package audit records security and moderation events. Recording is
// append-only and never fails the caller: events are queued and persisted by
// background workers, which also maintain rolling Redis counters for
// dashboards and threshold alerts.
package audit

import (
	"context"
	"time"
)

// EventType classifies an audit event.
type EventType string

const (
	EventAuthSuccess         EventType = "auth_success"
	EventAuthFailure         EventType = "auth_failure"
	EventUnauthorizedAccess  EventType = "unauthorized_access"
	EventPrivilegeEscalation EventType = "privilege_escalation"
	EventRateLimited         EventType = "rate_limited"
	EventFloodDetected       EventType = "flood_detected"
	EventEnumeration         EventType = "enumeration_detected"
	EventMessageBlocked      EventType = "message_blocked"
	EventMessageSent         EventType = "message_sent"
	EventMessageEdited       EventType = "message_edited"
	EventMessageDeleted      EventType = "message_deleted"
	EventMessageReported     EventType = "message_reported"
	EventModerationAction    EventType = "moderation_action"
	EventUserSuspended       EventType = "user_suspended"
	EventSuspiciousActivity  EventType = "suspicious_activity"
)

// EventTypes lists every known type, in display order.
var EventTypes = []EventType{
	EventAuthSuccess,
	EventAuthFailure,
	EventUnauthorizedAccess,
	EventPrivilegeEscalation,
	EventRateLimited,
	EventFloodDetected,
	EventEnumeration,
	EventMessageBlocked,
	EventMessageSent,
	EventMessageEdited,
	EventMessageDeleted,
	EventMessageReported,
	EventModerationAction,
	EventUserSuspended,
	EventSuspiciousActivity,
}

// Severity grades an event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity from lowest to highest.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Event is an immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	ActorID   string         `json:"actor_id,omitempty"`
	TargetID  string         `json:"target_id,omitempty"`
	RoomID    string         `json:"room_id,omitempty"`
	Severity  Severity       `json:"severity"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	Type     EventType
	ActorID  string
	TargetID string
	Severity Severity
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Matches reports whether ev passes the filter, ignoring Limit.
func (f Filter) Matches(ev Event) bool {
	switch {
	case f.Type != "" && ev.Type != f.Type:
		return false
	case f.ActorID != "" && ev.ActorID != f.ActorID:
		return false
	case f.TargetID != "" && ev.TargetID != f.TargetID:
		return false
	case f.Severity != "" && ev.Severity != f.Severity:
		return false
	case !f.Since.IsZero() && ev.CreatedAt.Before(f.Since):
		return false
	case !f.Until.IsZero() && !ev.CreatedAt.Before(f.Until):
		return false
	}
	return true
}

// Store persists events.
type Store interface {
	AppendEvent(ctx context.Context, ev Event) error
	QueryEvents(ctx context.Context, f Filter) ([]Event, error)
}

// Exporter ships events to an external sink.
type Exporter interface {
	Export(ctx context.Context, ev Event) error
	Close() error
}

// Recorder is what other components depend on to write events.
type Recorder interface {
	Record(ctx context.Context, ev Event) string
}
