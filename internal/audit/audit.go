// Package audit persists a write-only trail of every state change in the
// custody engine. Recording is fire-and-forget: a failed audit write is
// logged by the caller and never fails the primary operation.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

type contextKey string

const (
	ctxActorRole contextKey = "audit_actor_role"
	ctxActorID   contextKey = "audit_actor_id"
	ctxIPAddress contextKey = "audit_ip"
	ctxRequestID contextKey = "audit_request_id"
)

// WithActor attaches actor info to the context for audit recording.
func WithActor(ctx context.Context, actorRole, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorRole, actorRole)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithIP attaches the client IP for audit recording.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

// WithRequestID attaches a request ID for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

// ActorFromContext extracts the recorded actor, defaulting to "system"
// for background work (webhooks, sweepers, timers).
func ActorFromContext(ctx context.Context) (actorRole, actorID, ip, requestID string) {
	if v, ok := ctx.Value(ctxActorRole).(string); ok {
		actorRole = v
	} else {
		actorRole = "system"
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		ip = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}

// Entry represents a single audit record.
type Entry struct {
	ID          int64     `json:"id"`
	ActorRole   string    `json:"actorRole"`
	ActorID     string    `json:"actorId,omitempty"`
	Action      string    `json:"action"`
	EntityType  string    `json:"entityType"`
	EntityID    string    `json:"entityId"`
	BeforeState string    `json:"beforeState,omitempty"`
	AfterState  string    `json:"afterState,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	RequestID   string    `json:"requestId,omitempty"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry *Entry) error
}

// Querier reads audit entries back for operator review.
type Querier interface {
	Query(ctx context.Context, entityType, entityID string, from, to time.Time, limit int) ([]*Entry, error)
}

// Transition builds an entry for a status change on an entity, filling
// actor fields from the context.
func Transition(ctx context.Context, entityType, entityID, action, before, after string) *Entry {
	role, id, ip, reqID := ActorFromContext(ctx)
	return &Entry{
		ActorRole:   role,
		ActorID:     id,
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		BeforeState: before,
		AfterState:  after,
		RequestID:   reqID,
		IPAddress:   ip,
	}
}

// DetailJSON marshals extra structured detail onto an entry.
func (e *Entry) DetailJSON(v any) *Entry {
	b, err := json.Marshal(v)
	if err != nil {
		return e
	}
	e.Detail = string(b)
	return e
}
