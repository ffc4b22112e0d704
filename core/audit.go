package core

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions
const (
	AuditLogin          = "auth.login"
	AuditTokenRefresh   = "auth.token_refresh"
	AuditPasswordReset  = "auth.password_reset"
	AuditUploadSigned   = "storage.upload_signed"
	AuditUserCreated    = "user.created"
	AuditUserUpdated    = "user.updated"
	AuditUserDeleted    = "user.deleted"
	AuditSessionExpired = "auth.session_expired"
)

// AuditEvent is a single security-relevant occurrence worth keeping a trail of.
type AuditEvent struct {
	ID         uuid.UUID `json:"id"`
	Action     string    `json:"action"`
	ActorID    string    `json:"actor_id,omitempty"`
	ActorEmail string    `json:"actor_email,omitempty"`
	SchoolID   string    `json:"school_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"` // UTC
}

// AuditSink receives audit events. Implementations must be non-blocking;
// a failure to record an event never fails the operation that produced it.
type AuditSink interface {
	Append(events ...AuditEvent)
}

func NewAuditEvent(action string, detail string) AuditEvent {
	return AuditEvent{
		ID:     uuid.New(),
		Action: action,
		Detail: detail,
		At:     time.Now().UTC(),
	}
}
