package biz

import (
	"context"
	"time"
)

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	AuditEventForbidden         AuditEventType = "ACCOUNT_FORBIDDEN"
	AuditEventValidationBlocked AuditEventType = "VALIDATION_BLOCKED"
	AuditEventInvalidGrant      AuditEventType = "INVALID_GRANT"
	AuditEventProtectedModels   AuditEventType = "PROTECTED_MODELS_CHANGED"
	AuditEventRateLimitCleared  AuditEventType = "RATE_LIMIT_CLEARED"
	AuditEventDisabledChanged   AuditEventType = "DISABLED_CHANGED"
	AuditEventReauthorized      AuditEventType = "REAUTHORIZED"
)

// AuditEvent is one persisted account health change.
type AuditEvent struct {
	AccountID string                 `json:"account_id"`
	Type      AuditEventType         `json:"type"`
	Details   map[string]interface{} `json:"details,omitempty"`
	// Operator is "system" for automatic changes.
	Operator string    `json:"operator"`
	At       time.Time `json:"at"`
}

// AuditLogger records account health changes. Implementations must not block
// the caller.
type AuditLogger interface {
	Record(ctx context.Context, event AuditEvent)
}

// AuditReader lists recorded events, newest first. An empty accountID lists
// every account.
type AuditReader interface {
	ListAuditEvents(ctx context.Context, accountID string, limit int) ([]AuditEvent, error)
}

func (tm *TokenManager) audit(ctx context.Context, accountID string, typ AuditEventType, details map[string]interface{}) {
	if tm.auditLog == nil {
		return
	}
	tm.auditLog.Record(ctx, AuditEvent{
		AccountID: accountID,
		Type:      typ,
		Details:   details,
		Operator:  "system",
		At:        tm.now(),
	})
}
