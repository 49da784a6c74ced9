package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ProxyLane/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// auditBuffer is how many events may wait for the writer before new ones are dropped.
const auditBuffer = 1000

// AuditLog is the GORM model for account_audit_logs table
type AuditLog struct {
	ID         int64          `gorm:"primaryKey;autoIncrement;column:id"`
	AccountID  string         `gorm:"column:account_id;size:36;not null;index"`
	ActionType string         `gorm:"column:action_type;size:50;not null"`
	Details    datatypes.JSON `gorm:"column:details"`
	Operator   string         `gorm:"column:operator;size:64;not null;default:system"`
	CreatedAt  time.Time      `gorm:"column:created_at;index"`
}

// TableName specifies the table name for GORM
func (AuditLog) TableName() string {
	return "account_audit_logs"
}

// AuditLoggerImpl implements biz.AuditLogger with an async channel writer.
type AuditLoggerImpl struct {
	db      *gorm.DB
	logChan chan *AuditLog
	logger  *log.Helper

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// NewAuditLogger creates a new audit logger and starts its writer. The
// cleanup drains queued events.
func NewAuditLogger(data *Data, logger log.Logger) (*AuditLoggerImpl, func()) {
	al := &AuditLoggerImpl{
		db:      data.db,
		logChan: make(chan *AuditLog, auditBuffer),
		logger:  log.NewHelper(logger),
		done:    make(chan struct{}),
	}
	go al.start()
	return al, al.Close
}

func (a *AuditLoggerImpl) start() {
	defer close(a.done)
	for event := range a.logChan {
		if err := a.db.WithContext(context.Background()).Create(event).Error; err != nil {
			a.logger.Errorw("msg", "failed to write audit log",
				"account_id", event.AccountID,
				"action_type", event.ActionType,
				"error", err)
			continue
		}
		a.logger.Debugw("msg", "audit log written",
			"account_id", event.AccountID,
			"action_type", event.ActionType)
	}
}

// Record queues event without blocking. Events are dropped when the queue is
// full or the logger is closed.
func (a *AuditLoggerImpl) Record(_ context.Context, event biz.AuditEvent) {
	details := []byte("{}")
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			a.logger.Errorw("msg", "failed to marshal audit log details", "error", err)
			return
		}
		details = raw
	}

	operator := event.Operator
	if operator == "" {
		operator = "system"
	}
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}
	row := &AuditLog{
		AccountID:  event.AccountID,
		ActionType: string(event.Type),
		Details:    datatypes.JSON(details),
		Operator:   operator,
		CreatedAt:  at,
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.logChan <- row:
	default:
		a.logger.Warnw("msg", "audit log channel full, dropping event",
			"account_id", event.AccountID,
			"action_type", row.ActionType)
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (a *AuditLoggerImpl) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.logChan)
		a.mu.Unlock()
		<-a.done
	})
}

// ListAuditEvents returns the newest entries first. An empty accountID lists
// every account.
func (a *AuditLoggerImpl) ListAuditEvents(ctx context.Context, accountID string, limit int) ([]biz.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := a.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(limit)
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	var rows []AuditLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}

	events := make([]biz.AuditEvent, 0, len(rows))
	for _, row := range rows {
		ev := biz.AuditEvent{
			AccountID: row.AccountID,
			Type:      biz.AuditEventType(row.ActionType),
			Operator:  row.Operator,
			At:        row.CreatedAt,
		}
		if len(row.Details) > 0 {
			if err := json.Unmarshal(row.Details, &ev.Details); err != nil {
				a.logger.Warnw("msg", "undecodable audit details", "id", row.ID, "error", err)
			}
		}
		events = append(events, ev)
	}
	return events, nil
}
