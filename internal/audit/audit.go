// Package audit records security-relevant events.
package audit

import (
	"context"

	"go.uber.org/zap"
)

// Event types.
const (
	EventLogin      = "login"
	EventRefresh    = "refresh"
	EventLogout     = "logout"
	EventRoleGrant  = "role_grant"
	EventRoleRevoke = "role_revoke"
	EventDenied     = "authorization_denied"
)

// Event is one audit record. Reason is a taxonomy kind, never a raw error.
type Event struct {
	Type       string
	UserID     string
	Provider   string
	Target     string
	Outcome    string
	Reason     string
	RemoteAddr string
}

// Auditor receives events. Implementations must not block the request.
type Auditor interface {
	Record(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// ZapAuditor writes events as structured log entries.
type ZapAuditor struct {
	logger *zap.Logger
}

// NewZapAuditor logs events on logger under the "audit" name.
func NewZapAuditor(logger *zap.Logger) *ZapAuditor {
	return &ZapAuditor{logger: logger.Named("audit")}
}

func (a *ZapAuditor) Record(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("event", e.Type),
		zap.String("outcome", e.Outcome),
	}
	if e.UserID != "" {
		fields = append(fields, zap.String("user_id", e.UserID))
	}
	if e.Provider != "" {
		fields = append(fields, zap.String("provider", e.Provider))
	}
	if e.Target != "" {
		fields = append(fields, zap.String("target", e.Target))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.RemoteAddr != "" {
		fields = append(fields, zap.String("remote_addr", e.RemoteAddr))
	}
	a.logger.Info("audit event", fields...)
}
