// Package audit provides security audit logging for SIEM consumption.
// Events are written through a dedicated "security_audit" logger as structured
// fields plus a single JSON document.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/auth"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventInjectionAttempt is logged when libinjection flags a request parameter.
	EventInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventRejectedStatement is logged when a submitted query is not a single read-only statement.
	EventRejectedStatement SecurityEventType = "rejected_statement"
)

// SecurityEvent is one auditable event.
type SecurityEvent struct {
	Timestamp      time.Time         `json:"timestamp"`
	EventType      SecurityEventType `json:"event_type"`
	OrganizationID uuid.UUID         `json:"organization_id"`
	UserID         uuid.UUID         `json:"user_id"`
	DataSourceID   uuid.UUID         `json:"datasource_id"`
	Details        any               `json:"details"`
	Severity       string            `json:"severity"` // warning, critical
}

// InjectionDetails describes a flagged parameter.
type InjectionDetails struct {
	ParamName   string `json:"param_name"`
	Fingerprint string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
}

// SecurityAuditor logs security events.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates an auditor under the "security_audit" logger namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogInjectionAttempt records parameters that libinjection flagged. Parameter
// values are never logged. Logged at ERROR with critical severity.
func (a *SecurityAuditor) LogInjectionAttempt(ctx context.Context, datasourceID uuid.UUID, flagged []InjectionDetails) {
	event := a.event(ctx, EventInjectionAttempt, datasourceID, flagged, "critical")

	names := make([]string, len(flagged))
	for i, f := range flagged {
		names[i] = f.ParamName
	}
	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", marshal(event)),
		zap.String("organization_id", event.OrganizationID.String()),
		zap.String("user_id", event.UserID.String()),
		zap.String("datasource_id", datasourceID.String()),
		zap.Strings("params", names),
		zap.String("severity", event.Severity),
	)
}

// LogRejectedStatement records a query refused by read-only validation. The
// statement text is not logged.
func (a *SecurityAuditor) LogRejectedStatement(ctx context.Context, datasourceID uuid.UUID, reason string) {
	event := a.event(ctx, EventRejectedStatement, datasourceID, map[string]string{"reason": reason}, "warning")

	a.logger.Warn("Query statement rejected",
		zap.String("event_json", marshal(event)),
		zap.String("organization_id", event.OrganizationID.String()),
		zap.String("user_id", event.UserID.String()),
		zap.String("datasource_id", datasourceID.String()),
		zap.String("reason", reason),
		zap.String("severity", event.Severity),
	)
}

func (a *SecurityAuditor) event(ctx context.Context, typ SecurityEventType, datasourceID uuid.UUID, details any, severity string) SecurityEvent {
	return SecurityEvent{
		Timestamp:      time.Now().UTC(),
		EventType:      typ,
		OrganizationID: auth.GetOrganizationIDFromContext(ctx),
		UserID:         auth.GetUserIDFromContext(ctx),
		DataSourceID:   datasourceID,
		Details:        details,
		Severity:       severity,
	}
}

func marshal(event SecurityEvent) string {
	// Marshaling known types cannot fail.
	b, _ := json.Marshal(event)
	return string(b)
}
