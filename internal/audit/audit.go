package audit

import (
	"context"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// Audit actions for the relay.
const (
	ActionAuth        = "relay.auth"
	ActionAuthFailed  = "relay.auth_failed"
	ActionSendMessage = "relay.send_message"
	ActionMarkRead    = "relay.mark_read"
	ActionDisconnect  = "relay.disconnect"
)

// Field constants for audit entries.
const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action string, identity domain.Identity, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldIdentity, string(identity)).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action string, identity domain.Identity, detail string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldIdentity, string(identity)).
		Str(FieldDetail, detail).
		Msg(msg)
}
