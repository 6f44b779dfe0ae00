package audit

import (
	"context"

	"github.com/genfree/realtime/internal/domain"
	"github.com/genfree/realtime/pkg/log"
)

// Audit actions.
const (
	ActionJoin         = "realtime.join"
	ActionLeave        = "realtime.leave"
	ActionAuthFailed   = "realtime.auth_failed"
	ActionSendMessage  = "realtime.send_message"
	ActionAnnouncement = "realtime.announcement"
)

// Field constants for audit entries.
const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit entry for an action by id on channelKey.
func Log(ctx context.Context, action, channelKey string, id domain.Identity, msg string) {
	LogWithDetail(ctx, action, channelKey, id, "", msg)
}

// LogWithDetail is Log with an extra detail field.
func LogWithDetail(ctx context.Context, action, channelKey string, id domain.Identity, detail, msg string) {
	l := log.Ctx(ctx)
	evt := l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldChannelKey, channelKey)
	if id.IsAuth {
		evt = evt.Str(log.FieldUserID, id.UserID)
	} else if id.SessionID != "" {
		evt = evt.Str(log.FieldSessionID, id.SessionID)
	}
	if detail != "" {
		evt = evt.Str(FieldDetail, detail)
	}
	evt.Msg(msg)
}
