package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor (same keys as pkg/middleware)
	FieldUserID    = "user_id"
	FieldUsername  = "username"
	FieldSessionID = "session_id"

	// Realtime
	FieldChannelKey   = "channel_key"
	FieldMembershipID = "membership_id"
	FieldClientID     = "client_id"
	FieldEventType    = "event_type"
	FieldCount        = "count"

	FieldService = "service"

	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
