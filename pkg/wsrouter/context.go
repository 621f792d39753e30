package wsrouter

import "context"

type ctxKey string

const (
	messageTypeKey ctxKey = "message_type"
	messageIdKey   ctxKey = "message_id"
)

func GetMessageTypeFromCtx(ctx context.Context) string {
	messageType, _ := ctx.Value(messageTypeKey).(string)
	return messageType
}

// GetMessageIdFromCtx returns the envelope id of the message being handled,
// or an empty string when the client did not set one.
func GetMessageIdFromCtx(ctx context.Context) string {
	messageId, _ := ctx.Value(messageIdKey).(string)
	return messageId
}
