package jsonrpc

import (
	"errors"

	"github.com/agentweave/conductor/conversation"
)

// codeForError maps a domain error to its JSON-RPC
// error code plus any structured Data to attach (e.g. the
// existing event on DuplicateRequest).
func codeForError(err error) (code int, message string, data any) {
	var convErr *conversation.Error
	if errors.As(err, &convErr) {
		switch convErr.Kind {
		case conversation.KindUnauthorized:
			return CodeUnauthorized, convErr.Message, nil
		case conversation.KindUnknownConversation:
			return CodeConversationNotFound, convErr.Message, nil
		case conversation.KindClosedConversation:
			return CodeClosedConversation, convErr.Message, nil
		case conversation.KindWrongAuthor:
			return CodeWrongAuthor, convErr.Message, nil
		case conversation.KindDuplicateRequest:
			return CodeDuplicateRequest, convErr.Message, convErr.Data
		case conversation.KindInvalidParams:
			return CodeInvalidParams, convErr.Message, nil
		case conversation.KindNoOpenTurn, conversation.KindUnknownAgent:
			return CodeInvalidParams, convErr.Message, nil
		case conversation.KindTimeout:
			return CodeInternalError, convErr.Message, nil
		default:
			return CodeInternalError, convErr.Message, nil
		}
	}
	return CodeInternalError, err.Error(), nil
}
