package conversation

// Kind is a conformance-level error classification. Kinds are
// compared, not types, so callers can `errors.Is` against the sentinel
// values below regardless of which component raised them.
type Kind string

const (
	KindClosedConversation  Kind = "ClosedConversation"
	KindNoOpenTurn          Kind = "NoOpenTurn"
	KindWrongAuthor         Kind = "WrongAuthor"
	KindDuplicateRequest    Kind = "DuplicateRequest"
	KindUnknownConversation Kind = "UnknownConversation"
	KindUnknownAgent        Kind = "UnknownAgent"
	KindUnauthorized        Kind = "Unauthorized"
	KindInvalidParams       Kind = "InvalidParams"
	KindTimeout             Kind = "Timeout"
	KindTransportClosed     Kind = "TransportClosed"
	KindInternal            Kind = "Internal"
)

// Error is Conductor's sentinel-error type: a comparable Kind plus a
// human message and optional structured data (e.g. the existing event on
// DuplicateRequest).
type Error struct {
	Kind    Kind
	Message string
	Data    any
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// Is lets errors.Is(err, &Error{Kind: KindX}) match purely on Kind, so
// callers don't need to compare messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Sentinel values for errors.Is comparisons against a bare Kind.
var (
	ErrClosedConversation  = newErr(KindClosedConversation, "conversation is closed")
	ErrNoOpenTurn          = newErr(KindNoOpenTurn, "no open turn for this conversation")
	ErrWrongAuthor         = newErr(KindWrongAuthor, "event author does not match the open turn's agent")
	ErrUnknownConversation = newErr(KindUnknownConversation, "conversation not found")
	ErrUnknownAgent        = newErr(KindUnknownAgent, "agent not found")
	ErrUnauthorized        = newErr(KindUnauthorized, "unauthorized")
	ErrInvalidParams       = newErr(KindInvalidParams, "invalid params")
	ErrTimeout             = newErr(KindTimeout, "timed out")
	ErrTransportClosed     = newErr(KindTransportClosed, "transport closed")
)

// DuplicateRequestError carries the previously-appended event so the caller
// can return it unchanged, per the idempotent-send invariant.
func DuplicateRequestError(existing *Event) *Error {
	return &Error{Kind: KindDuplicateRequest, Message: "clientRequestId already appended", Data: existing}
}
