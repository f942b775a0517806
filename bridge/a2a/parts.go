package a2a

import (
	"encoding/base64"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/agentweave/conductor/conversation"
)

// attachmentPartKind marks a DataPart as carrying an encoded attachment
// rather than arbitrary structured data.
const attachmentPartKind = "conductor:attachment"

// payloadFromParts converts inbound A2A message parts into a Payload. Text
// parts concatenate; DataParts tagged attachmentPartKind decode back into
// Attachments.
func payloadFromParts(parts []a2a.Part) conversation.Payload {
	var payload conversation.Payload
	for _, part := range parts {
		switch p := part.(type) {
		case a2a.TextPart:
			payload.Text += p.Text
		case a2a.DataPart:
			if att, ok := attachmentFromData(p.Data); ok {
				payload.Attachments = append(payload.Attachments, att)
			}
		}
	}
	return payload
}

// partsFromPayload is the inverse of payloadFromParts, used when emitting
// internal events as A2A artifact/message parts.
func partsFromPayload(payload conversation.Payload) []a2a.Part {
	var parts []a2a.Part
	if payload.Text != "" {
		parts = append(parts, a2a.TextPart{Text: payload.Text})
	}
	for _, att := range payload.Attachments {
		parts = append(parts, a2a.DataPart{Data: dataFromAttachment(att)})
	}
	return parts
}

// dataFromAttachment base64-encodes the attachment's UTF-8 bytes so they
// round-trip through the A2A wire format untouched.
func dataFromAttachment(att conversation.Attachment) map[string]any {
	return map[string]any{
		"kind":     attachmentPartKind,
		"name":     att.Name,
		"mimeType": att.MimeType,
		"uri":      att.URI,
		"bytes":    base64.StdEncoding.EncodeToString(att.Bytes),
	}
}

func attachmentFromData(data map[string]any) (conversation.Attachment, bool) {
	kind, _ := data["kind"].(string)
	if kind != attachmentPartKind {
		return conversation.Attachment{}, false
	}

	att := conversation.Attachment{
		Name:     stringField(data, "name"),
		MimeType: stringField(data, "mimeType"),
		URI:      stringField(data, "uri"),
	}
	if encoded := stringField(data, "bytes"); encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err == nil {
			att.Bytes = decoded
		}
	}
	return att, true
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}
