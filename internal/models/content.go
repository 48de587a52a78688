package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// ContentKind tags the variant held by a Content value.
type ContentKind string

const (
	KindText      ContentKind = "text"
	KindSystem    ContentKind = "system"
	KindToolEvent ContentKind = "tool_event"
	KindPresence  ContentKind = "presence"
	KindOpaque    ContentKind = "opaque"
)

// MaxContentBytes bounds the encoded size of any content payload.
const MaxContentBytes = 64 * 1024

// Content is the message payload. The set of variants is closed.
type Content interface {
	Kind() ContentKind
	isContent()
}

// TextContent is a plain chat body.
type TextContent struct {
	Text string `json:"text"`
}

// SystemContent is a platform notice.
type SystemContent struct {
	Code string `json:"code"`
	Text string `json:"text,omitempty"`
}

// ToolEventContent reports an agent tool invocation.
type ToolEventContent struct {
	Tool  string          `json:"tool"`
	Event string          `json:"event"` // "started", "progress", "finished", "failed"
	Data  json.RawMessage `json:"data,omitempty"`
}

// PresenceContent carries a presence change.
type PresenceContent struct {
	UserID string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}

// OpaqueContent holds payloads of kinds this core does not interpret.
type OpaqueContent struct {
	MediaType string `json:"mediaType"`
	Data      []byte `json:"data"`
}

func (TextContent) Kind() ContentKind      { return KindText }
func (SystemContent) Kind() ContentKind    { return KindSystem }
func (ToolEventContent) Kind() ContentKind { return KindToolEvent }
func (PresenceContent) Kind() ContentKind  { return KindPresence }
func (OpaqueContent) Kind() ContentKind    { return KindOpaque }

func (TextContent) isContent()      {}
func (SystemContent) isContent()    {}
func (ToolEventContent) isContent() {}
func (PresenceContent) isContent()  {}
func (OpaqueContent) isContent()    {}

// contentEnvelope is the wire form: {"kind": "...", "body": {...}}.
type contentEnvelope struct {
	Kind ContentKind     `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// EncodeContent serializes c into its tagged envelope.
func EncodeContent(c Content) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil content", ErrInvalidMessage)
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(contentEnvelope{Kind: c.Kind(), Body: body})
}

// DecodeContent parses and validates a tagged envelope.
func DecodeContent(data []byte) (Content, error) {
	if len(data) > MaxContentBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidMessage, MaxContentBytes)
	}
	var env contentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed content envelope", ErrInvalidMessage)
	}

	var c Content
	var err error
	switch env.Kind {
	case KindText:
		var v TextContent
		err = json.Unmarshal(env.Body, &v)
		c = v
	case KindSystem:
		var v SystemContent
		err = json.Unmarshal(env.Body, &v)
		c = v
	case KindToolEvent:
		var v ToolEventContent
		err = json.Unmarshal(env.Body, &v)
		c = v
	case KindPresence:
		var v PresenceContent
		err = json.Unmarshal(env.Body, &v)
		c = v
	case KindOpaque:
		var v OpaqueContent
		err = json.Unmarshal(env.Body, &v)
		c = v
	default:
		return nil, fmt.Errorf("%w: unknown content kind %q", ErrInvalidMessage, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: malformed %s body", ErrInvalidMessage, env.Kind)
	}
	if err := ValidateContent(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ValidateContent checks the per-variant required fields.
func ValidateContent(c Content) error {
	switch v := c.(type) {
	case TextContent:
		if strings.TrimSpace(v.Text) == "" {
			return fmt.Errorf("%w: text is required", ErrInvalidMessage)
		}
	case SystemContent:
		if v.Code == "" {
			return fmt.Errorf("%w: system code is required", ErrInvalidMessage)
		}
	case ToolEventContent:
		if v.Tool == "" || v.Event == "" {
			return fmt.Errorf("%w: tool and event are required", ErrInvalidMessage)
		}
		if len(v.Data) > 0 && !json.Valid(v.Data) {
			return fmt.Errorf("%w: tool data must be JSON", ErrInvalidMessage)
		}
	case PresenceContent:
		if v.UserID == "" || !v.Status.Valid() {
			return fmt.Errorf("%w: presence requires user and status", ErrInvalidMessage)
		}
	case OpaqueContent:
		if v.MediaType == "" {
			return fmt.Errorf("%w: opaque content requires a media type", ErrInvalidMessage)
		}
	case nil:
		return fmt.Errorf("%w: content is required", ErrInvalidMessage)
	default:
		return fmt.Errorf("%w: unsupported content %T", ErrInvalidMessage, c)
	}
	return nil
}

// ScanText returns the text the security pipeline inspects for c.
func ScanText(c Content) string {
	switch v := c.(type) {
	case TextContent:
		return v.Text
	case SystemContent:
		return v.Code + "\n" + v.Text
	case ToolEventContent:
		return v.Tool + "\n" + v.Event + "\n" + string(v.Data)
	case PresenceContent:
		return v.UserID + "\n" + string(v.Status)
	case OpaqueContent:
		if strings.HasPrefix(v.MediaType, "text/") || v.MediaType == "application/json" {
			return string(v.Data)
		}
		// Binary payloads are scanned in their base64 form so signatures embedded
		// in text-ish blobs are still visible.
		return base64.StdEncoding.EncodeToString(v.Data)
	}
	return ""
}

// KindMatchesType reports whether a content variant may be sent as messages of type t.
func KindMatchesType(k ContentKind, t MessageType) bool {
	switch t {
	case TypeChat:
		return k == KindText || k == KindOpaque
	case TypeSystem:
		return k == KindSystem || k == KindText
	case TypeToolEvent:
		return k == KindToolEvent || k == KindOpaque
	case TypePresence:
		return k == KindPresence
	}
	return false
}
