// Package a2a contains the wire and domain types exchanged between agents.
package a2a

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// ProtocolVersion is the only message version the router accepts.
	ProtocolVersion = "1.0"
	// DefaultContext is the JSON-LD context stamped on messages built by NewMessage.
	DefaultContext = "https://praxis.dev/a2a/v1"
)

type MessageType string

const (
	TypeRequest         MessageType = "REQUEST"
	TypeResponse        MessageType = "RESPONSE"
	TypeError           MessageType = "ERROR"
	TypeEvent           MessageType = "EVENT"
	TypeNotification    MessageType = "NOTIFICATION"
	TypeHeartbeat       MessageType = "HEARTBEAT"
	TypeDiscovery       MessageType = "DISCOVERY"
	TypeCapabilityQuery MessageType = "CAPABILITY_QUERY"
)

// Valid reports whether t is one of the enumerated message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeError, TypeEvent, TypeNotification,
		TypeHeartbeat, TypeDiscovery, TypeCapabilityQuery:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Recipients is the "to" field. On the wire it is either a single agent id or
// an array of ids; a single recipient is written back as a plain string.
type Recipients []string

func (r Recipients) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

func (r *Recipients) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = nil
		return nil
	}
	if data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*r = Recipients{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("a2a: \"to\" must be a string or an array of strings: %w", err)
	}
	*r = many
	return nil
}

// Attachment describes binary content carried next to the body.
type Attachment struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
}

// SignatureEnvelope is the JWS-like detached signature attached to a message.
type SignatureEnvelope struct {
	Protected string           `json:"protected"`
	Signature string           `json:"signature"`
	Header    *SignatureHeader `json:"header,omitempty"`
}

// SignatureHeader repeats the replay-protection parameters in clear text.
type SignatureHeader struct {
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// EncryptionEnvelope carries the JWE-like material of an encrypted body.
type EncryptionEnvelope struct {
	Protected    string `json:"protected"`
	EncryptedKey string `json:"encryptedKey"`
	IV           string `json:"iv"`
	Ciphertext   string `json:"ciphertext"`
	Tag          string `json:"tag"`
}

// Message is a single A2A protocol message.
type Message struct {
	Context       string              `json:"@context"`
	Type          MessageType         `json:"@type"`
	ID            string              `json:"id"`
	Timestamp     time.Time           `json:"timestamp"`
	Version       string              `json:"version"`
	From          string              `json:"from"`
	To            Recipients          `json:"to"`
	ReplyTo       string              `json:"replyTo,omitempty"`
	CorrelationID string              `json:"correlationId,omitempty"`
	Priority      Priority            `json:"priority,omitempty"`
	TTL           *int64              `json:"ttl,omitempty"`
	RequiresAck   bool                `json:"requiresAck,omitempty"`
	Headers       map[string]string   `json:"headers,omitempty"`
	Body          json.RawMessage     `json:"body"`
	Attachments   []Attachment        `json:"attachments,omitempty"`
	Signature     *SignatureEnvelope  `json:"signature,omitempty"`
	Encryption    *EncryptionEnvelope `json:"encryption,omitempty"`
}

// NewMessage builds a message with a fresh id, the current time and the
// default context, version and priority. body is JSON-encoded unless it is
// already a json.RawMessage.
func NewMessage(msgType MessageType, from string, to []string, body any) (*Message, error) {
	var raw json.RawMessage
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		raw = b
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("a2a: encode body: %w", err)
		}
		raw = encoded
	}
	return &Message{
		Context:   DefaultContext,
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Version:   ProtocolVersion,
		From:      from,
		To:        append(Recipients(nil), to...),
		Priority:  PriorityNormal,
		Body:      raw,
	}, nil
}

// HasBody reports whether the message carries a non-null body.
func (m *Message) HasBody() bool {
	trimmed := bytes.TrimSpace(m.Body)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// EffectivePriority returns the priority, defaulting to normal.
func (m *Message) EffectivePriority() Priority {
	if m.Priority == "" {
		return PriorityNormal
	}
	return m.Priority
}

// Key identifies a message for duplicate detection and queue residency.
func (m *Message) Key() string {
	return m.From + "/" + m.ID
}

// Clone returns a deep copy so that callers never share mutable state with
// the router.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.To = append(Recipients(nil), m.To...)
	if m.TTL != nil {
		ttl := *m.TTL
		out.TTL = &ttl
	}
	if m.Headers != nil {
		out.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			out.Headers[k] = v
		}
	}
	if m.Body != nil {
		out.Body = append(json.RawMessage(nil), m.Body...)
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Signature != nil {
		sig := *m.Signature
		if m.Signature.Header != nil {
			hdr := *m.Signature.Header
			sig.Header = &hdr
		}
		out.Signature = &sig
	}
	if m.Encryption != nil {
		enc := *m.Encryption
		out.Encryption = &enc
	}
	return &out
}

// SetHeader sets a header, allocating the map if needed.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Session tracks a conversation keyed by correlation id.
type Session struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"lastActivity"`
	State        string    `json:"state"`
	MessageCount int       `json:"messageCount"`
}

const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionClosed    = "closed"
)
