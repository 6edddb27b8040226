// Package validator checks A2A messages for structural correctness and
// protocol business rules.
package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/praxis/a2a-router/internal/a2a"
)

const (
	DefaultMaxClockSkew       = 5 * time.Minute
	DefaultMaxTTLSeconds      = 86400
	DefaultMaxAttachmentBytes = 100 * 1024 * 1024
)

var (
	idPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	didPattern = regexp.MustCompile(`^did:[a-z0-9]+:[A-Za-z0-9._:%-]+$`)
)

// IsAgentID reports whether s matches the agent DID pattern.
func IsAgentID(s string) bool {
	return didPattern.MatchString(s)
}

// ValidationError reports every violation found in one pass. Kind is either
// a2a.ErrInvalidFormat or a2a.ErrBusinessRuleViolation and is what errors.Is
// matches against.
type ValidationError struct {
	Kind       error
	Violations error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Violations)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

// Messages returns each violation as a string.
func (e *ValidationError) Messages() []string {
	errs := multierr.Errors(e.Violations)
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}

type Validator struct {
	clock              clock.Clock
	maxClockSkew       time.Duration
	maxTTLSeconds      int64
	maxAttachmentBytes int64
}

type Option func(*Validator)

func WithClock(c clock.Clock) Option {
	return func(v *Validator) { v.clock = c }
}

func WithMaxClockSkew(d time.Duration) Option {
	return func(v *Validator) { v.maxClockSkew = d }
}

func WithMaxAttachmentBytes(n int64) Option {
	return func(v *Validator) { v.maxAttachmentBytes = n }
}

func New(opts ...Option) *Validator {
	v := &Validator{
		clock:              clock.New(),
		maxClockSkew:       DefaultMaxClockSkew,
		maxTTLSeconds:      DefaultMaxTTLSeconds,
		maxAttachmentBytes: DefaultMaxAttachmentBytes,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the structural pass and, only if it succeeds, the business
// rule pass. It never mutates msg.
func (v *Validator) Validate(msg *a2a.Message) error {
	if msg == nil {
		return &ValidationError{Kind: a2a.ErrInvalidFormat, Violations: errors.New("message is nil")}
	}
	if err := v.checkStructure(msg); err != nil {
		return &ValidationError{Kind: a2a.ErrInvalidFormat, Violations: err}
	}
	if err := v.checkBusinessRules(msg); err != nil {
		return &ValidationError{Kind: a2a.ErrBusinessRuleViolation, Violations: err}
	}
	return nil
}

func (v *Validator) checkStructure(msg *a2a.Message) error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if msg.Context == "" {
		add("@context is required")
	}
	switch {
	case msg.Type == "":
		add("@type is required")
	case !msg.Type.Valid():
		add("@type %q is not a known message type", msg.Type)
	}
	switch {
	case msg.ID == "":
		add("id is required")
	case !idPattern.MatchString(msg.ID):
		add("id %q contains invalid characters", msg.ID)
	}
	if msg.Timestamp.IsZero() {
		add("timestamp is required")
	}
	switch {
	case msg.Version == "":
		add("version is required")
	case msg.Version != a2a.ProtocolVersion:
		add("version %q is not supported", msg.Version)
	}
	switch {
	case msg.From == "":
		add("from is required")
	case !IsAgentID(msg.From):
		add("from %q is not a valid agent id", msg.From)
	}
	if len(msg.To) == 0 {
		add("to is required")
	}
	for _, to := range msg.To {
		if !IsAgentID(to) {
			add("to %q is not a valid agent id", to)
		}
	}
	if msg.ReplyTo != "" && !IsAgentID(msg.ReplyTo) {
		add("replyTo %q is not a valid agent id", msg.ReplyTo)
	}
	if msg.Priority != "" && !msg.Priority.Valid() {
		add("priority %q is not valid", msg.Priority)
	}
	for i, att := range msg.Attachments {
		if att.ID == "" {
			add("attachments[%d].id is required", i)
		}
		if att.MimeType == "" {
			add("attachments[%d].mimeType is required", i)
		}
		if att.Size < 0 {
			add("attachments[%d].size must not be negative", i)
		}
	}
	if msg.Signature != nil && (msg.Signature.Protected == "" || msg.Signature.Signature == "") {
		add("signature requires protected and signature")
	}
	if enc := msg.Encryption; enc != nil {
		if enc.Protected == "" || enc.EncryptedKey == "" || enc.IV == "" || enc.Ciphertext == "" || enc.Tag == "" {
			add("encryption envelope is incomplete")
		}
	}
	return errs
}

func (v *Validator) checkBusinessRules(msg *a2a.Message) error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	skew := v.clock.Now().Sub(msg.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxClockSkew {
		add("timestamp is %s away from now, more than the allowed %s", skew, v.maxClockSkew)
	}

	if msg.TTL != nil && (*msg.TTL < 0 || *msg.TTL > v.maxTTLSeconds) {
		add("ttl %d must be between 0 and %d seconds", *msg.TTL, v.maxTTLSeconds)
	}

	switch msg.Type {
	case a2a.TypeResponse:
		if strings.TrimSpace(msg.CorrelationID) == "" {
			add("RESPONSE messages require correlationId")
		}
	case a2a.TypeRequest:
		if msg.CorrelationID != "" {
			add("REQUEST messages must not carry correlationId")
		}
	}

	if msg.Encryption != nil && msg.HasBody() {
		add("encrypted messages must have a null body")
	}

	// Sizes are non-negative here, so comparing against the remaining budget
	// cannot overflow.
	var total int64
	for _, att := range msg.Attachments {
		if att.Size > v.maxAttachmentBytes-total {
			add("attachments exceed the allowed %d bytes", v.maxAttachmentBytes)
			break
		}
		total += att.Size
	}
	return errs
}
