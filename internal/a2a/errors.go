package a2a

import (
	"errors"
	"time"
)

var (
	ErrInvalidFormat         = errors.New("invalid format")
	ErrBusinessRuleViolation = errors.New("business rule violation")
	ErrSignatureInvalid      = errors.New("signature invalid")
	ErrQueueFull             = errors.New("message queue full")
	ErrAgentNotFound         = errors.New("agent not found")
	ErrAllTransportsFailed   = errors.New("all transports failed")
	ErrDecryptionFailed      = errors.New("decryption failed")
	ErrEncryptionFailed      = errors.New("encryption failed")
	ErrCertificateExpired    = errors.New("certificate expired")
	ErrCertificateInvalid    = errors.New("certificate invalid")
	ErrDuplicateMessage      = errors.New("duplicate message")
	ErrMessageFiltered       = errors.New("message filtered by routing rule")
)

// ErrorCode is the stable code reported in failed receipts.
type ErrorCode string

const (
	CodeInvalidFormat         ErrorCode = "INVALID_FORMAT"
	CodeBusinessRuleViolation ErrorCode = "BUSINESS_RULE_VIOLATION"
	CodeSignatureInvalid      ErrorCode = "SIGNATURE_INVALID"
	CodeQueueFull             ErrorCode = "QUEUE_FULL"
	CodeAgentNotFound         ErrorCode = "AGENT_NOT_FOUND"
	CodeAllTransportsFailed   ErrorCode = "ALL_TRANSPORTS_FAILED"
	CodeDecryptionFailed      ErrorCode = "DECRYPTION_FAILED"
	CodeEncryptionFailed      ErrorCode = "ENCRYPTION_FAILED"
	CodeCertificateExpired    ErrorCode = "CERTIFICATE_EXPIRED"
	CodeCertificateInvalid    ErrorCode = "CERTIFICATE_INVALID"
	CodeDuplicateMessage      ErrorCode = "DUPLICATE_MESSAGE"
	CodeMessageFiltered       ErrorCode = "MESSAGE_FILTERED"
	CodeInternal              ErrorCode = "INTERNAL_ERROR"
)

var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrBusinessRuleViolation, CodeBusinessRuleViolation},
	{ErrInvalidFormat, CodeInvalidFormat},
	{ErrSignatureInvalid, CodeSignatureInvalid},
	{ErrQueueFull, CodeQueueFull},
	{ErrAgentNotFound, CodeAgentNotFound},
	{ErrAllTransportsFailed, CodeAllTransportsFailed},
	{ErrDecryptionFailed, CodeDecryptionFailed},
	{ErrEncryptionFailed, CodeEncryptionFailed},
	{ErrCertificateExpired, CodeCertificateExpired},
	{ErrCertificateInvalid, CodeCertificateInvalid},
	{ErrDuplicateMessage, CodeDuplicateMessage},
	{ErrMessageFiltered, CodeMessageFiltered},
}

// CodeFor maps an error to its receipt code.
func CodeFor(err error) ErrorCode {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}

// ReceiptStatus is the terminal state reported to the caller.
type ReceiptStatus string

const (
	ReceiptCompleted ReceiptStatus = "completed"
	ReceiptFailed    ReceiptStatus = "failed"
)

type ReceiptError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewReceiptError builds the receipt error for err at time now.
func NewReceiptError(err error, now time.Time) *ReceiptError {
	return &ReceiptError{Code: CodeFor(err), Message: err.Error(), Timestamp: now}
}

// RecipientOutcome is the delivery result for one recipient of a message.
type RecipientOutcome struct {
	AgentID   string        `json:"agentId"`
	Status    ReceiptStatus `json:"status"`
	Transport TransportKind `json:"transport,omitempty"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Error     *ReceiptError `json:"error,omitempty"`
}

// MessageReceipt is what RouteMessage returns for every message.
type MessageReceipt struct {
	MessageID  string             `json:"messageId"`
	Status     ReceiptStatus      `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	Recipients []RecipientOutcome `json:"recipients,omitempty"`
	Error      *ReceiptError      `json:"error,omitempty"`
}

// Delivered returns the ids of recipients that received the message.
func (r *MessageReceipt) Delivered() []string {
	var out []string
	for _, o := range r.Recipients {
		if o.Status == ReceiptCompleted {
			out = append(out, o.AgentID)
		}
	}
	return out
}

// Failed returns the ids of recipients that did not receive the message.
func (r *MessageReceipt) Failed() []string {
	var out []string
	for _, o := range r.Recipients {
		if o.Status == ReceiptFailed {
			out = append(out, o.AgentID)
		}
	}
	return out
}
