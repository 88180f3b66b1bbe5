package models

import "fmt"

// ErrorKind classifies failures across the system
type ErrorKind string

const (
	ErrKindConnection        ErrorKind = "connection"
	ErrKindMessageParsing    ErrorKind = "message_parsing"
	ErrKindMessageValidation ErrorKind = "message_validation"
	ErrKindDatabase          ErrorKind = "database"
	ErrKindJobProcessing     ErrorKind = "job_processing"
	ErrKindAuthentication    ErrorKind = "authentication"
	ErrKindRateLimiting      ErrorKind = "rate_limiting"
	ErrKindNetwork           ErrorKind = "network"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindResource          ErrorKind = "resource"
	ErrKindConfiguration     ErrorKind = "configuration"
	ErrKindInternal          ErrorKind = "internal"
)

// Severity grades an error for operators
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CrawlError is a classified error carried across component boundaries
type CrawlError struct {
	Kind     ErrorKind
	Severity Severity
	Message  string
	Err      error
}

func (e *CrawlError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CrawlError) Unwrap() error {
	return e.Err
}

// NewError builds a classified error
func NewError(kind ErrorKind, severity Severity, message string, err error) *CrawlError {
	return &CrawlError{Kind: kind, Severity: severity, Message: message, Err: err}
}
