package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an Error.
type Code string

const (
	CodeNotMember              Code = "not_member"
	CodePermissionDenied       Code = "permission_denied"
	CodeInvalidTransition      Code = "invalid_transition"
	CodeAlreadyAccepted        Code = "already_accepted"
	CodeNotReadyToSettle       Code = "not_ready_to_settle"
	CodeDuplicateSubmission    Code = "duplicate_submission"
	CodeInvalidApplicant       Code = "invalid_applicant"
	CodeSettlementRetryable    Code = "settlement_retryable"
	CodeSettlementFailed       Code = "settlement_failed"
	CodeConcurrentModification Code = "concurrent_modification"
	CodeNotFound               Code = "not_found"
	CodeQuotaExceeded          Code = "quota_exceeded"
	CodeUnknownPermission      Code = "unknown_permission"
	CodeInvalidInput           Code = "invalid_input"
)

// Error carries enough structure for a caller to decide whether to retry,
// escalate or surface the failure.
type Error struct {
	Code       Code
	TaskID     string
	Status     TaskStatus
	Constraint string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.TaskID != "" {
		fmt.Fprintf(&b, " (task=%s", e.TaskID)
		if e.Status != "" {
			fmt.Fprintf(&b, " status=%s", e.Status)
		}
		b.WriteString(")")
	}
	if e.Constraint != "" {
		fmt.Fprintf(&b, " [%s]", e.Constraint)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether re-running the whole operation may succeed.
func (e *Error) Retryable() bool {
	return e.Code == CodeSettlementRetryable || e.Code == CodeConcurrentModification
}

// Details renders the structured fields for transport layers.
func (e *Error) Details() map[string]any {
	d := map[string]any{}
	if e.TaskID != "" {
		d["task_id"] = e.TaskID
	}
	if e.Status != "" {
		d["status"] = string(e.Status)
	}
	if e.Constraint != "" {
		d["constraint"] = e.Constraint
	}
	return d
}

var (
	ErrNotMember              = &Error{Code: CodeNotMember}
	ErrPermissionDenied       = &Error{Code: CodePermissionDenied}
	ErrInvalidTransition      = &Error{Code: CodeInvalidTransition}
	ErrAlreadyAccepted        = &Error{Code: CodeAlreadyAccepted}
	ErrNotReadyToSettle       = &Error{Code: CodeNotReadyToSettle}
	ErrDuplicateSubmission    = &Error{Code: CodeDuplicateSubmission}
	ErrInvalidApplicant       = &Error{Code: CodeInvalidApplicant}
	ErrSettlementRetryable    = &Error{Code: CodeSettlementRetryable}
	ErrSettlementFailed       = &Error{Code: CodeSettlementFailed}
	ErrConcurrentModification = &Error{Code: CodeConcurrentModification}
	ErrNotFound               = &Error{Code: CodeNotFound}
	ErrQuotaExceeded          = &Error{Code: CodeQuotaExceeded}
	ErrUnknownPermission      = &Error{Code: CodeUnknownPermission}
	ErrInvalidInput           = &Error{Code: CodeInvalidInput}
)

// TaskError builds an Error bound to a task and its observed status.
func TaskError(code Code, t Task, constraint string) *Error {
	return &Error{Code: code, TaskID: t.ID, Status: t.Status, Constraint: constraint}
}

func InvalidInput(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the Code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
