package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error values usable with errors.Is
var (
	ErrBadTime              = errors.New("timestamp must be timezone-aware")
	ErrBadInput             = errors.New("invalid input")
	ErrNotFound             = errors.New("not found")
	ErrTransitionNotAllowed = errors.New("transition not allowed")
	ErrUnsupported          = errors.New("unsupported")
	ErrUpstream             = errors.New("upstream unavailable")
	ErrInternal             = errors.New("internal error")
)

// Kind categorizes a pipeline error
type Kind string

const (
	KindBadTime              Kind = "bad_time"
	KindBadInput             Kind = "bad_input"
	KindNotFound             Kind = "not_found"
	KindTransitionNotAllowed Kind = "transition_not_allowed"
	KindUnsupported          Kind = "unsupported"
	KindUpstream             Kind = "upstream"
	KindInternal             Kind = "internal"
)

// PipelineError is a structured error for analytic pipeline operations
type PipelineError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "persist_deviations", "score_bucket")
	Subject   string // Rule id, room, proposal id, or other subject when applicable
	Err       error  // Underlying error
	Timestamp time.Time
}

func (e *PipelineError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *PipelineError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrBadTime:
		return e.Kind == KindBadTime
	case ErrBadInput:
		return e.Kind == KindBadInput
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTransitionNotAllowed:
		return e.Kind == KindTransitionNotAllowed
	case ErrUnsupported:
		return e.Kind == KindUnsupported
	case ErrUpstream:
		return e.Kind == KindUpstream
	case ErrInternal:
		return e.Kind == KindInternal
	}

	return errors.Is(e.Err, target)
}

// New creates a new PipelineError
func New(kind Kind, op, subject string, err error) *PipelineError {
	return &PipelineError{
		Kind:      kind,
		Op:        op,
		Subject:   subject,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Helper constructors

// BadTimef reports a timestamp policy violation at the boundary
func BadTimef(op, format string, args ...any) error {
	return New(KindBadTime, op, "", fmt.Errorf(format, args...))
}

// BadInputf reports a schema or enum violation
func BadInputf(op, format string, args ...any) error {
	return New(KindBadInput, op, "", fmt.Errorf(format, args...))
}

// NotFoundf reports an absent referenced id
func NotFoundf(op, subject, format string, args ...any) error {
	return New(KindNotFound, op, subject, fmt.Errorf(format, args...))
}

// TransitionNotAllowedf reports a disallowed state change
func TransitionNotAllowedf(op, subject, format string, args ...any) error {
	return New(KindTransitionNotAllowed, op, subject, fmt.Errorf(format, args...))
}

// Unsupportedf reports missing baseline data; callers surface it as a
// zero-score reason, never as a request failure
func Unsupportedf(op, subject, format string, args ...any) error {
	return New(KindUnsupported, op, subject, fmt.Errorf(format, args...))
}

// Upstreamf reports an unreachable auxiliary service
func Upstreamf(op, subject string, err error) error {
	return New(KindUpstream, op, subject, err)
}

// Internalf wraps an unexpected failure
func Internalf(op string, err error) error {
	return New(KindInternal, op, "", err)
}

// KindOf classifies any error; plain errors map to KindInternal
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to the boundary status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindBadTime, KindBadInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTransitionNotAllowed:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsUnsupported checks for the baseline-missing condition
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
