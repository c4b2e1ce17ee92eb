package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/TobiSchelling/autopress/internal/llm"
)

// Kind classifies a generation failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindQuotaExceeded
	KindAuthFailure
	KindMalformedResponse
)

// String returns the wire code for the kind.
func (k Kind) String() string {
	switch k {
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindAuthFailure:
		return "auth_failure"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks against a *GenerationError.
var (
	ErrQuotaExceeded     = errors.New("generation quota exceeded")
	ErrAuthFailure       = errors.New("generation backend authentication failed")
	ErrMalformedResponse = errors.New("malformed generation response")
	ErrUnknown           = errors.New("generation failed")
)

// GenerationError is the only error type GenerateDraft returns.
type GenerationError struct {
	Kind Kind
	// Status is the backend HTTP status, when there was one.
	Status int
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Is(target error) bool {
	switch target {
	case ErrQuotaExceeded:
		return e.Kind == KindQuotaExceeded
	case ErrAuthFailure:
		return e.Kind == KindAuthFailure
	case ErrMalformedResponse:
		return e.Kind == KindMalformedResponse
	case ErrUnknown:
		return e.Kind == KindUnknown
	}
	return false
}

// Retryable reports whether trying again later can succeed without operator
// action. Quota errors should be retried after a back-off, not immediately.
func (e *GenerationError) Retryable() bool {
	return e.Kind == KindQuotaExceeded || e.Kind == KindMalformedResponse
}

var quotaMarkers = []string{"quota", "billing", "rate limit", "rate_limit", "too many requests"}

// classify maps any backend or decoding failure onto the error taxonomy.
// Callers branch on Kind only; raw status codes stop here.
func classify(err error) *GenerationError {
	if err == nil {
		return nil
	}

	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge
	}

	var se *llm.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests:
			return &GenerationError{Kind: KindQuotaExceeded, Status: se.Code, Err: err}
		case se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden:
			return &GenerationError{Kind: KindAuthFailure, Status: se.Code, Err: err}
		case mentionsQuota(se.Body):
			return &GenerationError{Kind: KindQuotaExceeded, Status: se.Code, Err: err}
		}
		return &GenerationError{Kind: KindUnknown, Status: se.Code, Err: err}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, llm.ErrEmptyResponse), errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return &GenerationError{Kind: KindMalformedResponse, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &GenerationError{Kind: KindUnknown, Err: err}
	case mentionsQuota(err.Error()):
		return &GenerationError{Kind: KindQuotaExceeded, Err: err}
	}
	return &GenerationError{Kind: KindUnknown, Err: err}
}

func mentionsQuota(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range quotaMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func malformed(format string, args ...any) *GenerationError {
	return &GenerationError{Kind: KindMalformedResponse, Err: fmt.Errorf(format, args...)}
}
