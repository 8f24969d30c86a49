package model

import (
	"errors"
	"fmt"
	"time"
)

// Input errors are terminal: handlers map them to 4xx responses and the
// retry helpers never retry them.
var (
	ErrEmptyQuery      = errors.New("query is empty")
	ErrUnknownTenant   = errors.New("unknown tenant")
	ErrInvalidRelation = errors.New("invalid relation")
	ErrInvalidConcept  = errors.New("invalid concept")
	ErrInvalidOptions  = errors.New("invalid query options")
)

// ErrUpstreamUnavailable wraps a backend error once its retry budget is
// exhausted.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Backend layer names used in UpstreamError and log attributes.
const (
	LayerVector     = "vector"
	LayerMetadata   = "metadata"
	LayerRelational = "relational"
	LayerEmbedding  = "embedding"
	LayerLLM        = "llm"
)

// DimensionMismatchError reports an embedding whose length differs from the
// collection dimension. Never retried.
type DimensionMismatchError struct {
	Got  int
	Want int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: got %d, want %d", e.Got, e.Want)
}

// QuotaExceededError reports a denied admission and when the window resets.
type QuotaExceededError struct {
	Resource Resource
	ResetAt  time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s, resets at %s", e.Resource, e.ResetAt.UTC().Format(time.RFC3339))
}

// UpstreamError tags a backend failure with the layer that produced it.
// The retry helpers retry these; input errors and deadline expiry pass
// through untouched.
type UpstreamError struct {
	Layer string
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s backend: %v", e.Layer, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsInputError reports whether err is a validation failure that must not be
// retried.
func IsInputError(err error) bool {
	var dim *DimensionMismatchError
	return errors.Is(err, ErrEmptyQuery) ||
		errors.Is(err, ErrUnknownTenant) ||
		errors.Is(err, ErrInvalidRelation) ||
		errors.Is(err, ErrInvalidConcept) ||
		errors.Is(err, ErrInvalidOptions) ||
		errors.As(err, &dim)
}

// IsUpstreamError reports whether err carries an UpstreamError anywhere in
// its chain.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// CodeForError maps an error to its API error code. Shared by the HTTP
// layer and the query log so both report the same taxonomy.
func CodeForError(err error) string {
	var quota *QuotaExceededError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &quota):
		switch quota.Resource {
		case ResourceQueriesPerMinute, ResourceAPICallsPerSecond:
			return ErrCodeRateLimited
		default:
			return ErrCodeQuotaExceeded
		}
	case IsInputError(err):
		return ErrCodeInvalidInput
	case IsUpstreamError(err) || errors.Is(err, ErrUpstreamUnavailable):
		return ErrCodeUpstream
	default:
		return ErrCodeInternalError
	}
}
