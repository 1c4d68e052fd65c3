package ledger

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// the write was already applied (identical transaction, or same vote)
	KindDuplicate
	// the account hit a per-account bandwidth or interval limit
	KindRateLimited
	KindNotFound
	// node returned null or an incomplete response; worth an immediate retry
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindDuplicate:
		return "duplicate"
	case KindRateLimited:
		return "rate-limited"
	case KindNotFound:
		return "not-found"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

var ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}

// Error is a decoded platform failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Wrapped    error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		if msg == "" {
			msg = e.Wrapped.Error()
		} else {
			msg = fmt.Sprintf("%s: %s", msg, e.Wrapped)
		}
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("ledger %s error (HTTP %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("ledger %s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// for every not-found failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the ErrorKind from an error chain. Errors that were not
// decoded at the ledger boundary are KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

var duplicatePhrases = []string{
	"duplicate",
	"you have already voted in a similar way",
}

var rateLimitPhrases = []string{
	"may only comment once every",
	"may only post once every",
	"can only vote once every",
	"min_reply_interval",
	"min_root_comment_interval",
	"bandwidth limit exceeded",
}

// DecodeError classifies a failure message returned by a node or the
// broadcast service. This is the only place the platform's error text is
// inspected.
func DecodeError(status int, message string) *Error {
	lower := strings.ToLower(message)
	kind := KindUnknown
	for _, p := range duplicatePhrases {
		if strings.Contains(lower, p) {
			kind = KindDuplicate
			break
		}
	}
	if kind == KindUnknown {
		for _, p := range rateLimitPhrases {
			if strings.Contains(lower, p) {
				kind = KindRateLimited
				break
			}
		}
	}
	if kind == KindUnknown && status == http.StatusTooManyRequests {
		kind = KindRateLimited
	}
	return &Error{
		Kind:       kind,
		StatusCode: status,
		Message:    message,
	}
}
