// Package classifier implements the Error Classifier (spec.md §4.1): a
// total, allocation-light function from an arbitrary error value to a
// retry/terminal verdict plus a suggested backoff base.
package classifier

import (
	"errors"
	"strings"
	"time"
)

type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryTimeout    Category = "timeout"
	CategoryRateLimit  Category = "rate_limit"
	CategoryServer     Category = "server"
	CategoryClient     Category = "client"
	CategoryFilesystem Category = "filesystem"
	CategoryValidation Category = "validation"
	CategoryUnknown    Category = "unknown"
)

// Result is the classifier's verdict for one error value.
type Result struct {
	Category     Category
	Retryable    bool
	Code         string
	BaseDelay    time.Duration
	Reason       string
}

// Classified is the interface a handler error can implement to give the
// classifier structured fields instead of relying on substring matching.
type Classified interface {
	error
	ClassifierCode() string
}

// StatusError lets handler/transport errors carry an HTTP-style status
// code for classification (e.g. a 429 from an upstream API).
type StatusError interface {
	error
	StatusCode() int
}

var retryableCategories = map[Category]bool{
	CategoryNetwork:   true,
	CategoryTimeout:   true,
	CategoryRateLimit: true,
	CategoryServer:    true,
}

// Classify is total: every input, including nil or a non-error value,
// produces a Result. The safe default for anything it cannot positively
// identify is {category: unknown, retryable: false}.
func Classify(err error) Result {
	if err == nil {
		return Result{Category: CategoryUnknown, Retryable: false, Reason: "nil error"}
	}

	if code := structuredCode(err); code != "" {
		if r, ok := classifyCode(code); ok {
			return r
		}
	}

	if se, ok := errorAs[StatusError](err); ok {
		if r, ok := classifyStatus(se.StatusCode()); ok {
			return r
		}
	}

	return classifyMessage(err.Error())
}

func errorAs[T any](err error) (T, bool) {
	var zero T
	var target T
	if errors.As(err, &target) {
		return target, true
	}
	return zero, false
}

func structuredCode(err error) string {
	if c, ok := errorAs[Classified](err); ok {
		return strings.ToUpper(strings.TrimSpace(c.ClassifierCode()))
	}
	return ""
}

func classifyCode(code string) (Result, bool) {
	switch code {
	case "ETIMEDOUT", "ESOCKETTIMEDOUT", "CONTEXT_DEADLINE_EXCEEDED":
		return Result{Category: CategoryTimeout, Retryable: true, Code: code, BaseDelay: 5 * time.Second, Reason: "timeout code"}, true
	case "ECONNREFUSED", "ECONNRESET", "EHOSTUNREACH", "ENETUNREACH", "EPIPE", "EAI_AGAIN":
		return Result{Category: CategoryNetwork, Retryable: true, Code: code, BaseDelay: 5 * time.Second, Reason: "network code"}, true
	case "RATE_LIMITED", "TOO_MANY_REQUESTS":
		return Result{Category: CategoryRateLimit, Retryable: true, Code: code, BaseDelay: 60 * time.Second, Reason: "rate limit code"}, true
	case "ENOENT", "ENOTDIR", "EACCES", "EPERM", "EISDIR":
		return Result{Category: CategoryFilesystem, Retryable: false, Code: code, Reason: "filesystem code"}, true
	case "VALIDATION_ERROR", "INVALID_ARGUMENT", "EINVAL":
		return Result{Category: CategoryValidation, Retryable: false, Code: code, Reason: "validation code"}, true
	}
	return Result{}, false
}

func classifyStatus(status int) (Result, bool) {
	switch {
	case status == 429:
		return Result{Category: CategoryRateLimit, Retryable: true, Code: "429", BaseDelay: 60 * time.Second, Reason: "http 429"}, true
	case status >= 500 && status < 600:
		return Result{Category: CategoryServer, Retryable: true, Code: httpCode(status), BaseDelay: 10 * time.Second, Reason: "http 5xx"}, true
	case status >= 400 && status < 500:
		return Result{Category: CategoryClient, Retryable: false, Code: httpCode(status), Reason: "http 4xx"}, true
	}
	return Result{}, false
}

func httpCode(status int) string {
	switch status {
	case 429:
		return "429"
	default:
		return "http_status"
	}
}

func classifyMessage(msg string) Result {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return Result{Category: CategoryTimeout, Retryable: true, BaseDelay: 5 * time.Second, Reason: "message mentions timeout"}
	case containsAny(lower, "rate limit", "too many requests", "429"):
		return Result{Category: CategoryRateLimit, Retryable: true, BaseDelay: 60 * time.Second, Reason: "message mentions rate limit"}
	case containsAny(lower, "connection refused", "connection reset", "network", "dns", "no such host"):
		return Result{Category: CategoryNetwork, Retryable: true, BaseDelay: 5 * time.Second, Reason: "message mentions network failure"}
	case containsAny(lower, "internal server error", "bad gateway", "service unavailable", "gateway timeout"):
		return Result{Category: CategoryServer, Retryable: true, BaseDelay: 10 * time.Second, Reason: "message mentions server error"}
	case containsAny(lower, "no such file", "not a directory", "permission denied"):
		return Result{Category: CategoryFilesystem, Retryable: false, Reason: "message mentions filesystem error"}
	case containsAny(lower, "validation", "invalid argument", "bad request"):
		return Result{Category: CategoryValidation, Retryable: false, Reason: "message mentions validation error"}
	default:
		return Result{Category: CategoryUnknown, Retryable: false, Reason: "no classification rule matched"}
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// DefaultRetryable mirrors the retryable-category set so callers can
// sanity-check a Result without reaching into the map directly.
func DefaultRetryable(c Category) bool { return retryableCategories[c] }
