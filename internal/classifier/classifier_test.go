package classifier

import (
	"errors"
	"testing"
	"time"
)

type codeError struct{ code string }

func (e *codeError) Error() string          { return "boom: " + e.code }
func (e *codeError) ClassifierCode() string { return e.code }

type statusError struct{ status int }

func (e *statusError) Error() string     { return "http failure" }
func (e *statusError) StatusCode() int   { return e.status }

func TestClassify_Nil(t *testing.T) {
	r := Classify(nil)
	if r.Category != CategoryUnknown || r.Retryable {
		t.Fatalf("expected unknown/non-retryable for nil, got %+v", r)
	}
}

func TestClassify_StructuredCode(t *testing.T) {
	cases := []struct {
		code      string
		wantCat   Category
		wantRetry bool
		wantDelay time.Duration
	}{
		{"ETIMEDOUT", CategoryTimeout, true, 5 * time.Second},
		{"ECONNRESET", CategoryNetwork, true, 5 * time.Second},
		{"RATE_LIMITED", CategoryRateLimit, true, 60 * time.Second},
		{"ENOENT", CategoryFilesystem, false, 0},
		{"VALIDATION_ERROR", CategoryValidation, false, 0},
	}
	for _, tc := range cases {
		r := Classify(&codeError{code: tc.code})
		if r.Category != tc.wantCat {
			t.Errorf("%s: category = %s, want %s", tc.code, r.Category, tc.wantCat)
		}
		if r.Retryable != tc.wantRetry {
			t.Errorf("%s: retryable = %v, want %v", tc.code, r.Retryable, tc.wantRetry)
		}
		if r.BaseDelay != tc.wantDelay {
			t.Errorf("%s: base delay = %v, want %v", tc.code, r.BaseDelay, tc.wantDelay)
		}
	}
}

func TestClassify_StatusCode(t *testing.T) {
	r := Classify(&statusError{status: 503})
	if r.Category != CategoryServer || !r.Retryable {
		t.Fatalf("expected retryable server category for 503, got %+v", r)
	}
	r = Classify(&statusError{status: 404})
	if r.Category != CategoryClient || r.Retryable {
		t.Fatalf("expected non-retryable client category for 404, got %+v", r)
	}
	r = Classify(&statusError{status: 429})
	if r.Category != CategoryRateLimit || r.BaseDelay != 60*time.Second {
		t.Fatalf("expected rate_limit/60s for 429, got %+v", r)
	}
}

func TestClassify_MessageFallback(t *testing.T) {
	r := Classify(errors.New("dial tcp: connection refused"))
	if r.Category != CategoryNetwork || !r.Retryable {
		t.Fatalf("expected retryable network from message fallback, got %+v", r)
	}
	r = Classify(errors.New("something entirely unrecognized"))
	if r.Category != CategoryUnknown || r.Retryable {
		t.Fatalf("expected safe unknown default, got %+v", r)
	}
}

func TestDefaultRetryable(t *testing.T) {
	if !DefaultRetryable(CategoryNetwork) {
		t.Fatal("network should be retryable")
	}
	if DefaultRetryable(CategoryValidation) {
		t.Fatal("validation should not be retryable")
	}
}
