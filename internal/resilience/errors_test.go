package resilience

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", NewTransientError(errors.New("503"), 503), true},
		{"wrapped transient", fmt.Errorf("fetch: %w", NewTransientError(errors.New("x"), 0)), true},
		{"reset string", errors.New("read tcp: connection reset by peer"), true},
		{"plain", errors.New("bad request"), false},
		{"policy", NewPolicyError("ssrf", "http://10.0.0.1"), false},
		{"blocking", &BlockingError{StatusCode: 429}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsPolicyAndBlocking(t *testing.T) {
	pe := fmt.Errorf("wrap: %w", NewPolicyError("robots disallow", "https://a.gov/x"))
	assert.True(t, IsPolicy(pe))
	assert.False(t, IsBlocking(pe))
	assert.Contains(t, pe.Error(), "robots disallow")

	be := fmt.Errorf("wrap: %w", &BlockingError{StatusCode: 403, Hint: "captcha", URL: "https://a.gov"})
	assert.True(t, IsBlocking(be))
	got, ok := AsBlocking(be)
	assert.True(t, ok)
	assert.Equal(t, "captcha", got.Hint)
	assert.Contains(t, be.Error(), "403, captcha")
}

func TestHTTPStatusClassification(t *testing.T) {
	for _, code := range []int{408, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	assert.False(t, IsTransientHTTPStatus(429))
	assert.False(t, IsTransientHTTPStatus(404))
	assert.True(t, IsBlockingHTTPStatus(403))
	assert.True(t, IsBlockingHTTPStatus(429))
	assert.False(t, IsBlockingHTTPStatus(500))
}
