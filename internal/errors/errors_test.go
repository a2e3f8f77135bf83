package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	plain := NewNotFoundError("account")
	assert.Equal(t, "NOT_FOUND: account not found", plain.Error())

	wrapped := NewUpstreamError("delete octocat/spoon-knife", ReasonNotFound, errors.New("404"))
	assert.Equal(t, "UPSTREAM_ERROR: delete octocat/spoon-knife (404)", wrapped.Error())
}

func TestClassifiersSeeThroughWrapping(t *testing.T) {
	cause := errors.New("boom")
	upstream := fmt.Errorf("listing forks: %w", NewUpstreamError("list", ReasonRateLimited, cause))

	assert.True(t, IsUpstream(upstream))
	assert.True(t, IsRateLimited(upstream))
	assert.False(t, IsAuth(upstream))
	assert.Equal(t, ReasonRateLimited, ReasonOf(upstream))
	assert.ErrorIs(t, upstream, cause)

	noCred := fmt.Errorf("resolve: %w", NewNoCredentialError("u1", "github"))
	assert.True(t, IsNoCredential(noCred))
	assert.False(t, IsNotFound(noCred))

	auth := NewAuthError("token rejected", nil)
	assert.True(t, IsAuth(auth))
	assert.Equal(t, Reason(""), ReasonOf(auth))

	assert.False(t, IsUpstream(errors.New("plain")))
	assert.False(t, IsRateLimited(nil))
}
