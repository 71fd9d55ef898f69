package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	assert.True(t, IsTransient(NewTransientError(errors.New("server overloaded"), 503)))
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("rate limited"), 429)
	assert.True(t, IsTransient(fmt.Errorf("download postcode file: %w", inner)))
}

func TestIsTransient_Nil(t *testing.T) {
	assert.False(t, IsTransient(nil))
}

func TestIsTransient_PermanentError(t *testing.T) {
	assert.False(t, IsTransient(errors.New(`unknown column "zip"`)))
}

func TestIsTransient_SyscallErrors(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		assert.True(t, IsTransient(fmt.Errorf("dial tcp: %w", errno)), errno.Error())
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	assert.True(t, IsTransient(err))
}

func TestIsTransient_TransportPatterns(t *testing.T) {
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"TLS handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range patterns {
		assert.True(t, IsTransient(errors.New(p)), p)
	}
}

func TestIsTransient_StoreContentionPatterns(t *testing.T) {
	// Flush retries hinge on recognizing driver contention errors.
	patterns := []string{
		"database is locked",
		"database table is locked",
		"ERROR: deadlock detected (SQLSTATE 40P01)",
		"ERROR: could not serialize access due to concurrent update (SQLSTATE 40001)",
		"conn busy",
	}
	for _, p := range patterns {
		assert.True(t, IsTransient(errors.New(p)), p)
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 201, 304, 400, 401, 403, 404, 409, 422} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)
	assert.ErrorIs(t, te, inner)
	assert.Equal(t, 500, te.StatusCode)
	assert.Equal(t, "root cause", te.Error())
}
