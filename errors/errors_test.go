package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"config", Wrap(ErrConfig, "inference.temperature out of range"), KindConfig},
		{"rate limited", Wrap(ErrRateLimited, "429 from provider"), KindRateLimited},
		{"auth", Wrap(ErrAuth, "bad api key"), KindAuth},
		{"conflict", Wrap(ErrConflict, "expected version 3, remote has 4"), KindConflict},
		{"duplicate job", ErrDuplicateJob, KindDuplicateJob},
		{"encoding", Wrap(ErrEncoding, "payload too long for profile"), KindEncoding},
		{"unknown", New("something else"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Wrap(ErrRateLimited, "429")))
	assert.True(t, IsRetryable(Wrap(ErrTransientNetwork, "connection reset")))
	assert.True(t, IsRetryable(Wrap(ErrProviderTimeout, "deadline exceeded")))
	assert.True(t, IsRetryable(ErrConflict))

	assert.False(t, IsRetryable(ErrAuth))
	assert.False(t, IsRetryable(ErrInvalidResponse))
	assert.False(t, IsRetryable(ErrEncoding))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(nil))
}

func TestWrappingPreservesKind(t *testing.T) {
	err := Wrap(ErrNotFound, "record 42")
	err = Wrap(err, "fetching record before update")

	require.True(t, Is(err, ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(err))
}
