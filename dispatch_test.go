//go:build linux

package shmsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableKind(t *testing.T) {
	// Listen must survive transient sweep failures and die on anything else.
	assert.True(t, retryableKind(KindLockTimeout))
	assert.True(t, retryableKind(KindIO))

	assert.False(t, retryableKind(KindInternal))
	assert.False(t, retryableKind(KindCallbackFailed))
	assert.False(t, retryableKind(KindOutOfMemory))
	assert.False(t, retryableKind(KindNotFound))
	assert.False(t, retryableKind(KindPermissionDenied))
}
