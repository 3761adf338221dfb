package rediskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildLockKey(t *testing.T) {
	require.Equal(t, "careledger:lock:caretask:42", BuildLockKey("caretask:42"))
}
