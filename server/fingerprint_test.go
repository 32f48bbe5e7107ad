package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintHasher(t *testing.T) {
	hasher := NewFingerprintHasher([]byte("key-one"))

	hash := hasher.HashString("aa:bb:cc")
	require.NotEmpty(t, hash)
	require.NotEqual(t, "aa:bb:cc", hash)
	require.Equal(t, hash, hasher.HashString("aa:bb:cc"))

	require.True(t, hasher.Verify("aa:bb:cc", hash))
	require.False(t, hasher.Verify("aa:bb:cd", hash))

	// A different key produces unrelated hashes.
	other := NewFingerprintHasher([]byte("key-two"))
	require.NotEqual(t, hash, other.HashString("aa:bb:cc"))
	require.False(t, other.Verify("aa:bb:cc", hash))
}
