package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESCipherRoundTrip(t *testing.T) {
	c, err := NewAESCipher("correct horse battery staple")
	require.NoError(t, err)

	enc, err := c.Encrypt("prefers dark roast coffee")
	require.NoError(t, err)
	assert.NotEqual(t, "prefers dark roast coffee", enc)

	plain, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "prefers dark roast coffee", plain)
}

func TestAESCipherWrongKey(t *testing.T) {
	a, err := NewAESCipher("key-one")
	require.NoError(t, err)
	b, err := NewAESCipher("key-two")
	require.NoError(t, err)

	enc, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(enc)
	assert.Error(t, err)
}

func TestAESCipherRejectsEmptyPassphrase(t *testing.T) {
	_, err := NewAESCipher("")
	assert.Error(t, err)
}

func TestAESCipherRejectsTruncatedCiphertext(t *testing.T) {
	c, err := NewAESCipher("k")
	require.NoError(t, err)
	_, err = c.Decrypt("short")
	assert.Error(t, err)
}

func TestNoopCipherPassThrough(t *testing.T) {
	var c NoopCipher
	enc, err := c.Encrypt("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", enc)
	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "hello", dec)
}
