package vault

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSealUnsealRoundtrip(t *testing.T) {
	v, err := New(newKey(t))
	require.NoError(t, err)

	plaintext := []byte(`{"owner":{"private":"5J..."}}`)
	blob, err := v.Seal(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "5J")

	got, err := v.Unseal(blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSealProducesFreshNonces(t *testing.T) {
	v, err := New(newKey(t))
	require.NoError(t, err)

	a, err := v.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := v.Seal([]byte("same"))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b))
}

func TestUnsealRejectsTampering(t *testing.T) {
	v, err := New(newKey(t))
	require.NoError(t, err)

	blob, err := v.Seal([]byte("secret"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xff
	_, err = v.Unseal(blob)
	assert.ErrorIs(t, err, ErrWrongKey)
}

func TestUnsealRejectsWrongKey(t *testing.T) {
	v1, err := New(newKey(t))
	require.NoError(t, err)
	v2, err := New(newKey(t))
	require.NoError(t, err)

	blob, err := v1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = v2.Unseal(blob)
	assert.ErrorIs(t, err, ErrWrongKey)
}

func TestUnsealRejectsMalformedBlobs(t *testing.T) {
	v, err := New(newKey(t))
	require.NoError(t, err)

	_, err = v.Unseal([]byte("short"))
	assert.ErrorIs(t, err, ErrMalformed)

	blob, err := v.Seal([]byte("secret"))
	require.NoError(t, err)
	blob[0] = 99
	_, err = v.Unseal(blob)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestNewRejectsBadKeySize(t *testing.T) {
	_, err := New([]byte("too short"))
	assert.ErrorIs(t, err, ErrKeySize)
}

func TestReEncrypt(t *testing.T) {
	oldV, err := New(newKey(t))
	require.NoError(t, err)
	newV, err := New(newKey(t))
	require.NoError(t, err)
	require.NotEqual(t, oldV.KeyID(), newV.KeyID())

	blob, err := oldV.Seal([]byte("rotate me"))
	require.NoError(t, err)

	rotated, err := ReEncrypt(oldV, newV, blob)
	require.NoError(t, err)

	got, err := newV.Unseal(rotated)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotate me"), got)

	// Old key must no longer open the rotated blob.
	_, err = oldV.Unseal(rotated)
	assert.ErrorIs(t, err, ErrWrongKey)
}
