package blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brevmail/brev/consts"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	body := "From: a@b\r\n\r\nhello\r\n"
	require.NoError(t, m.Put(ctx, "hash-1", strings.NewReader(body), int64(len(body))))

	ok, err := m.Exists(ctx, "hash-1")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := m.Get(ctx, "hash-1")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, body, string(got))

	require.NoError(t, m.Delete(ctx, "hash-1"))
	_, err = m.Get(ctx, "hash-1")
	assert.ErrorIs(t, err, consts.ErrContentMissing)

	// Deleting again stays quiet.
	require.NoError(t, m.Delete(ctx, "hash-1"))
}

func TestMemorySizeMismatch(t *testing.T) {
	m := NewMemory()
	err := m.Put(context.Background(), "h", strings.NewReader("abc"), 99)
	assert.Error(t, err)
}

func TestEncryptDecrypt(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	plaintext := []byte("the quick brown fox")

	sealed, err := encryptData(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	// Two seals of the same plaintext differ by nonce.
	sealed2, err := encryptData(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)

	opened, err := decryptData(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestDecryptRejectsTampering(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	sealed, err := encryptData(key, []byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = decryptData(key, sealed)
	assert.Error(t, err)

	_, err = decryptData(key, []byte("short"))
	assert.Error(t, err)

	otherKey := bytes.Repeat([]byte{0x17}, 32)
	fresh, err := encryptData(key, []byte("payload"))
	require.NoError(t, err)
	_, err = decryptData(otherKey, fresh)
	assert.Error(t, err)
}
