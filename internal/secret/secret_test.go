package secret

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), ".master-key")
	s, err := Open(keyPath)
	require.NoError(t, err)
	return s, keyPath
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s, _ := newStore(t)

	for _, plain := range []string{"app-secret", "带中文的密钥", "a", ""} {
		enc, err := s.Encrypt(plain)
		require.NoError(t, err)

		if plain != "" {
			assert.True(t, IsEncrypted(enc), "encrypted value must carry prefix")
		}

		dec, err := s.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, plain, dec)
	}
}

func TestEncryptIdempotent(t *testing.T) {
	s, _ := newStore(t)

	enc, err := s.Encrypt("secret")
	require.NoError(t, err)

	again, err := s.Encrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, enc, again, "re-encrypting an encrypted value must be a no-op")
}

func TestDecryptPassthroughForPlaintext(t *testing.T) {
	s, _ := newStore(t)

	dec, err := s.Decrypt("never-encrypted")
	require.NoError(t, err)
	assert.Equal(t, "never-encrypted", dec)
}

func TestDecryptMalformed(t *testing.T) {
	s, _ := newStore(t)

	for _, bad := range []string{"enc:", "enc:not-base64!!", "enc:YWJj"} {
		_, err := s.Decrypt(bad)
		assert.ErrorIs(t, err, ErrMalformed, "input %q", bad)
	}
}

func TestKeyPersistsAcrossOpens(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), ".master-key")

	s1, err := Open(keyPath)
	require.NoError(t, err)
	enc, err := s1.Encrypt("persisted")
	require.NoError(t, err)

	s2, err := Open(keyPath)
	require.NoError(t, err)
	dec, err := s2.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "persisted", dec)
}

func TestKeyFilePermissions(t *testing.T) {
	_, keyPath := newStore(t)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCorruptKeyFileIsFatal(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), ".master-key")
	require.NoError(t, os.WriteFile(keyPath, []byte("not hex"), 0600))

	_, err := Open(keyPath)
	assert.Error(t, err)
}
