package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bunkerd/internal/bunkerr"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	nsec := "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"
	entry, err := Encrypt([]byte(nsec), "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, v2Scrypt, entry.Version)

	pt, err := Decrypt(entry, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, nsec, string(pt))
}

func TestDecryptWrongPassphraseFails(t *testing.T) {
	entry, err := Encrypt([]byte("deadbeef"), "right")
	require.NoError(t, err)

	_, err = Decrypt(entry, "wrong")
	require.Error(t, err)
	assert.True(t, bunkerr.Is(err, bunkerr.BadPassphraseOrCorrupt))
}

func TestDecryptLegacyV1Envelope(t *testing.T) {
	// Hand-build a v1 envelope the way the source bunker's single-digest
	// scheme would have produced it, to prove legacy blobs still decrypt.
	nsec := "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"
	iv, data := legacyEncryptForTest(t, []byte(nsec), "legacy-pass")
	entry := Entry{Version: v1LegacyDigest, IV: iv, Data: data}

	pt, err := Decrypt(entry, "legacy-pass")
	require.NoError(t, err)
	assert.Equal(t, nsec, string(pt))
}

func TestIsValidPrivateKeyHex(t *testing.T) {
	assert.True(t, IsValidPrivateKeyHex([]byte("a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9")))
	assert.False(t, IsValidPrivateKeyHex([]byte("not-hex")))
	assert.False(t, IsValidPrivateKeyHex([]byte("abcd")))
}

func TestStoreUnlockAndInstall(t *testing.T) {
	s := New()
	entry, err := Encrypt([]byte("a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"), "pw")
	require.NoError(t, err)
	entry.PubKey = "pub123"

	ok, err := s.Unlock("alice", entry, "pw")
	require.NoError(t, err)
	assert.True(t, ok)

	k, found := s.GetUnlocked("alice")
	require.True(t, found)
	assert.Equal(t, "pub123", k.PubKey)
	assert.Equal(t, 1, s.Count())

	_, err = s.Unlock("alice", entry, "wrong-pw")
	assert.Error(t, err)
	// failed unlock must not alter existing state
	k2, found := s.GetUnlocked("alice")
	require.True(t, found)
	assert.Equal(t, k.PrivateHex, k2.PrivateHex)

	s.Install("bob", "pubbob", "b1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9")
	assert.Equal(t, 2, s.Count())
	assert.ElementsMatch(t, []string{"alice", "bob"}, s.Names())
}

// legacyEncryptForTest reproduces the source bunker's v1 envelope scheme
// (single SHA-256 digest of the passphrase as an AES-256-CBC key) so the
// legacy decrypt path can be exercised without a pre-existing fixture.
func legacyEncryptForTest(t *testing.T, plaintext []byte, passphrase string) (ivHex, dataHex string) {
	t.Helper()
	sum := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(sum[:])
	require.NoError(t, err)

	iv := make([]byte, aes.BlockSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...), make([]byte, padLen)...)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return hex.EncodeToString(iv), hex.EncodeToString(out)
}
