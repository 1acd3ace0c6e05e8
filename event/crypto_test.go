package event

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeypairRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	restored, err := KeypairFromHex(kp.SecretHex())
	require.NoError(t, err)
	assert.Equal(t, kp.UserID(), restored.UserID())
	assert.Len(t, kp.UserID(), 66)
}

func TestSignAndVerify(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("payload"))
	sig := kp.Sign(digest)
	assert.True(t, VerifyDigest(kp.UserID(), digest, sig))

	other := sha256.Sum256([]byte("tampered"))
	assert.False(t, VerifyDigest(kp.UserID(), other, sig))

	stranger, err := GenerateKeypair()
	require.NoError(t, err)
	assert.False(t, VerifyDigest(stranger.UserID(), digest, sig))
}

func TestVerifyRejectsBadUserID(t *testing.T) {
	digest := sha256.Sum256([]byte("payload"))
	assert.False(t, VerifyDigest("not-hex", digest, "00"))
	assert.False(t, VerifyDigest("abcd", digest, "00"))
}

func TestSharedSecretSymmetry(t *testing.T) {
	alice, err := GenerateKeypair()
	require.NoError(t, err)
	bob, err := GenerateKeypair()
	require.NoError(t, err)

	ab, err := alice.SharedSecret(bob.UserID())
	require.NoError(t, err)
	ba, err := bob.SharedSecret(alice.UserID())
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
	assert.NotEmpty(t, ab)
}

func TestSealRoundTrip(t *testing.T) {
	key := []byte("shared secret material")
	sealed, err := Seal(key, []byte("the plan is go"))
	require.NoError(t, err)
	assert.Len(t, sealed.IV, 24)

	plain, err := OpenSealed(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "the plan is go", string(plain))

	_, err = OpenSealed([]byte("wrong key"), sealed)
	assert.Error(t, err)
}

func TestSealedOverECDH(t *testing.T) {
	alice, err := GenerateKeypair()
	require.NoError(t, err)
	bob, err := GenerateKeypair()
	require.NoError(t, err)

	sendKey, err := alice.SharedSecret(bob.UserID())
	require.NoError(t, err)
	sealed, err := Seal(sendKey, []byte("for bob only"))
	require.NoError(t, err)

	recvKey, err := bob.SharedSecret(alice.UserID())
	require.NoError(t, err)
	plain, err := OpenSealed(recvKey, sealed)
	require.NoError(t, err)
	assert.Equal(t, "for bob only", string(plain))
}
