package event

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// ErrInvalidUserID is returned when a user id is not a hex compressed
// secp256k1 public key.
var ErrInvalidUserID = errors.New("user id is not a compressed secp256k1 public key")

// ErrSealTooShort is returned when a sealed payload is shorter than its tag.
var ErrSealTooShort = errors.New("sealed payload too short")

// Keypair is a secp256k1 identity. The user id is the 33-byte compressed
// public key in lowercase hex.
type Keypair struct {
	priv *secp256k1.PrivateKey
}

// GenerateKeypair creates a fresh random identity.
func GenerateKeypair() (*Keypair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: priv}, nil
}

// KeypairFromHex restores an identity from a hex-encoded 32-byte secret.
func KeypairFromHex(secret string) (*Keypair, error) {
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	return &Keypair{priv: secp256k1.PrivKeyFromBytes(raw)}, nil
}

// SecretHex returns the hex-encoded private scalar.
func (k *Keypair) SecretHex() string {
	return hex.EncodeToString(k.priv.Serialize())
}

// UserID returns the identity's user id.
func (k *Keypair) UserID() string {
	return hex.EncodeToString(k.priv.PubKey().SerializeCompressed())
}

// Sign signs a 32-byte digest and returns the DER signature in hex.
func (k *Keypair) Sign(digest [32]byte) string {
	sig := secpecdsa.Sign(k.priv, digest[:])
	return hex.EncodeToString(sig.Serialize())
}

// SharedSecret derives the ECDH shared secret against another user id.
func (k *Keypair) SharedSecret(userID string) ([]byte, error) {
	pub, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}
	return secp256k1.GenerateSharedSecret(k.priv, pub), nil
}

// VerifyDigest verifies a hex DER signature by userID over a 32-byte digest.
func VerifyDigest(userID string, digest [32]byte, signature string) bool {
	pub, err := parseUserID(userID)
	if err != nil {
		return false
	}
	raw, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	sig, err := secpecdsa.ParseDERSignature(raw)
	if err != nil {
		return false
	}
	return sig.Verify(digest[:], pub)
}

func parseUserID(userID string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(userID)
	if err != nil || len(raw) != 33 {
		return nil, ErrInvalidUserID
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, ErrInvalidUserID
	}
	return pub, nil
}

// Sealed is an opaque AEAD payload: AES-256-GCM with a 96-bit IV. The
// ciphertext (with tag) is base64, the IV is hex. The relay never looks
// inside; MESSAGE content produced this way travels as an opaque string.
type Sealed struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// Seal encrypts plaintext under a shared key. The key is hashed to 32 bytes
// so ECDH secrets can be used directly.
func Seal(key, plaintext []byte) (*Sealed, error) {
	sum := sha256.Sum256(key)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	ct := gcm.Seal(nil, iv, plaintext, nil)
	return &Sealed{
		IV:   hex.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// OpenSealed decrypts a sealed payload.
func OpenSealed(key []byte, sealed *Sealed) ([]byte, error) {
	sum := sha256.Sum256(key)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	iv, err := hex.DecodeString(sealed.IV)
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(sealed.Data)
	if err != nil {
		return nil, err
	}
	if len(ct) < gcm.Overhead() {
		return nil, ErrSealTooShort
	}
	return gcm.Open(nil, iv, ct, nil)
}
