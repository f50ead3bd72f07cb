// Package envelope implements the AES-256-GCM encryption modes of the
// peer graph. Keys are derived with PBKDF2-SHA256: per-user keys from
// the owner's public key and registration salt, organization keys
// deterministically from the organization DID so every node can derive
// them (access control for organization records is enforced at the API
// layer, not by the key).
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	userSaltInfo = "oip-gun-encryption"
	orgSaltInfo  = "oip-organization-encryption"
	pbkdf2Iters  = 100000
	keyLen       = 32
	gcmTagLen    = 16
)

// Sealed is the wire form of an encrypted envelope payload.
type Sealed struct {
	Ciphertext string `json:"encrypted"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
}

// UserKey derives the per-user envelope key from the owner's public key
// and 32-byte registration salt.
func UserKey(ownerPubKey string, salt []byte) []byte {
	return pbkdf2.Key(append([]byte(ownerPubKey), salt...), []byte(userSaltInfo), pbkdf2Iters, keyLen, sha256.New)
}

// OrgKey derives the organization envelope key from the organization's
// public DID alone.
func OrgKey(organizationDid string) []byte {
	return pbkdf2.Key([]byte(organizationDid), []byte(orgSaltInfo), pbkdf2Iters, keyLen, sha256.New)
}

// Seal encrypts plaintext under key with AES-256-GCM and a fresh nonce.
// The GCM tag is carried separately, matching the envelope wire form.
func Seal(key, plaintext []byte) (*Sealed, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope seal: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope seal: %w", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("envelope seal: %w", err)
	}
	out := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := out[:len(out)-gcmTagLen], out[len(out)-gcmTagLen:]
	return &Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Open decrypts a sealed payload. Authentication failure (wrong key or
// tampered ciphertext) returns an error from the GCM open.
func Open(key []byte, s *Sealed) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("envelope open: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil {
		return nil, fmt.Errorf("envelope open: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(s.Tag)
	if err != nil {
		return nil, fmt.Errorf("envelope open: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope open: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, fmt.Errorf("envelope open: %w", err)
	}
	pt, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("envelope open: %w", err)
	}
	return pt, nil
}

// NewSalt generates the 32-byte per-user salt created at registration.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}
