package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/openindex/oipd/internal/oip"
)

// PayloadDigest computes the base64url SHA-256 of the canonical JSON of
// payload, as carried in the PayloadDigest transaction tag.
func PayloadDigest(payload interface{}) (string, error) {
	canon, err := oip.CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// KeyIndexFor derives the 31-bit child key index bound to a payload
// digest: uint31(SHA256("oip:" + digest)), big-endian over the first
// four bytes.
func KeyIndexFor(digest string) uint32 {
	sum := sha256.Sum256([]byte("oip:" + digest))
	return binary.BigEndian.Uint32(sum[:4]) & 0x7FFFFFFF
}

// SignCanonical signs the canonical JSON of payload with ECDSA over
// secp256k1 and returns the DER signature base64url-encoded.
func SignCanonical(priv *btcec.PrivateKey, payload interface{}) (string, error) {
	canon, err := oip.CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	sig := ecdsa.Sign(priv, sum[:])
	return base64.RawURLEncoding.EncodeToString(sig.Serialize()), nil
}

// VerifyCanonical verifies a base64url DER signature over the canonical
// JSON of payload.
func VerifyCanonical(pub *btcec.PublicKey, payload interface{}, sigB64 string) error {
	canon, err := oip.CanonicalJSON(payload)
	if err != nil {
		return err
	}
	return VerifyDigest(pub, sha256.Sum256(canon), sigB64)
}

// VerifyDigest verifies a base64url DER signature over a precomputed
// SHA-256 digest.
func VerifyDigest(pub *btcec.PublicKey, digest [32]byte, sigB64 string) error {
	raw, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		// Tolerate padded input from older clients.
		raw, err = base64.URLEncoding.DecodeString(sigB64)
		if err != nil {
			return oip.E(oip.KindInvalidSignature, "crypto.VerifyDigest", "signature is not base64url")
		}
	}
	sig, err := ecdsa.ParseDERSignature(raw)
	if err != nil {
		return oip.E(oip.KindInvalidSignature, "crypto.VerifyDigest", err)
	}
	if !sig.Verify(digest[:], pub) {
		return oip.E(oip.KindInvalidSignature, "crypto.VerifyDigest", "signature does not verify")
	}
	return nil
}
