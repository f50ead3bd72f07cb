// Package crypto provides the signing, address derivation and HD
// wallet operations the publisher and verifier depend on. Everything
// here is CPU-only; key material never leaves the process.
package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/decred/dcrd/crypto/ripemd160"

	"github.com/openindex/oipd/internal/oip"
)

// addressVersion prefixes the base58check address encoding.
const addressVersion = 0x00

// PubKeyHex renders a public key in the compressed hex form used in
// record metadata and soul computation.
func PubKeyHex(pub *btcec.PublicKey) string {
	return strings.ToUpper(hex.EncodeToString(pub.SerializeCompressed()))
}

// ParsePubKeyHex parses a compressed-hex public key.
func ParsePubKeyHex(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, oip.E(oip.KindBadRequest, "crypto.ParsePubKeyHex", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, oip.E(oip.KindBadRequest, "crypto.ParsePubKeyHex", err)
	}
	return pub, nil
}

// Address derives the short creator address from a public key:
// base58check(ripemd160(sha256(compressedPubKey))).
func Address(pub *btcec.PublicKey) string {
	sha := sha256.Sum256(pub.SerializeCompressed())
	r := ripemd160.New()
	r.Write(sha[:])
	return base58.CheckEncode(r.Sum(nil), addressVersion)
}

// CreatorDID derives the creator's ledger DID from a public key:
// did:ledger:base64url(sha256(compressedPubKey)).
func CreatorDID(pub *btcec.PublicKey) string {
	sum := sha256.Sum256(pub.SerializeCompressed())
	return oip.LedgerDID(base64.RawURLEncoding.EncodeToString(sum[:]))
}

// ParsePrivKeyHex parses a 32-byte hex private key.
func ParsePrivKeyHex(s string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("parse private key: want 32 bytes, got %d", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}
