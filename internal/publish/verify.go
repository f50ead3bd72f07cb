package publish

import (
	"crypto/sha256"

	"github.com/openindex/oipd/internal/crypto"
	"github.com/openindex/oipd/internal/ledger"
	"github.com/openindex/oipd/internal/oip"
)

// SignedSubmission is a client-signed record handed to the node for
// relay: the client built and signed the payload itself and the node
// only checks the binding before forwarding.
type SignedSubmission struct {
	Payload       *ledger.RecordPayload `json:"payload"`
	PayloadDigest string                `json:"payloadDigest"`
	KeyIndex      uint32                `json:"keyIndex"`
	SignerXPub    string                `json:"signerXPub"`
	Signature     string                `json:"signature"`
}

// VerifyClientSigned checks the full digest-to-key binding of a
// client-signed submission: the digest must match the payload, the key
// index must derive from the digest, and the signature must verify
// under the xpub child at that index. Any mismatch reports an invalid
// signature; the caller learns nothing about which link broke.
func VerifyClientSigned(sub *SignedSubmission) error {
	const op = "publish.VerifyClientSigned"
	if sub.Payload == nil {
		return oip.E(oip.KindInvalidSignature, op, "missing payload")
	}
	digest, err := crypto.PayloadDigest(sub.Payload.Data)
	if err != nil {
		return oip.E(oip.KindInvalidSignature, op, err)
	}
	if digest != sub.PayloadDigest {
		return oip.E(oip.KindInvalidSignature, op, "payload digest mismatch")
	}
	if crypto.KeyIndexFor(digest) != sub.KeyIndex {
		return oip.E(oip.KindInvalidSignature, op, "key index not bound to digest")
	}
	childPub, err := crypto.ChildPubFromXPub(sub.SignerXPub, sub.KeyIndex)
	if err != nil {
		return oip.E(oip.KindInvalidSignature, op, err)
	}
	canon, err := oip.CanonicalJSON(sub.Payload.Data)
	if err != nil {
		return oip.E(oip.KindInvalidSignature, op, err)
	}
	return crypto.VerifyDigest(childPub, sha256.Sum256(canon), sub.Signature)
}
