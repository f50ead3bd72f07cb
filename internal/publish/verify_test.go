package publish

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openindex/oipd/internal/crypto"
	"github.com/openindex/oipd/internal/ledger"
	"github.com/openindex/oipd/internal/oip"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func signedSubmission(t *testing.T) *SignedSubmission {
	t.Helper()
	w, err := crypto.NewWallet(testMnemonic)
	require.NoError(t, err)

	payload := &ledger.RecordPayload{
		RecordType: "post",
		Data: []map[string]interface{}{
			{"t": "did:ledger:tmpl-post", "0": "hello"},
		},
	}
	digest, err := crypto.PayloadDigest(payload.Data)
	require.NoError(t, err)
	keyIndex := crypto.KeyIndexFor(digest)
	signKey, err := w.RecordSigningKey(0, keyIndex)
	require.NoError(t, err)
	sig, err := crypto.SignCanonical(signKey, payload.Data)
	require.NoError(t, err)
	xpub, err := w.SigningXPub(0)
	require.NoError(t, err)

	return &SignedSubmission{
		Payload:       payload,
		PayloadDigest: digest,
		KeyIndex:      keyIndex,
		SignerXPub:    xpub,
		Signature:     sig,
	}
}

func TestVerifyClientSigned(t *testing.T) {
	require.NoError(t, VerifyClientSigned(signedSubmission(t)))
}

func TestVerifyClientSignedRejectsMismatches(t *testing.T) {
	check := func(t *testing.T, mutate func(*SignedSubmission)) {
		t.Helper()
		sub := signedSubmission(t)
		mutate(sub)
		err := VerifyClientSigned(sub)
		require.Error(t, err)
		assert.True(t, oip.IsKind(err, oip.KindInvalidSignature))
	}

	t.Run("missing payload", func(t *testing.T) {
		check(t, func(s *SignedSubmission) { s.Payload = nil })
	})
	t.Run("tampered payload", func(t *testing.T) {
		check(t, func(s *SignedSubmission) { s.Payload.Data[0]["0"] = "tampered" })
	})
	t.Run("digest not over the payload", func(t *testing.T) {
		check(t, func(s *SignedSubmission) { s.PayloadDigest = "bm90LXRoZS1kaWdlc3Q" })
	})
	t.Run("key index not bound to the digest", func(t *testing.T) {
		check(t, func(s *SignedSubmission) { s.KeyIndex++ })
	})
	t.Run("foreign xpub", func(t *testing.T) {
		check(t, func(s *SignedSubmission) {
			w, err := crypto.NewWallet("legal winner thank year wave sausage worth useful legal winner thank yellow")
			require.NoError(t, err)
			s.SignerXPub, err = w.SigningXPub(0)
			require.NoError(t, err)
		})
	})
	t.Run("garbage signature", func(t *testing.T) {
		check(t, func(s *SignedSubmission) { s.Signature = "!!!" })
	})
}
