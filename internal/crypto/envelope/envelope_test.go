package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key := UserKey("02ABCDEF", salt)
	require.Len(t, key, 32)

	plaintext := []byte(`{"basic":{"name":"secret"}}`)
	sealed, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed.Ciphertext)
	assert.NotEmpty(t, sealed.IV)
	assert.NotEmpty(t, sealed.Tag)

	t.Run("round trip", func(t *testing.T) {
		got, err := Open(key, sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("wrong key fails authentication", func(t *testing.T) {
		other := UserKey("02ABCDEF", append([]byte{1}, salt[1:]...))
		_, err := Open(other, sealed)
		assert.Error(t, err)
	})

	t.Run("tampered tag fails authentication", func(t *testing.T) {
		bad := *sealed
		bad.Tag = sealed.Ciphertext[:len(sealed.Tag)]
		_, err := Open(key, &bad)
		assert.Error(t, err)
	})
}

func TestUserKeyDependsOnOwnerAndSalt(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	otherSalt, err := NewSalt()
	require.NoError(t, err)

	assert.Equal(t, UserKey("02AA", salt), UserKey("02AA", salt))
	assert.NotEqual(t, UserKey("02AA", salt), UserKey("02BB", salt))
	assert.NotEqual(t, UserKey("02AA", salt), UserKey("02AA", otherSalt))
}

// Any node can derive an organization key from the public DID alone;
// confidentiality for organization records comes from the query-time
// access policy, not from key secrecy.
func TestOrgKeyIsDeterministic(t *testing.T) {
	did := "did:peer:oip:records:pub:org"
	assert.Equal(t, OrgKey(did), OrgKey(did))
	assert.NotEqual(t, OrgKey(did), OrgKey("did:peer:oip:records:pub:other"))

	sealed, err := Seal(OrgKey(did), []byte("shared"))
	require.NoError(t, err)
	got, err := Open(OrgKey(did), sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), got)
}
