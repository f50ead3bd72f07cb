package peergraph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openindex/oipd/internal/oip"
)

func TestSoul(t *testing.T) {
	t.Run("stable local id", func(t *testing.T) {
		soul, err := Soul("02AA", "post-1", nil)
		require.NoError(t, err)
		assert.Equal(t, "oip:records:02AA:post-1", soul)
	})

	t.Run("content addressed without a local id", func(t *testing.T) {
		data := map[string]interface{}{"basic": map[string]interface{}{"name": "pie"}}
		soul, err := Soul("02AA", "", data)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(soul, "oip:records:02AA:h:"))
		assert.Len(t, strings.TrimPrefix(soul, "oip:records:02AA:h:"), 12)

		// Same content, same address.
		again, err := Soul("02AA", "", map[string]interface{}{"basic": map[string]interface{}{"name": "pie"}})
		require.NoError(t, err)
		assert.Equal(t, soul, again)
	})

	t.Run("requires a publisher key", func(t *testing.T) {
		_, err := Soul("", "post-1", nil)
		assert.Error(t, err)
	})
}

func TestSoulForDID(t *testing.T) {
	soul, err := SoulForDID(oip.PeerDID("oip:records:02AA:post-1"))
	require.NoError(t, err)
	assert.Equal(t, "oip:records:02AA:post-1", soul)

	_, err = SoulForDID("did:ledger:tx1")
	assert.Error(t, err)
}
