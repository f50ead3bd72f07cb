// Package peergraph reads and writes the mutable peer key/value graph
// over its HTTP surface: envelopes addressed by souls, plus the shared
// discovery registry soul.
package peergraph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/openindex/oipd/internal/oip"
)

const (
	soulPrefix = "oip:records:"
	// RegistrySoul is the well-known soul every node advertises its
	// hosted peer records under.
	RegistrySoul = "oip:registry"
)

// Soul computes the graph address for a record published by pubKey.
// With a stable localId the soul is oip:records:<pub>:<localId>;
// otherwise it is content-addressed from the canonical JSON of data:
// oip:records:<pub>:h:<first12hex(sha256(canonical(data)))>.
func Soul(publisherPubKey, localID string, data interface{}) (string, error) {
	if publisherPubKey == "" {
		return "", fmt.Errorf("peergraph: soul requires a publisher pubkey")
	}
	if localID != "" {
		return soulPrefix + publisherPubKey + ":" + localID, nil
	}
	canon, err := oip.CanonicalJSON(data)
	if err != nil {
		return "", fmt.Errorf("peergraph: soul: %w", err)
	}
	sum := sha256.Sum256(canon)
	return soulPrefix + publisherPubKey + ":h:" + hex.EncodeToString(sum[:])[:12], nil
}

// SoulForDID recovers the graph address embedded in a peer-storage did.
func SoulForDID(did string) (string, error) {
	d, err := oip.ParseDID(did)
	if err != nil {
		return "", err
	}
	if d.Storage != oip.StoragePeer {
		return "", fmt.Errorf("peergraph: %s is not peer storage", did)
	}
	return d.ID, nil
}
