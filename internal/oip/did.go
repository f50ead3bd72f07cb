package oip

import (
	"fmt"
	"strings"
)

// Storage names where the authoritative copy of a record lives.
type Storage string

const (
	StorageLedger Storage = "ledger"
	StoragePeer   Storage = "peer"
	// StorageAll is only valid in queries; records never carry it.
	StorageAll Storage = "all"
)

// ParseStorage validates a storage selector from a query. The legacy
// query parameter "source" uses the same values.
func ParseStorage(s string) (Storage, error) {
	switch Storage(s) {
	case StorageLedger, StoragePeer, StorageAll:
		return Storage(s), nil
	case "":
		return StorageAll, nil
	default:
		return "", E(KindBadRequest, "oip.ParseStorage", fmt.Sprintf("invalid storage %q", s))
	}
}

// DID is the stable identifier of a record or template:
// did:<storage>:<id>. The legacy prefix did:arweave: is accepted on
// input and normalized to ledger storage; it is never emitted.
type DID struct {
	Storage Storage
	ID      string
}

const (
	didLedgerPrefix = "did:ledger:"
	didPeerPrefix   = "did:peer:"
	// Ledger records published before the storage-neutral identifier
	// carried this prefix. Accepted on input only.
	didLegacyPrefix = "did:arweave:"
)

// ParseDID parses and validates a DID string.
func ParseDID(s string) (DID, error) {
	switch {
	case strings.HasPrefix(s, didLedgerPrefix):
		return mkDID(StorageLedger, s[len(didLedgerPrefix):])
	case strings.HasPrefix(s, didLegacyPrefix):
		return mkDID(StorageLedger, s[len(didLegacyPrefix):])
	case strings.HasPrefix(s, didPeerPrefix):
		return mkDID(StoragePeer, s[len(didPeerPrefix):])
	default:
		return DID{}, E(KindBadRequest, "oip.ParseDID", fmt.Sprintf("invalid did %q", s))
	}
}

func mkDID(storage Storage, id string) (DID, error) {
	if id == "" {
		return DID{}, E(KindBadRequest, "oip.ParseDID", "empty did id")
	}
	return DID{Storage: storage, ID: id}, nil
}

// ValidDID reports whether s parses as a DID.
func ValidDID(s string) bool {
	_, err := ParseDID(s)
	return err == nil
}

// LedgerDID builds a canonical ledger DID from a transaction id.
func LedgerDID(txID string) string { return didLedgerPrefix + txID }

// PeerDID builds a canonical peer DID from a soul.
func PeerDID(soul string) string { return didPeerPrefix + soul }

// LegacyDID builds the backward-compatible identifier emitted alongside
// the canonical one for ledger records.
func LegacyDID(txID string) string { return didLegacyPrefix + txID }

// String renders the canonical form.
func (d DID) String() string {
	if d.Storage == StoragePeer {
		return didPeerPrefix + d.ID
	}
	return didLedgerPrefix + d.ID
}
