package peergraph

import (
	"encoding/json"

	"github.com/openindex/oipd/internal/crypto/envelope"
	"github.com/openindex/oipd/internal/oip"
)

// EnvelopeMeta is the unencrypted system metadata carried alongside the
// data of every graph envelope.
type EnvelopeMeta struct {
	Did         string             `json:"did"`
	RecordType  string             `json:"recordType"`
	CreatorPub  string             `json:"creatorPubKey"`
	Signature   string             `json:"signature,omitempty"`
	Access      *oip.AccessControl `json:"accessControl,omitempty"`
	Ver         string             `json:"ver,omitempty"`
	LastUpdated int64              `json:"lastUpdated"` // unix millis
	Encrypted   bool               `json:"encrypted,omitempty"`
}

// Envelope is the value stored under a soul. Exactly one of Data
// (plaintext) or Sealed (ciphertext) is set.
type Envelope struct {
	Data   map[string]map[string]interface{} `json:"data,omitempty"`
	OIP    EnvelopeMeta                      `json:"oip"`
	Meta   map[string]interface{}            `json:"meta,omitempty"`
	Sealed *envelope.Sealed                  `json:"sealed,omitempty"`
}

// Encrypted reports whether the envelope payload is sealed.
func (e *Envelope) Encrypted() bool {
	return e.OIP.Encrypted && e.Sealed != nil
}

// SealData encrypts e.Data in place under key, replacing the plaintext.
func (e *Envelope) SealData(key []byte) error {
	plaintext, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	sealed, err := envelope.Seal(key, plaintext)
	if err != nil {
		return err
	}
	e.Sealed = sealed
	e.Data = nil
	e.OIP.Encrypted = true
	return nil
}

// OpenData decrypts the sealed payload in place under key, restoring
// the plaintext sections.
func (e *Envelope) OpenData(key []byte) error {
	plaintext, err := envelope.Open(key, e.Sealed)
	if err != nil {
		return err
	}
	var data map[string]map[string]interface{}
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return err
	}
	e.Data = data
	e.Sealed = nil
	e.OIP.Encrypted = false
	return nil
}

// RegistryEntry is one advertisement in a node's discovery registry:
// a peer-storage record the node hosts.
type RegistryEntry struct {
	RecordType    string `json:"recordType"`
	CreatorPubKey string `json:"creatorPubKey"`
	LastUpdated   int64  `json:"lastUpdated"` // unix millis
	Encrypted     bool   `json:"encrypted,omitempty"`
}

// Registry maps did to advertisement.
type Registry map[string]RegistryEntry
