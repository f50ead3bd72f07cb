package ledger

import (
	"encoding/json"

	"github.com/openindex/oipd/internal/oip"
)

// RecordPayload is the JSON body of a record transaction: compressed
// sections plus the metadata that is not recoverable from tags.
type RecordPayload struct {
	RecordType    string                   `json:"recordType"`
	Data          []map[string]interface{} `json:"data"`
	AccessControl *oip.AccessControl       `json:"accessControl,omitempty"`
	CreatorPubKey string                   `json:"creatorPubKey,omitempty"`
	Signature     string                   `json:"signature,omitempty"`
	Ver           string                   `json:"ver,omitempty"`
}

// TemplatePayload is the JSON body of a template transaction. The
// field table under "fieldsInTemplate" is also what classifies the
// transaction as a template.
type TemplatePayload struct {
	Name          string      `json:"name"`
	CreatorDid    string      `json:"creatorDid"`
	Fields        []oip.Field `json:"fieldsInTemplate"`
	CreatorPubKey string      `json:"creatorPubKey,omitempty"`
	Signature     string      `json:"signature,omitempty"`
}

// DecodeRecordPayload parses a record transaction body.
func DecodeRecordPayload(raw json.RawMessage) (*RecordPayload, error) {
	var p RecordPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, oip.E(oip.KindBadRequest, "ledger.DecodeRecordPayload", err)
	}
	return &p, nil
}

// DecodeTemplatePayload parses a template transaction body.
func DecodeTemplatePayload(raw json.RawMessage) (*TemplatePayload, error) {
	var p TemplatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, oip.E(oip.KindBadRequest, "ledger.DecodeTemplatePayload", err)
	}
	return &p, nil
}
