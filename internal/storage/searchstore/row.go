package searchstore

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/openindex/oipd/internal/oip"
)

// row is the flattened, driver-neutral projection of a record that the
// filters and the full-text index operate on. The complete record
// travels alongside as a JSON document.
type row struct {
	Did            string
	DidTx          string
	RecordType     string
	Storage        string
	CreatorAddress string
	CreatorPubKey  string
	Signature      string
	AccessLevel    string
	AccessOwner    string
	AccessOrg      string
	Block          uint64
	IndexedAtNanos int64
	Date           int64
	Name           string
	Description    string
	Tags           []string
	TagsFlat       string // ",a,b," form for substring tag filters
	Body           string // every textual value across sections
	Doc            []byte // full record JSON
}

func recordToRow(r *oip.Record) (*row, error) {
	doc, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	rw := &row{
		Did:            r.Meta.DID,
		DidTx:          r.Meta.DidTx,
		RecordType:     r.Meta.RecordType,
		Storage:        string(r.Meta.Storage),
		CreatorAddress: r.Meta.Creator.Address,
		CreatorPubKey:  r.Meta.Creator.PubKey,
		Signature:      r.Meta.Signature,
		Block:          r.Meta.Block,
		IndexedAtNanos: r.Meta.IndexedAt.UnixNano(),
		Date:           r.Meta.IndexedAt.Unix(),
		Doc:            doc,
	}
	rw.AccessLevel = string(r.AccessLevel())
	if ac := r.Meta.AccessControl; ac != nil {
		rw.AccessOwner = ac.OwnerPubKey
		rw.AccessOrg = ac.OrganizationDid
	}

	if basic := r.Section("basic"); basic != nil {
		if v, ok := basic["name"].(string); ok {
			rw.Name = v
		}
		if v, ok := basic["description"].(string); ok {
			rw.Description = v
		}
		if d, ok := asEpoch(basic["date"]); ok {
			rw.Date = d
		}
		rw.Tags = stringSlice(basic["tagItems"])
	}
	if len(rw.Tags) > 0 {
		rw.TagsFlat = "," + strings.Join(rw.Tags, ",") + ","
	}
	rw.Body = bodyText(r)
	return rw, nil
}

func rowToRecord(doc []byte) (*oip.Record, error) {
	var r oip.Record
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// bodyText gathers every string value across sections, in stable
// section and field order, for full-text indexing.
func bodyText(r *oip.Record) string {
	names := make([]string, 0, len(r.Sections))
	for name := range r.Sections {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		sec := r.Sections[name]
		keys := make([]string, 0, len(sec))
		for k := range sec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch v := sec[k].(type) {
			case string:
				parts = append(parts, v)
			case []interface{}:
				for _, el := range v {
					if s, ok := el.(string); ok {
						parts = append(parts, s)
					}
				}
			case []string:
				parts = append(parts, v...)
			}
		}
	}
	return strings.Join(parts, " ")
}

func stringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, el := range t {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asEpoch(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

// matchesDID reports whether q equals the row's canonical or legacy id.
func (rw *row) matchesDID(q string) bool {
	return q == rw.Did || (rw.DidTx != "" && q == rw.DidTx)
}

// searchTerms splits a free-text query into lowercase terms.
func searchTerms(q string) []string {
	fields := strings.Fields(strings.ToLower(q))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, `"'`)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
