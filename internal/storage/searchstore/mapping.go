package searchstore

import "github.com/openindex/oipd/internal/oip"

// FieldMapping is the search-store mapping derived from a template:
// field name to index type. The type vocabulary matches what the
// drivers understand when they index section values.
type FieldMapping map[string]string

// DeriveMapping derives the field mapping from a template's fields:
// string fields are indexed as text with a keyword sub-field, numeric
// fields by width, bools as boolean, and dref/enum values as exact
// keywords.
func DeriveMapping(t *oip.Template) FieldMapping {
	m := make(FieldMapping, len(t.Fields))
	for _, f := range t.Fields {
		switch f.Type {
		case oip.FieldString:
			m[f.Name] = "text+keyword"
		case oip.FieldLong, oip.FieldUint64:
			m[f.Name] = "long"
		case oip.FieldFloat:
			m[f.Name] = "float"
		case oip.FieldBool:
			m[f.Name] = "boolean"
		case oip.FieldDRef, oip.FieldEnum:
			m[f.Name] = "keyword"
		}
	}
	return m
}
