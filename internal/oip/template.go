package oip

import (
	"fmt"
	"sort"
)

// FieldType enumerates the value types a template field may declare.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldLong   FieldType = "long"
	FieldUint64 FieldType = "uint64"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldEnum   FieldType = "enum"
	FieldDRef   FieldType = "dref"
)

// ValidFieldType reports whether t names a known field type.
func ValidFieldType(t FieldType) bool {
	switch t {
	case FieldString, FieldLong, FieldUint64, FieldFloat, FieldBool, FieldEnum, FieldDRef:
		return true
	}
	return false
}

// Field is one entry of a template's ordered field mapping. Index is
// the compact key used on the ledger wire; it is unique within a
// template.
type Field struct {
	Name       string    `json:"name"`
	Index      int       `json:"index"`
	Type       FieldType `json:"type"`
	Repeated   bool      `json:"repeated,omitempty"`
	EnumValues []string  `json:"enumValues,omitempty"`
}

// Template is a named immutable schema. Template names are not globally
// unique; the TemplateDid is.
type Template struct {
	TemplateDid    string  `json:"templateDid"`
	Name           string  `json:"name"`
	CreatorDid     string  `json:"creatorDid"`
	Fields         []Field `json:"fieldsInTemplate"`
	CreatedAtBlock uint64  `json:"createdAtBlock,omitempty"`
	Signature      string  `json:"signature,omitempty"`
	CreatorPubKey  string  `json:"creatorPubKey,omitempty"`

	byName  map[string]*Field
	byIndex map[int]*Field
}

// NewTemplate validates the field set and builds the lookup maps.
// Field indices must be unique and non-negative; enum fields must carry
// at least one enum value.
func NewTemplate(did, name, creatorDid string, fields []Field) (*Template, error) {
	t := &Template{
		TemplateDid: did,
		Name:        name,
		CreatorDid:  creatorDid,
		Fields:      append([]Field(nil), fields...),
	}
	if err := t.Init(); err != nil {
		return nil, err
	}
	return t, nil
}

// Init (re)builds the lookup maps. Call after unmarshaling a Template
// from its wire form.
func (t *Template) Init() error {
	if t.Name == "" {
		return E(KindBadRequest, "oip.Template", "template name required")
	}
	t.byName = make(map[string]*Field, len(t.Fields))
	t.byIndex = make(map[int]*Field, len(t.Fields))
	for i := range t.Fields {
		f := &t.Fields[i]
		if f.Index < 0 {
			return E(KindBadRequest, "oip.Template", fmt.Sprintf("field %q: negative index", f.Name))
		}
		if !ValidFieldType(f.Type) {
			return E(KindBadRequest, "oip.Template", fmt.Sprintf("field %q: unknown type %q", f.Name, f.Type))
		}
		if f.Type == FieldEnum && len(f.EnumValues) == 0 {
			return E(KindBadRequest, "oip.Template", fmt.Sprintf("enum field %q has no values", f.Name))
		}
		if _, dup := t.byName[f.Name]; dup {
			return E(KindBadRequest, "oip.Template", fmt.Sprintf("duplicate field name %q", f.Name))
		}
		if _, dup := t.byIndex[f.Index]; dup {
			return E(KindBadRequest, "oip.Template", fmt.Sprintf("duplicate field index %d", f.Index))
		}
		t.byName[f.Name] = f
		t.byIndex[f.Index] = f
	}
	return nil
}

// FieldByName looks up a field by its human-readable name.
func (t *Template) FieldByName(name string) (*Field, bool) {
	f, ok := t.byName[name]
	return f, ok
}

// FieldByIndex looks up a field by its compact wire index.
func (t *Template) FieldByIndex(idx int) (*Field, bool) {
	f, ok := t.byIndex[idx]
	return f, ok
}

// EnumOrdinal returns the ordinal of value in f's enum table.
func (f *Field) EnumOrdinal(value string) (int, bool) {
	for i, v := range f.EnumValues {
		if v == value {
			return i, true
		}
	}
	return 0, false
}

// SortedFields returns the fields ordered by index.
func (t *Template) SortedFields() []Field {
	out := append([]Field(nil), t.Fields...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// TemplateSource resolves templates for the codec and the indexer.
type TemplateSource interface {
	TemplateByName(name string) (*Template, bool)
	TemplateByDid(did string) (*Template, bool)
}
