// Package codec converts between expanded records (field-named JSON)
// and the compressed, field-index-keyed form used on the ledger wire.
// All operations are pure: no I/O, no mutation of their inputs.
package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/openindex/oipd/internal/oip"
)

// templateKey is the compressed-section key that carries the template
// did alongside the index-keyed field values.
const templateKey = "t"

// Compress converts the expanded sections of a record into the list of
// compressed section objects emitted on the ledger: one object per
// section, field names replaced by their template indices, enum values
// by their ordinals, ordered by template name so output is stable.
func Compress(sections map[string]map[string]interface{}, dir oip.TemplateSource) ([]map[string]interface{}, error) {
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		tmpl, ok := dir.TemplateByName(name)
		if !ok {
			return nil, oip.E(oip.KindUnknownTemplate, "codec.Compress", fmt.Sprintf("template %q", name))
		}
		sec := make(map[string]interface{}, len(sections[name])+1)
		sec[templateKey] = tmpl.TemplateDid
		for fieldName, value := range sections[name] {
			f, ok := tmpl.FieldByName(fieldName)
			if !ok {
				return nil, oip.E(oip.KindUnknownField, "codec.Compress",
					fmt.Sprintf("template %q has no field %q", name, fieldName))
			}
			cv, err := compressValue(f, value)
			if err != nil {
				return nil, err
			}
			sec[strconv.Itoa(f.Index)] = cv
		}
		out = append(out, sec)
	}
	return out, nil
}

func compressValue(f *oip.Field, value interface{}) (interface{}, error) {
	if f.Repeated {
		items, ok := asSlice(value)
		if !ok {
			return nil, typeErr(f, value)
		}
		out := make([]interface{}, len(items))
		for i, it := range items {
			cv, err := compressScalar(f, it)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	}
	return compressScalar(f, value)
}

func compressScalar(f *oip.Field, value interface{}) (interface{}, error) {
	if f.Type == oip.FieldEnum {
		s, ok := value.(string)
		if !ok {
			return nil, typeErr(f, value)
		}
		ord, ok := f.EnumOrdinal(s)
		if !ok {
			return nil, oip.E(oip.KindTypeMismatch, "codec.Compress",
				fmt.Sprintf("field %q: %q is not an enum value", f.Name, s))
		}
		return ord, nil
	}
	if err := checkScalar(f, value); err != nil {
		return nil, err
	}
	return value, nil
}

// Expand is the inverse of Compress. Unknown field indices are kept
// under their numeric string key so forward compatibility is never
// lost; enum ordinals become their string values.
func Expand(compressed []map[string]interface{}, dir oip.TemplateSource) (map[string]map[string]interface{}, error) {
	out := make(map[string]map[string]interface{}, len(compressed))
	for _, sec := range compressed {
		did, _ := sec[templateKey].(string)
		if did == "" {
			return nil, oip.E(oip.KindBadRequest, "codec.Expand", "compressed section missing template key")
		}
		tmpl, ok := dir.TemplateByDid(did)
		if !ok {
			return nil, oip.E(oip.KindUnknownTemplate, "codec.Expand", fmt.Sprintf("template %s", did))
		}
		fields := make(map[string]interface{}, len(sec)-1)
		for key, value := range sec {
			if key == templateKey {
				continue
			}
			idx, err := strconv.Atoi(key)
			if err != nil {
				return nil, oip.E(oip.KindBadRequest, "codec.Expand",
					fmt.Sprintf("non-numeric compressed key %q", key))
			}
			f, known := tmpl.FieldByIndex(idx)
			if !known {
				// Field added by a newer template revision this node
				// has not seen; keep it addressable.
				fields[key] = value
				continue
			}
			ev, err := expandValue(f, value)
			if err != nil {
				return nil, err
			}
			fields[f.Name] = ev
		}
		out[tmpl.Name] = fields
	}
	return out, nil
}

func expandValue(f *oip.Field, value interface{}) (interface{}, error) {
	if f.Repeated {
		items, ok := asSlice(value)
		if !ok {
			return nil, typeErr(f, value)
		}
		out := make([]interface{}, len(items))
		for i, it := range items {
			ev, err := expandScalar(f, it)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	}
	return expandScalar(f, value)
}

func expandScalar(f *oip.Field, value interface{}) (interface{}, error) {
	if f.Type == oip.FieldEnum {
		ord, ok := asInt(value)
		if !ok || ord < 0 || int(ord) >= len(f.EnumValues) {
			return nil, oip.E(oip.KindTypeMismatch, "codec.Expand",
				fmt.Sprintf("field %q: invalid enum ordinal %v", f.Name, value))
		}
		return f.EnumValues[ord], nil
	}
	if err := checkScalar(f, value); err != nil {
		return nil, err
	}
	return value, nil
}

// Validate checks the expanded sections of a record against their
// templates. Reference fields are checked syntactically only; they are
// never dereferenced here.
func Validate(sections map[string]map[string]interface{}, dir oip.TemplateSource) error {
	for name, fields := range sections {
		tmpl, ok := dir.TemplateByName(name)
		if !ok {
			return oip.E(oip.KindUnknownTemplate, "codec.Validate", fmt.Sprintf("template %q", name))
		}
		for fieldName, value := range fields {
			f, ok := tmpl.FieldByName(fieldName)
			if !ok {
				return oip.E(oip.KindUnknownField, "codec.Validate",
					fmt.Sprintf("template %q has no field %q", name, fieldName))
			}
			if f.Repeated {
				items, ok := asSlice(value)
				if !ok {
					return typeErr(f, value)
				}
				for _, it := range items {
					if err := checkValidateScalar(f, it); err != nil {
						return err
					}
				}
				continue
			}
			if err := checkValidateScalar(f, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkValidateScalar(f *oip.Field, value interface{}) error {
	if f.Type == oip.FieldEnum {
		s, ok := value.(string)
		if !ok {
			return typeErr(f, value)
		}
		if _, ok := f.EnumOrdinal(s); !ok {
			return oip.E(oip.KindTypeMismatch, "codec.Validate",
				fmt.Sprintf("field %q: %q is not an enum value", f.Name, s))
		}
		return nil
	}
	return checkScalar(f, value)
}

// checkScalar enforces the type admission rules: float admits any JSON
// number, long and uint64 admit integers only, dref admits a
// syntactically valid DID.
func checkScalar(f *oip.Field, value interface{}) error {
	switch f.Type {
	case oip.FieldString:
		if _, ok := value.(string); !ok {
			return typeErr(f, value)
		}
	case oip.FieldBool:
		if _, ok := value.(bool); !ok {
			return typeErr(f, value)
		}
	case oip.FieldFloat:
		if _, ok := asFloat(value); !ok {
			return typeErr(f, value)
		}
	case oip.FieldLong:
		if _, ok := asInt(value); !ok {
			return typeErr(f, value)
		}
	case oip.FieldUint64:
		n, ok := asInt(value)
		if !ok || n < 0 {
			return typeErr(f, value)
		}
	case oip.FieldDRef:
		s, ok := value.(string)
		if !ok || !oip.ValidDID(s) {
			return typeErr(f, value)
		}
	case oip.FieldEnum:
		// Handled by the callers; compressed and expanded forms differ.
	default:
		return typeErr(f, value)
	}
	return nil
}

func typeErr(f *oip.Field, value interface{}) error {
	return oip.E(oip.KindTypeMismatch, "codec",
		fmt.Sprintf("field %q: %T does not satisfy %s", f.Name, value, f.Type))
}

func asSlice(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	}
	return nil, false
}

// asInt accepts the integer encodings JSON decoding can produce.
func asInt(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) || math.IsNaN(t) {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
