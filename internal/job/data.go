package job

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Job data is an opaque user-supplied value: a scalar, list, or map tree.
// It is modeled as a structpb.Value and carried through Redis in a stable
// JSON encoding so payload identity survives requeues.

// NewData converts a plain Go value into the dynamic data representation
func NewData(v interface{}) (*structpb.Value, error) {
	val, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported data value: %w", err)
	}
	return val, nil
}

// EncodeData renders data into its canonical encoding. encoding/json sorts
// map keys, which keeps the encoding deterministic for a given tree.
func EncodeData(v *structpb.Value) (string, error) {
	if v == nil {
		return "null", nil
	}
	raw, err := json.Marshal(v.AsInterface())
	if err != nil {
		return "", fmt.Errorf("failed to encode data: %w", err)
	}
	return string(raw), nil
}

// DecodeData parses a canonical encoding back into dynamic data
func DecodeData(s string) (*structpb.Value, error) {
	if s == "" || s == "null" {
		return structpb.NewNullValue(), nil
	}
	var plain interface{}
	if err := json.Unmarshal([]byte(s), &plain); err != nil {
		return nil, fmt.Errorf("failed to decode data: %w", err)
	}
	return NewData(plain)
}

// dataField returns the named field of a map-shaped data value
func dataField(v *structpb.Value, key string) (*structpb.Value, bool) {
	if v == nil {
		return nil, false
	}
	s := v.GetStructValue()
	if s == nil {
		return nil, false
	}
	f, ok := s.Fields[key]
	return f, ok
}

// dataInt reads an integer field from map-shaped data
func dataInt(v *structpb.Value, key string) (int64, bool) {
	f, ok := dataField(v, key)
	if !ok {
		return 0, false
	}
	if _, isNum := f.Kind.(*structpb.Value_NumberValue); !isNum {
		return 0, false
	}
	return int64(f.GetNumberValue()), true
}

// dataStrings reads a field that is either a single string or a list of
// strings; scalars come back as a one-element slice.
func dataStrings(v *structpb.Value, key string) []string {
	f, ok := dataField(v, key)
	if !ok {
		return nil
	}
	switch kind := f.Kind.(type) {
	case *structpb.Value_StringValue:
		if kind.StringValue == "" {
			return nil
		}
		return []string{kind.StringValue}
	case *structpb.Value_ListValue:
		var out []string
		for _, el := range kind.ListValue.Values {
			if s := el.GetStringValue(); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
