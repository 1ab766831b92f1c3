package domain

import (
	"io"
	"reflect"
	"strings"

	"github.com/bytedance/sonic"
)

// Fields is a partial update: wire field name to new value. A nil value
// clears the field.
type Fields map[string]any

// DecodeFields parses a partial update body.
func DecodeFields(r io.Reader) (Fields, error) {
	var f Fields
	dec := sonic.ConfigStd.NewDecoder(r)
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return f, nil
}

// FieldsOf renders a whole record as a field set, dropping the id.
func FieldsOf[T Entity[T]](item T) (Fields, error) {
	data, err := sonic.ConfigStd.Marshal(item)
	if err != nil {
		return nil, err
	}
	var f Fields
	if err := sonic.ConfigStd.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	delete(f, "id")
	return f, nil
}

// ApplyFields merges fields onto item and validates the result. Unknown
// field names and attempts to rewrite the id are rejected.
func ApplyFields[T Entity[T]](item T, fields Fields) (T, error) {
	merged, err := FieldsOf(item)
	if err != nil {
		return item, err
	}
	for k, v := range fields {
		if k == "id" {
			if s, _ := v.(string); s != item.EntityID() {
				return item, ErrIDChange
			}
			continue
		}
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	data, err := sonic.ConfigStd.Marshal(merged)
	if err != nil {
		return item, err
	}
	out, err := decodeStrict[T](data)
	if err != nil {
		return item, &DecodeError{Kind: item.Kind(), Index: -1, Err: err}
	}
	out = out.WithID(item.EntityID())
	if err := out.Validate(); err != nil {
		return item, &DecodeError{Kind: item.Kind(), Index: -1, Err: err}
	}
	return out, nil
}

// FieldNames returns the wire names of every field of T except the id.
func FieldNames[T Entity[T]]() []string {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	names := make([]string, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		tag := rt.Field(i).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" || name == "id" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// ReplacementFields renders item as a field set that overwrites every field,
// clearing those item leaves empty.
func ReplacementFields[T Entity[T]](item T) (Fields, error) {
	f, err := FieldsOf(item)
	if err != nil {
		return nil, err
	}
	for _, name := range FieldNames[T]() {
		if _, ok := f[name]; !ok {
			f[name] = nil
		}
	}
	return f, nil
}
