package squirrelstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Keksclan/squirrelstore/backend"
	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// emptyTable is written as the starting point of a combined key.
var emptyTable = []byte("{}")

// extractMember returns the raw JSON of member inside a combined table.
// An absent or null member is reported as not found.
func extractMember(table []byte, member string) ([]byte, bool, error) {
	if !gjson.ValidBytes(table) || !gjson.ParseBytes(table).IsObject() {
		return nil, false, backend.Permanent(fmt.Errorf("combined payload is not a JSON object"))
	}
	res := gjson.GetBytes(table, getPath(member))
	if !res.Exists() || res.Type == gjson.Null {
		return nil, false, nil
	}
	return []byte(res.Raw), true, nil
}

// setMember replaces member inside table with payload, leaving every other
// member byte for byte untouched.
func setMember(table []byte, member string, payload []byte) ([]byte, error) {
	if len(table) == 0 {
		table = emptyTable
	}
	if !gjson.ValidBytes(table) || !gjson.ParseBytes(table).IsObject() {
		return nil, backend.Permanent(fmt.Errorf("combined payload is not a JSON object"))
	}
	out, err := sjson.SetRawBytes(table, setPath(member), payload)
	if err != nil {
		return nil, backend.Permanent(fmt.Errorf("update member %q: %w", member, err))
	}
	return out, nil
}

// pathSpecial lists the characters with a meaning in gjson/sjson paths.
const pathSpecial = `\.*?|#@!=<>%:`

func escapePath(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(pathSpecial, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func getPath(member string) string { return escapePath(member) }

// setPath forces the member to be an object key; sjson would otherwise
// treat numeric names as array indexes.
func setPath(member string) string { return ":" + escapePath(member) }

// encodeValue marshals a value (or its beforeSave transform) for the store.
func encodeValue(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, backend.Permanent(fmt.Errorf("encode: %w", err))
	}
	return payload, nil
}

// DecodeRaw converts the generic document handed to a BeforeInitialGet hook
// (maps, slices, float64, string, bool) into out, which must be a pointer.
// Struct fields are matched by their json tag and numbers are converted
// leniently, so hooks can upgrade old save formats:
//
//	h.BeforeInitialGet(func(raw any) (Profile, error) {
//		var p Profile
//		err := squirrelstore.DecodeRaw(raw, &p)
//		return p, err
//	})
func DecodeRaw(raw any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("squirrelstore: decode raw: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("squirrelstore: decode raw: %w", err)
	}
	return nil
}
