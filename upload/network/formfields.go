package network

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FormField is a single presigned POST policy field.
type FormField struct {
	Key   string
	Value string
}

// FormFields preserves the order the coordinator issued the policy fields in.
// The multipart body must carry them in exactly this order, before the file
// part, or the object store rejects the policy.
type FormFields []FormField

// UnmarshalJSON decodes a JSON object into an ordered field list. A plain
// map would lose the issuance order.
func (f *FormFields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected JSON object for form fields, got %v", tok)
	}

	fields := make(FormFields, 0, 8)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("expected string key in form fields, got %v", keyTok)
		}

		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("decode value of field %q: %w", key, err)
		}
		fields = append(fields, FormField{Key: key, Value: value})
	}

	if _, err := dec.Token(); err != nil {
		return err
	}

	*f = fields
	return nil
}

// MarshalJSON keeps round trips order-stable for logging and tests.
func (f FormFields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(field.Key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(field.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
