// internal/github/flatten.go
package github

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"dh-github-snapshot/internal/model"
)

// decodeRecord flattens a JSON object into a record. Nested objects become
// dotted column names (owner.login), arrays are kept as JSON text and
// null becomes an empty value.
func decodeRecord(raw []byte) (model.Record, error) {
	var obj map[string]any
	if err := newDecoder(raw).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	rec := make(model.Record, len(obj))
	if err := flatten("", obj, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// decodeRecords flattens a JSON array of objects. Search-style envelopes with
// an items array are unwrapped.
func decodeRecords(raw []byte) ([]model.Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		return decodeEach(envelope.Items)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return decodeEach(items)
}

func decodeEach(items []json.RawMessage) ([]model.Record, error) {
	records := make([]model.Record, 0, len(items))
	for _, item := range items {
		rec, err := decodeRecord(item)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func newDecoder(raw []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec
}

func flatten(prefix string, obj map[string]any, out model.Record) error {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			if err := flatten(key, nested, out); err != nil {
				return err
			}
			continue
		}
		s, err := scalar(v)
		if err != nil {
			return fmt.Errorf("flatten %s: %w", key, err)
		}
		out[key] = s
	}
	return nil
}

func scalar(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
