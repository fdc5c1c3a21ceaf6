package mentions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Payload is the decoded output of one tool invocation. It is one of
// ProductRecords, OrderRecords or Unrecognized.
type Payload interface {
	isPayload()
}

type ProductRecord struct {
	ID     string
	Name   string
	Status string
}

type OrderRecord struct {
	ID     string
	Number string
	Status string
}

type ProductRecords struct {
	Records []ProductRecord
	// Rejected counts items that did not match the record schema.
	Rejected int
}

type OrderRecords struct {
	Records  []OrderRecord
	Rejected int
}

// Unrecognized is a well-formed JSON output whose shape matches no known
// record collection.
type Unrecognized struct {
	Reason string
}

func (ProductRecords) isPayload() {}
func (OrderRecords) isPayload()   {}
func (Unrecognized) isPayload()   {}

const productRecordSchema = `{
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id":   {"oneOf": [{"type": "string", "minLength": 1}, {"type": "integer"}]},
    "name": {"oneOf": [{"type": "string", "minLength": 1}, {"type": "object", "minProperties": 1}]}
  }
}`

const orderRecordSchema = `{
  "type": "object",
  "required": ["id", "number"],
  "properties": {
    "id":     {"oneOf": [{"type": "string", "minLength": 1}, {"type": "integer"}]},
    "number": {"oneOf": [{"type": "string", "minLength": 1}, {"type": "integer"}]}
  }
}`

var (
	productSchema = mustSchema(productRecordSchema)
	orderSchema   = mustSchema(orderRecordSchema)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid record schema: %v", err))
	}
	return schema
}

// collectionKeys are the wrapper keys tools use around record lists.
var collectionKeys = []string{"products", "orders", "results", "items", "data"}

// Decode parses a tool output for the given record kind. A parse error means
// the output is not JSON at all; callers skip that single invocation.
func Decode(kind RecordKind, output string) (Payload, error) {
	items, err := splitItems(output)
	if err != nil {
		return nil, err
	}
	if items == nil {
		return Unrecognized{Reason: "no record collection"}, nil
	}

	switch kind {
	case ProductKind:
		out := ProductRecords{}
		for _, item := range items {
			if !valid(productSchema, item) {
				out.Rejected++
				continue
			}
			rec, ok := productFromItem(item)
			if !ok {
				out.Rejected++
				continue
			}
			out.Records = append(out.Records, rec)
		}
		return out, nil
	case OrderKind:
		out := OrderRecords{}
		for _, item := range items {
			if !valid(orderSchema, item) {
				out.Rejected++
				continue
			}
			rec, ok := orderFromItem(item)
			if !ok {
				out.Rejected++
				continue
			}
			out.Records = append(out.Records, rec)
		}
		return out, nil
	default:
		return Unrecognized{Reason: "unknown record kind"}, nil
	}
}

func splitItems(output string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace([]byte(output))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty tool output")
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("tool output is not valid JSON")
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("failed to decode record list: %w", err)
		}
		return items, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode record object: %w", err)
		}
		for _, key := range collectionKeys {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err == nil {
				return items, nil
			}
			// a single wrapped record
			if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
				return []json.RawMessage{raw}, nil
			}
		}
		if _, ok := obj["id"]; !ok {
			return nil, nil
		}
		return []json.RawMessage{trimmed}, nil
	default:
		return nil, nil
	}
}

func valid(schema *gojsonschema.Schema, item json.RawMessage) bool {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(item))
	if err != nil {
		return false
	}
	return result.Valid()
}

func decodeObject(item json.RawMessage) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(item))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	return obj, true
}

func productFromItem(item json.RawMessage) (ProductRecord, bool) {
	obj, ok := decodeObject(item)
	if !ok {
		return ProductRecord{}, false
	}
	id := scalarString(obj["id"])
	name := localizedString(obj["name"])
	if id == "" || name == "" {
		return ProductRecord{}, false
	}
	return ProductRecord{
		ID:     id,
		Name:   name,
		Status: firstString(obj, "stock_status", "availability", "status"),
	}, true
}

func orderFromItem(item json.RawMessage) (OrderRecord, bool) {
	obj, ok := decodeObject(item)
	if !ok {
		return OrderRecord{}, false
	}
	id := scalarString(obj["id"])
	number := scalarString(obj["number"])
	if id == "" || number == "" {
		return OrderRecord{}, false
	}
	return OrderRecord{
		ID:     id,
		Number: number,
		Status: firstString(obj, "shipping_status", "status", "payment_status"),
	}, true
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}

// localizedString accepts "name" either as a plain string or as a per-locale
// object such as {"es": "...", "en": "..."}.
func localizedString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case map[string]any:
		for _, locale := range []string{"es", "en", "pt"} {
			if s, ok := val[locale].(string); ok && s != "" {
				return strings.TrimSpace(s)
			}
		}
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := scalarString(obj[k]); s != "" {
			return s
		}
	}
	return ""
}
