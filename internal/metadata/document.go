// Package metadata models DHIS2 metadata documents as decoded JSON objects
// and provides the helpers the migration needs to edit and re-post them.
package metadata

import (
	"encoding/json"

	"github.com/lherron/dhismig/internal/domain"
)

// AuditFields are server-managed fields that must never be written back.
var AuditFields = []string{"createdBy", "lastUpdatedBy", "user", "created", "lastUpdated"}

// Document is one decoded JSON object from the API.
type Document map[string]any

// Ref is an {"id": ...} reference to another object.
type Ref struct {
	ID string `json:"id"`
}

// RefMap returns the reference in its decoded form.
func RefMap(id string) map[string]any {
	return map[string]any{"id": id}
}

// Empty reports whether the document carries no fields.
func (d Document) Empty() bool {
	return len(d) == 0
}

// String returns a string field, or "" when absent or not a string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Int returns a numeric field as int.
func (d Document) Int(key string) (int, bool) {
	switch v := d[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// ID returns the id field.
func (d Document) ID() string {
	return d.String("id")
}

// Name returns the name field.
func (d Document) Name() string {
	return d.String("name")
}

// RefID returns the id of a nested reference such as categoryCombo.
func (d Document) RefID(key string) string {
	m, ok := d[key].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m["id"].(string)
	return s
}

// SetRef points a nested reference at id, replacing any existing object.
func (d Document) SetRef(key, id string) {
	d[key] = RefMap(id)
}

// Objects returns the list under key as object maps. Non-object entries are
// skipped. The maps are shared with the document.
func (d Document) Objects(key string) []map[string]any {
	raw, ok := d[key].([]any)
	if !ok {
		if typed, ok := d[key].([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// Documents is Objects with each entry wrapped as a Document.
func (d Document) Documents(key string) []Document {
	objs := d.Objects(key)
	out := make([]Document, len(objs))
	for i, m := range objs {
		out[i] = Document(m)
	}
	return out
}

// SetObjects replaces the list under key.
func (d Document) SetObjects(key string, objs []map[string]any) {
	list := make([]any, len(objs))
	for i, m := range objs {
		list[i] = m
	}
	d[key] = list
}

// HasRef reports whether the list under key contains a reference to id.
func (d Document) HasRef(key, id string) bool {
	for _, m := range d.Objects(key) {
		if m["id"] == id {
			return true
		}
	}
	return false
}

// AppendRef appends {"id": id} to the list under key unless it is already
// present. It reports whether the list changed.
func (d Document) AppendRef(key, id string) bool {
	if d.HasRef(key, id) {
		return false
	}
	list, _ := d[key].([]any)
	d[key] = append(list, RefMap(id))
	return true
}

// Strip deletes the named fields.
func (d Document) Strip(fields ...string) {
	for _, f := range fields {
		delete(d, f)
	}
}

// StripAudit deletes the server-managed audit fields.
func (d Document) StripAudit() {
	d.Strip(AuditFields...)
}

// Payload builds a metadata import body {"<kind>": [docs...]}.
func Payload(kind domain.Kind, docs ...Document) map[string]any {
	list := make([]any, len(docs))
	for i, doc := range docs {
		list[i] = map[string]any(doc)
	}
	return map[string]any{string(kind): list}
}

// Decode parses a JSON object body.
func Decode(body []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}
