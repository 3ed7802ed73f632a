package record

import (
	"encoding/json"
	"fmt"
)

// Reserved envelope keys. Application fields may not use these names.
const (
	KeyID        = "id"
	KeyVersion   = "version"
	KeyDeleted   = "deleted"
	KeyUpdatedAt = "updatedAt"
)

// Record is a single row of a synchronized table: a fixed identity envelope
// plus an open bag of application fields.
//
// Version is the opaque server-assigned token used for optimistic concurrency
// on push. Deleted is the soft-delete marker observed during pull. UpdatedAt
// is the server change timestamp that pull pages are ordered by; the client
// treats it as opaque.
type Record struct {
	ID        string
	Version   string
	Deleted   bool
	UpdatedAt string
	Fields    map[string]any
}

// New returns a record with the given id and a copy of fields. Reserved
// envelope keys present in fields are lifted into the envelope.
func New(id string, fields map[string]any) *Record {
	r := &Record{ID: id, Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		switch k {
		case KeyID:
			if s, ok := v.(string); ok && r.ID == "" {
				r.ID = s
			}
		case KeyVersion:
			if s, ok := v.(string); ok {
				r.Version = s
			}
		case KeyDeleted:
			if b, ok := v.(bool); ok {
				r.Deleted = b
			}
		case KeyUpdatedAt:
			if s, ok := v.(string); ok {
				r.UpdatedAt = s
			}
		default:
			r.Fields[k] = v
		}
	}
	return r
}

// Clone returns a deep-enough copy for queue snapshots: the envelope is
// copied and the field map is duplicated one level deep.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		ID:        r.ID,
		Version:   r.Version,
		Deleted:   r.Deleted,
		UpdatedAt: r.UpdatedAt,
		Fields:    make(map[string]any, len(r.Fields)),
	}
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return out
}

// Field returns the named application field.
func (r *Record) Field(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// SetField sets the named application field. Reserved keys are rejected.
func (r *Record) SetField(name string, value any) error {
	switch name {
	case KeyID, KeyVersion, KeyDeleted, KeyUpdatedAt:
		return fmt.Errorf("record: field name %q is reserved", name)
	}
	if r.Fields == nil {
		r.Fields = make(map[string]any, 1)
	}
	r.Fields[name] = value
	return nil
}

// MarshalJSON flattens the envelope into the field object. Zero-valued
// envelope members other than the id are omitted.
func (r *Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		m[k] = v
	}
	m[KeyID] = r.ID
	if r.Version != "" {
		m[KeyVersion] = r.Version
	}
	if r.Deleted {
		m[KeyDeleted] = true
	}
	if r.UpdatedAt != "" {
		m[KeyUpdatedAt] = r.UpdatedAt
	}
	return json.Marshal(m)
}

// UnmarshalJSON lifts reserved keys out of the object into the envelope and
// keeps the rest as application fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed := New("", m)
	if parsed.ID == "" {
		return fmt.Errorf("record: missing or non-string %q", KeyID)
	}
	*r = *parsed
	return nil
}

// MarshalFields serializes only the application fields. This is the shape
// persisted in the local store's data column.
func (r *Record) MarshalFields() ([]byte, error) {
	if r.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Fields)
}

// UnmarshalFields replaces the application fields from the stored data
// column.
func (r *Record) UnmarshalFields(data []byte) error {
	fields := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return err
		}
	}
	r.Fields = fields
	return nil
}
