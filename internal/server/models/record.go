// Package models defines the documents and metadata persisted by the
// storage layer: user records, sharing metadata, permission grants and
// accessible-object index rows.
package models

import (
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/common"
)

// Record is an opaque user-defined JSON document.
type Record map[string]any

// NowMillis returns the current time as Unix milliseconds, the unit used for
// _date_created and _date_modified.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ID returns the record's _id or an empty string.
func (r Record) ID() string {
	s, _ := r[common.FieldID].(string)
	return s
}

// Owner returns the record's _owner or an empty string.
func (r Record) Owner() string {
	s, _ := r[common.FieldOwner].(string)
	return s
}

// Int64 reads a numeric field whatever its decoded representation.
func (r Record) Int64(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Clone returns a deep copy obtained through a JSON round trip, so nested
// values never alias between caller and store.
func (r Record) Clone() (Record, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	out := Record{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WithoutReserved returns a shallow copy with all reserved fields removed.
func (r Record) WithoutReserved() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if common.IsReserved(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Project keeps exactly the listed fields. Missing fields stay absent.
func (r Record) Project(fields []string) Record {
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

// ToRecord converts any JSON-marshalable value into a Record. Values that do
// not encode as a JSON object yield common.ErrInvalidRecord.
func ToRecord(v any) (Record, error) {
	switch t := v.(type) {
	case Record:
		return t.Clone()
	case map[string]any:
		return Record(t).Clone()
	case nil:
		return nil, common.ErrInvalidRecord
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, common.ErrInvalidRecord
	}
	out := Record{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, common.ErrInvalidRecord
	}
	return out, nil
}

// Decode unmarshals a Record into a typed value.
func (r Record) Decode(v any) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
