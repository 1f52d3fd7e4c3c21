package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONPayload is a raw JSON document. It binds as text so it fits both a
// Postgres JSON column and an SQLite TEXT column, and scans from either form.
type JSONPayload json.RawMessage

func (p JSONPayload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	return string(p), nil
}

func (p *JSONPayload) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append(JSONPayload(nil), v...)
	case string:
		*p = JSONPayload(v)
	default:
		return fmt.Errorf("scan json payload: unsupported type %T", src)
	}
	return nil
}

func (p JSONPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *JSONPayload) UnmarshalJSON(data []byte) error {
	*p = append(JSONPayload(nil), data...)
	return nil
}
