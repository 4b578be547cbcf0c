package store

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/Aman-CERP/searchsync/internal/entity"
)

// Record is one row of the primary store. It implements entity.Entity and
// entity.Documenter.
type Record struct {
	Type    string
	ID      string
	Version int64
	Fields  map[string]any
}

// Verify interface implementation at compile time
var (
	_ entity.Entity     = (*Record)(nil)
	_ entity.Documenter = (*Record)(nil)
)

func (r *Record) EntityType() string   { return r.Type }
func (r *Record) EntityID() string     { return r.ID }
func (r *Record) EntityVersion() int64 { return r.Version }

// Document returns a copy of the record's fields.
func (r *Record) Document() map[string]any {
	if r.Fields == nil {
		return map[string]any{}
	}
	return maps.Clone(r.Fields)
}

func (r *Record) String() string {
	return fmt.Sprintf("%s/%s@%d", r.Type, r.ID, r.Version)
}

func encodeFields(fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(b), nil
}

func decodeFields(body string) (map[string]any, error) {
	fields := make(map[string]any)
	if body == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return fields, nil
}
