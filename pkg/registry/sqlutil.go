package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// jsonEncode marshals a JSONMap for storage in a JSONB column. A nil map
// encodes as an empty object rather than SQL NULL, since every JSONB column
// in the schema is NOT NULL DEFAULT '{}'.
func jsonEncode(m JSONMap) ([]byte, error) {
	if m == nil {
		m = JSONMap{}
	}
	return json.Marshal(m)
}

// jsonDecode unmarshals a JSONB column into a JSONMap, treating SQL NULL as
// an empty map.
func jsonDecode(raw []byte) (JSONMap, error) {
	if len(raw) == 0 {
		return JSONMap{}, nil
	}
	var m JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode jsonb: %w", err)
	}
	return m, nil
}

// jsonDecodeNullable unmarshals a nullable JSONB column, returning a nil map
// for SQL NULL (distinct from an empty object).
func jsonDecodeNullable(raw []byte, valid bool) (JSONMap, error) {
	if !valid || len(raw) == 0 {
		return nil, nil
	}
	var m JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode nullable jsonb: %w", err)
	}
	return m, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func nullInt64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
