package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodeCursor turns the last evaluated key of a page into an opaque cursor.
func EncodeCursor(last map[string]string) string {
	if len(last) == 0 {
		return ""
	}
	raw, err := json.Marshal(last)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor reverses EncodeCursor. An empty cursor decodes to nil.
func DecodeCursor(cursor string) (map[string]string, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	var last map[string]string
	if err := json.Unmarshal(raw, &last); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return last, nil
}
