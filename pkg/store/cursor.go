package store

import (
	"encoding/base64"
	"encoding/json"
)

// Cursor marks the last row of a page in (created_at, id) order.
type Cursor struct {
	CreatedAt string `json:"created_at"`
	ID        string `json:"id"`
}

// EncodeCursor renders c as base64url JSON.
func EncodeCursor(c Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a cursor produced by EncodeCursor. Padded input is
// accepted. ok is false for empty or malformed cursors.
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(s); err != nil {
			return Cursor{}, false
		}
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil || c.CreatedAt == "" || c.ID == "" {
		return Cursor{}, false
	}
	return c, true
}
