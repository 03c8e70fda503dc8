// Package model defines domain records shared by the resilience components.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// QueuedMutation is a write operation captured while offline, awaiting replay.
type QueuedMutation struct {
	ID         uuid.UUID       `json:"id"`          // client-generated, stable across replays
	EnqueuedAt time.Time       `json:"enqueued_at"` // preserved replay order
	Endpoint   string          `json:"endpoint"`    // API path relative to /api
	Method     string          `json:"method"`      // POST|PUT|DELETE
	Payload    json.RawMessage `json:"payload"`     // opaque JSON body
	Synced     bool            `json:"synced"`      // false -> true only, never reverts
}

// CachedAsset is a fetched resource held under a two-tier TTL.
type CachedAsset struct {
	Key         string    `json:"key"` // fetch URL, at most one entry per key
	Payload     []byte    `json:"payload"`
	ContentType string    `json:"content_type"`
	CachedAt    time.Time `json:"cached_at"`
}

// TokenPair collects the stored access/refresh credentials.
// Both fields empty means logged out.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Empty reports whether no credentials are held.
func (t TokenPair) Empty() bool {
	return t.AccessToken == "" && t.RefreshToken == ""
}
