package model

import "github.com/oklog/ulid/v2"

// NewID returns a fresh ULID string. Spells, modules, and casts all share
// this identifier scheme, so ids sort by creation time across entity kinds.
func NewID() string {
	return ulid.Make().String()
}
