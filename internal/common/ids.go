package common

import "github.com/oklog/ulid/v2"

// NewULID returns a lexicographically time-ordered id. ulid.Make draws from a
// process-wide monotonic source, so ids minted in one process never go backwards.
func NewULID() (string, error) {
	return ulid.Make().String(), nil
}

// MustULID is NewULID for call sites that cannot fail.
func MustULID() string {
	id, _ := NewULID()
	return id
}
