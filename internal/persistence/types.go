package persistence

import "time"

// IdempotencyRecord binds a client-supplied scope key to the job it created.
type IdempotencyRecord struct {
	ScopeKey    string
	Fingerprint string
	JobID       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the record is past its TTL at now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
