package storage

import "time"

type ExpiryStatus int

const (
	// ExpNotFound means that the key does not exist
	ExpNotFound ExpiryStatus = -2
	// ExpNoTimeout means that the key exists, but it does not have a TTL
	ExpNoTimeout ExpiryStatus = -1
	// ExpActive means that the key has an active lifetime
	ExpActive ExpiryStatus = 1
)

type SetOptions struct {
	TTL     time.Duration // key lifetime, used only when HasTTL is set
	HasTTL  bool          // a zero TTL with HasTTL expires the key immediately
	KeepTTL bool          // if true, retain the existing TTL (ignore TTL field)
	NX      bool          // only set if the key does not exist
	XX      bool          // only set if the key already exists
}

// Entry is a value bound to a key together with its absolute expiration
type Entry struct {
	Value    *Value
	ExpireAt int64 // Unix nanoseconds. 0 means no TTL
}

// expired reports whether the entry is dead at the given instant
func (e *Entry) expired(now int64) bool {
	return e.ExpireAt != 0 && now >= e.ExpireAt
}

// Record is a point-in-time copy of one live entry
type Record struct {
	Key      string
	Value    *Value
	ExpireAt int64
}

// Clock is the time source of the keyspace. Tests replace it to control expiry
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
