package storage

import (
	"sync"
	"time"
)

// Keyspace is the single shared map of keys to entries.
// Every access goes through Update, which holds one exclusive lock for the whole
// read-modify-write, so command effects are applied in a total order.
type Keyspace struct {
	mu       sync.Mutex
	data     map[string]*Entry
	volatile map[string]struct{} // keys carrying a TTL
	clock    Clock

	version uint64 // bumped on every mutation
	saved   uint64 // version covered by the last successful snapshot
}

// Option configures a Keyspace
type Option func(*Keyspace)

// WithClock replaces the wall clock used for expiry decisions
func WithClock(c Clock) Option {
	return func(k *Keyspace) {
		k.clock = c
	}
}

// New creates an empty keyspace
func New(opts ...Option) *Keyspace {
	k := &Keyspace{
		data:     make(map[string]*Entry),
		volatile: make(map[string]struct{}),
		clock:    realClock{},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Tx is the guarded handle passed to Update callbacks. It must not be retained
// after the callback returns
type Tx struct {
	k   *Keyspace
	now int64
}

// Update runs fn with exclusive access to the keyspace
func (k *Keyspace) Update(fn func(tx *Tx)) {
	k.mu.Lock()
	defer k.mu.Unlock()

	fn(&Tx{k: k, now: k.clock.Now().UnixNano()})
}

// Now returns the instant sampled when the transaction started
func (tx *Tx) Now() time.Time {
	return time.Unix(0, tx.now)
}

func (tx *Tx) touch() {
	tx.k.version++
}

// put binds e to key and keeps the TTL index in sync
func (k *Keyspace) put(key string, e *Entry) {
	k.data[key] = e
	if e.ExpireAt != 0 {
		k.volatile[key] = struct{}{}
	} else {
		delete(k.volatile, key)
	}
}

// remove unbinds key from both maps
func (k *Keyspace) remove(key string) {
	delete(k.data, key)
	delete(k.volatile, key)
}

// lookup returns the live entry for key, removing it first if it has expired
func (tx *Tx) lookup(key string) (*Entry, bool) {
	e, ok := tx.k.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(tx.now) {
		tx.k.remove(key)
		tx.touch()
		return nil, false
	}
	return e, true
}

// Get returns the live entry bound to key. An expired entry is deleted and reported absent.
// The returned entry must only be read
func (tx *Tx) Get(key string) (Entry, bool) {
	e, ok := tx.lookup(key)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Exists reports whether key is bound to a live entry
func (tx *Tx) Exists(key string) bool {
	_, ok := tx.lookup(key)
	return ok
}

// Upsert binds value to key according to options. Returns true if the write has been performed
func (tx *Tx) Upsert(key string, value *Value, options SetOptions) bool {
	old, exists := tx.lookup(key)

	if options.NX && exists {
		return false
	}
	if options.XX && !exists {
		return false
	}

	e := &Entry{Value: value}
	switch {
	case options.KeepTTL:
		// KEEPTTL on a fresh key behaves like no TTL
		if exists {
			e.ExpireAt = old.ExpireAt
		}
	case options.HasTTL:
		e.ExpireAt = tx.now + int64(options.TTL)
		if e.ExpireAt == 0 {
			e.ExpireAt = 1
		}
	}

	tx.k.put(key, e)
	tx.touch()
	return true
}

// Mutate applies fn to the container at key. A missing or expired key starts from
// Empty(t); a live key of another shape fails with ErrWrongType.
// fn reports whether it changed the value. A container left empty is removed from the keyspace
func (tx *Tx) Mutate(key string, t DataType, fn func(v *Value) (bool, error)) error {
	e, exists := tx.lookup(key)
	if exists && e.Value.Type() != t {
		return ErrWrongType
	}

	if !exists {
		e = &Entry{Value: Empty(t)}
	}

	changed, err := fn(e.Value)
	if err != nil {
		return err
	}

	switch {
	case e.Value.IsContainer() && e.Value.Len() == 0:
		if exists {
			tx.k.remove(key)
			tx.touch()
		}
	case !exists:
		tx.k.put(key, e)
		tx.touch()
	case changed:
		tx.touch()
	}

	return nil
}

// Delete removes key regardless of its expiry state. Returns true if it was present
func (tx *Tx) Delete(key string) bool {
	if _, ok := tx.k.data[key]; !ok {
		return false
	}
	tx.k.remove(key)
	tx.touch()
	return true
}

// Expiry returns the remaining lifetime and status as ExpiryStatus
func (tx *Tx) Expiry(key string) (time.Duration, ExpiryStatus) {
	e, ok := tx.lookup(key)
	if !ok {
		return 0, ExpNotFound
	}
	if e.ExpireAt == 0 {
		return 0, ExpNoTimeout
	}
	return time.Duration(e.ExpireAt - tx.now), ExpActive
}

// Expire sets a TTL on a live key. Returns false if the key does not exist
func (tx *Tx) Expire(key string, ttl time.Duration) bool {
	e, ok := tx.lookup(key)
	if !ok {
		return false
	}
	e.ExpireAt = tx.now + int64(ttl)
	if e.ExpireAt == 0 {
		e.ExpireAt = 1
	}
	tx.k.volatile[key] = struct{}{}
	tx.touch()
	return true
}

// Persist removes the expiration date of the key, making it eternal.
// Returns false if the key was not found or had no TTL
func (tx *Tx) Persist(key string) bool {
	e, ok := tx.lookup(key)
	if !ok || e.ExpireAt == 0 {
		return false
	}
	e.ExpireAt = 0
	delete(tx.k.volatile, key)
	tx.touch()
	return true
}

// Len returns the number of stored keys, including expired ones not yet purged
func (k *Keyspace) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.data)
}

// Dirty reports whether mutations happened since the last successful snapshot
func (k *Keyspace) Dirty() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.version > k.saved
}

// MarkSaved records that a snapshot covering version has been durably written
func (k *Keyspace) MarkSaved(version uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if version > k.saved {
		k.saved = version
	}
}

// Snapshot copies every live entry and returns the mutation version the copy reflects.
// Expired entries are skipped. The lock is held only while copying
func (k *Keyspace) Snapshot() ([]Record, uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.clock.Now().UnixNano()
	records := make([]Record, 0, len(k.data))
	for key, e := range k.data {
		if e.expired(now) {
			continue
		}
		records = append(records, Record{
			Key:      key,
			Value:    e.Value.Clone(),
			ExpireAt: e.ExpireAt,
		})
	}

	return records, k.version
}

// Load installs recovered records, dropping those already expired.
// Loading does not make the keyspace dirty. Returns the number of records kept
func (k *Keyspace) Load(records []Record) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.clock.Now().UnixNano()
	loaded := 0
	for _, r := range records {
		e := &Entry{Value: r.Value, ExpireAt: r.ExpireAt}
		if e.expired(now) {
			continue
		}
		k.put(r.Key, e)
		loaded++
	}

	return loaded
}
