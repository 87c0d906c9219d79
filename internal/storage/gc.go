package storage

// DeleteExpired randomly selects up to limit keys carrying a TTL and deletes the expired ones.
// Returns the number of deleted keys and their ratio among those checked.
// Lazy expiry keeps reads correct on its own; this only reclaims memory of keys nobody touches
func (k *Keyspace) DeleteExpired(limit int) (int, float64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if limit <= 0 || len(k.volatile) == 0 {
		return 0, 0.0
	}

	checked := 0
	expired := 0
	now := k.clock.Now().UnixNano()

	// go map iteration is randomized by design
	for key := range k.volatile {
		checked++
		if e, ok := k.data[key]; ok && e.expired(now) {
			k.remove(key)
			expired++
		}

		if checked >= limit {
			break
		}
	}

	if expired > 0 {
		k.version++
	}

	return expired, float64(expired) / float64(checked)
}
