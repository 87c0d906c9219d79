package storage

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func setString(k *Keyspace, key, val string, opts SetOptions) (ok bool) {
	k.Update(func(tx *Tx) {
		ok = tx.Upsert(key, NewString([]byte(val)), opts)
	})
	return ok
}

func getString(t *testing.T, k *Keyspace, key string) (string, bool) {
	t.Helper()
	var (
		e  Entry
		ok bool
	)
	k.Update(func(tx *Tx) {
		e, ok = tx.Get(key)
	})
	if !ok {
		return "", false
	}
	b, err := e.Value.Str()
	require.NoError(t, err)
	return string(b), true
}

func TestKeyspace_SetGetDelete(t *testing.T) {
	k := New()

	_, ok := getString(t, k, "missing")
	assert.False(t, ok)

	assert.True(t, setString(k, "a", "1", SetOptions{}))
	v, ok := getString(t, k, "a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	assert.True(t, setString(k, "a", "2", SetOptions{}))
	v, _ = getString(t, k, "a")
	assert.Equal(t, "2", v)

	var deleted bool
	k.Update(func(tx *Tx) { deleted = tx.Delete("a") })
	assert.True(t, deleted)

	k.Update(func(tx *Tx) { deleted = tx.Delete("a") })
	assert.False(t, deleted)
}

func TestKeyspace_UpsertReplacesShape(t *testing.T) {
	k := New()

	k.Update(func(tx *Tx) {
		require.NoError(t, tx.Mutate("k", TypeList, func(v *Value) (bool, error) {
			_, err := v.PushRight([]byte("a"))
			return true, err
		}))
	})

	setString(k, "k", "plain", SetOptions{})
	v, ok := getString(t, k, "k")
	require.True(t, ok)
	assert.Equal(t, "plain", v)
}

func TestKeyspace_LazyExpiry(t *testing.T) {
	clock := newFakeClock()
	k := New(WithClock(clock))

	setString(k, "k", "v", SetOptions{TTL: time.Second, HasTTL: true})
	k.MarkSaved(1)
	require.False(t, k.Dirty())

	_, ok := getString(t, k, "k")
	assert.True(t, ok)

	clock.Advance(time.Second)

	_, ok = getString(t, k, "k")
	assert.False(t, ok, "key must be dead once now reaches its expiry")
	assert.Equal(t, 0, k.Len(), "expired key must be physically removed at access")
	assert.True(t, k.Dirty(), "lazy deletion is a mutation")
}

func TestKeyspace_ZeroTTLExpiresImmediately(t *testing.T) {
	k := New(WithClock(newFakeClock()))

	setString(k, "k", "v", SetOptions{TTL: 0, HasTTL: true})

	_, ok := getString(t, k, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, k.Len())
}

func TestKeyspace_DeleteReportsExpiredPresence(t *testing.T) {
	clock := newFakeClock()
	k := New(WithClock(clock))

	setString(k, "k", "v", SetOptions{TTL: time.Millisecond, HasTTL: true})
	clock.Advance(time.Second)

	var deleted bool
	k.Update(func(tx *Tx) { deleted = tx.Delete("k") })
	assert.True(t, deleted, "delete ignores expiry state")
}

func TestKeyspace_SetOptions(t *testing.T) {
	clock := newFakeClock()
	k := New(WithClock(clock))

	assert.False(t, setString(k, "k", "v", SetOptions{XX: true}))
	assert.True(t, setString(k, "k", "v1", SetOptions{NX: true}))
	assert.False(t, setString(k, "k", "v2", SetOptions{NX: true}))
	assert.True(t, setString(k, "k", "v3", SetOptions{XX: true}))

	setString(k, "k", "v4", SetOptions{TTL: 100 * time.Second, HasTTL: true})
	setString(k, "k", "v5", SetOptions{KeepTTL: true})

	k.Update(func(tx *Tx) {
		ttl, status := tx.Expiry("k")
		assert.Equal(t, ExpActive, status)
		assert.Equal(t, 100*time.Second, ttl)
	})

	// plain SET drops the TTL
	setString(k, "k", "v6", SetOptions{})
	k.Update(func(tx *Tx) {
		_, status := tx.Expiry("k")
		assert.Equal(t, ExpNoTimeout, status)
	})

	setString(k, "fresh", "v", SetOptions{KeepTTL: true})
	k.Update(func(tx *Tx) {
		_, status := tx.Expiry("fresh")
		assert.Equal(t, ExpNoTimeout, status)
		_, status = tx.Expiry("missing")
		assert.Equal(t, ExpNotFound, status)
	})
}

func TestKeyspace_ExpirePersist(t *testing.T) {
	clock := newFakeClock()
	k := New(WithClock(clock))

	k.Update(func(tx *Tx) {
		assert.False(t, tx.Expire("k", time.Second))
		assert.False(t, tx.Persist("k"))
	})

	setString(k, "k", "v", SetOptions{})
	k.Update(func(tx *Tx) {
		assert.False(t, tx.Persist("k"), "no TTL to remove")
		assert.True(t, tx.Expire("k", 10*time.Second))
		assert.True(t, tx.Persist("k"))
		assert.True(t, tx.Expire("k", time.Second))
	})

	clock.Advance(2 * time.Second)
	k.Update(func(tx *Tx) {
		assert.False(t, tx.Exists("k"))
	})
}

func TestKeyspace_MutateCreatesAndTypeChecks(t *testing.T) {
	k := New()

	push := func(vals ...string) func(v *Value) (bool, error) {
		return func(v *Value) (bool, error) {
			_, err := v.PushRight(bs(vals...)...)
			return true, err
		}
	}

	k.Update(func(tx *Tx) {
		require.NoError(t, tx.Mutate("l", TypeList, push("a", "b")))
	})

	k.Update(func(tx *Tx) {
		e, ok := tx.Get("l")
		require.True(t, ok)
		assert.Equal(t, TypeList, e.Value.Type())
		assert.Equal(t, 2, e.Value.Len())
	})

	setString(k, "s", "v", SetOptions{})
	k.Update(func(tx *Tx) {
		err := tx.Mutate("s", TypeList, push("x"))
		assert.ErrorIs(t, err, ErrWrongType)
	})

	v, ok := getString(t, k, "s")
	require.True(t, ok)
	assert.Equal(t, "v", v, "wrong type must leave the value untouched")
}

func TestKeyspace_MutateTreatsExpiredAsAbsent(t *testing.T) {
	clock := newFakeClock()
	k := New(WithClock(clock))

	setString(k, "k", "v", SetOptions{TTL: time.Second, HasTTL: true})
	clock.Advance(2 * time.Second)

	k.Update(func(tx *Tx) {
		err := tx.Mutate("k", TypeHash, func(v *Value) (bool, error) {
			return v.SetField("f", []byte("x"))
		})
		require.NoError(t, err)

		e, ok := tx.Get("k")
		require.True(t, ok)
		assert.Equal(t, TypeHash, e.Value.Type())
		assert.Zero(t, e.ExpireAt, "a recreated container does not inherit the dead TTL")
	})
}

func TestKeyspace_EmptyContainerRemoved(t *testing.T) {
	k := New()

	k.Update(func(tx *Tx) {
		require.NoError(t, tx.Mutate("h", TypeHash, func(v *Value) (bool, error) {
			return v.SetField("f", []byte("v"))
		}))
	})

	k.Update(func(tx *Tx) {
		require.NoError(t, tx.Mutate("h", TypeHash, func(v *Value) (bool, error) {
			return v.DeleteField("f")
		}))
		assert.False(t, tx.Exists("h"))
	})
	assert.Equal(t, 0, k.Len())
}

func TestKeyspace_MutateNoopOnAbsentKeyIsClean(t *testing.T) {
	k := New()

	k.Update(func(tx *Tx) {
		require.NoError(t, tx.Mutate("h", TypeHash, func(v *Value) (bool, error) {
			return v.DeleteField("f")
		}))
	})

	assert.Equal(t, 0, k.Len())
	assert.False(t, k.Dirty())
}

func TestKeyspace_DirtyVersioning(t *testing.T) {
	k := New()
	assert.False(t, k.Dirty())

	setString(k, "a", "1", SetOptions{})
	assert.True(t, k.Dirty())

	_, version := k.Snapshot()

	// a mutation racing with the disk write keeps the flag set
	setString(k, "b", "2", SetOptions{})
	k.MarkSaved(version)
	assert.True(t, k.Dirty())

	_, version = k.Snapshot()
	k.MarkSaved(version)
	assert.False(t, k.Dirty())

	// an older version never moves the mark backwards
	k.MarkSaved(1)
	assert.False(t, k.Dirty())

	// reads do not dirty
	getString(t, k, "a")
	assert.False(t, k.Dirty())
}

func TestKeyspace_SnapshotSkipsExpiredAndCopies(t *testing.T) {
	clock := newFakeClock()
	k := New(WithClock(clock))

	setString(k, "live", "v", SetOptions{})
	setString(k, "dying", "v", SetOptions{TTL: time.Second, HasTTL: true})
	k.Update(func(tx *Tx) {
		require.NoError(t, tx.Mutate("l", TypeList, func(v *Value) (bool, error) {
			_, err := v.PushRight([]byte("a"))
			return true, err
		}))
	})

	clock.Advance(time.Second)

	records, _ := k.Snapshot()
	keys := map[string]*Value{}
	for _, r := range records {
		keys[r.Key] = r.Value
	}
	assert.Len(t, keys, 2)
	assert.NotContains(t, keys, "dying")

	// mutating after the copy must not leak into it
	k.Update(func(tx *Tx) {
		require.NoError(t, tx.Mutate("l", TypeList, func(v *Value) (bool, error) {
			_, err := v.PushRight([]byte("b"))
			return true, err
		}))
	})
	assert.Equal(t, 1, keys["l"].Len())
}

func TestKeyspace_LoadDropsExpired(t *testing.T) {
	clock := newFakeClock()
	k := New(WithClock(clock))
	now := clock.Now().UnixNano()

	n := k.Load([]Record{
		{Key: "a", Value: NewString([]byte("1"))},
		{Key: "b", Value: NewString([]byte("2")), ExpireAt: now - 1},
		{Key: "c", Value: NewString([]byte("3")), ExpireAt: now + int64(time.Hour)},
	})

	assert.Equal(t, 2, n)
	assert.Equal(t, 2, k.Len())
	assert.False(t, k.Dirty(), "a fresh load is not dirty")

	k.Update(func(tx *Tx) {
		ttl, status := tx.Expiry("c")
		assert.Equal(t, ExpActive, status)
		assert.Equal(t, time.Hour, ttl)
	})
}

func TestKeyspace_DeleteExpired(t *testing.T) {
	clock := newFakeClock()
	k := New(WithClock(clock))

	for i := 0; i < 10; i++ {
		setString(k, fmt.Sprintf("short-%d", i), "v", SetOptions{TTL: time.Second, HasTTL: true})
	}
	for i := 0; i < 10; i++ {
		setString(k, fmt.Sprintf("eternal-%d", i), "v", SetOptions{})
	}

	removed, ratio := k.DeleteExpired(20)
	assert.Zero(t, removed)
	assert.Equal(t, 0.0, ratio)

	clock.Advance(2 * time.Second)
	_, version := k.Snapshot()
	k.MarkSaved(version)

	removed, ratio = k.DeleteExpired(5)
	assert.Equal(t, 5, removed)
	assert.Equal(t, 1.0, ratio)
	assert.Equal(t, 15, k.Len())
	assert.True(t, k.Dirty())

	for {
		if n, _ := k.DeleteExpired(20); n == 0 {
			break
		}
	}
	assert.Equal(t, 10, k.Len())
}

func TestKeyspace_Concurrency(t *testing.T) {
	k := New()
	const workers = 50
	const opsPerWorker = 2000

	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func(workerID int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

			for j := 0; j < opsPerWorker; j++ {
				key := fmt.Sprintf("key-%d", r.Intn(50))

				switch r.Intn(5) {
				case 0:
					setString(k, key, fmt.Sprintf("val-%d", j), SetOptions{})
				case 1:
					k.Update(func(tx *Tx) { tx.Get(key) })
				case 2:
					k.Update(func(tx *Tx) { tx.Delete(key) })
				case 3:
					k.Update(func(tx *Tx) {
						_ = tx.Mutate(key, TypeList, func(v *Value) (bool, error) {
							_, err := v.PushLeft([]byte("x"))
							return true, err
						})
					})
				case 4:
					k.Snapshot()
				}
			}
		}(i)
	}

	wg.Wait()
}

func FuzzKeyspace(f *testing.F) {
	k := New()

	f.Add("key1", "val1")
	f.Add("special", "!@#$%^&*()")

	f.Fuzz(func(t *testing.T, key string, val string) {
		setString(k, key, val, SetOptions{})

		v, ok := getString(t, k, key)
		if !ok || v != val {
			t.Errorf("Get failed after Set: key=%q, val=%q", key, val)
		}
	})
}
