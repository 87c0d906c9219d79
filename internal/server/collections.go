package server

import (
	"github.com/eternalApril/ironcache/internal/resp"
	"github.com/eternalApril/ironcache/internal/storage"
)

func lpush(c *cmdContext) (resp.Value, error) {
	return push(c, (*storage.Value).PushLeft)
}

func rpush(c *cmdContext) (resp.Value, error) {
	return push(c, (*storage.Value).PushRight)
}

// push creates the list when key is missing and replies with the new length
func push(c *cmdContext, op func(v *storage.Value, vals ...[]byte) (int, error)) (resp.Value, error) {
	vals := make([][]byte, len(c.args)-1)
	for i := range vals {
		vals[i] = c.arg(i + 1)
	}

	var length int
	err := c.tx.Mutate(c.key(0), storage.TypeList, func(v *storage.Value) (bool, error) {
		var err error
		length, err = op(v, vals...)
		return err == nil, err
	})
	if err != nil {
		return resp.Value{}, err
	}

	return resp.MakeInteger(int64(length)), nil
}

// lrange replies with the elements between start and stop inclusive; a missing key is an empty list
func lrange(c *cmdContext) (resp.Value, error) {
	start, err := c.integer(1)
	if err != nil {
		return resp.Value{}, err
	}
	stop, err := c.integer(2)
	if err != nil {
		return resp.Value{}, err
	}

	e, ok := c.tx.Get(c.key(0))
	if !ok {
		return resp.MakeArray(nil), nil
	}

	items, err := e.Value.Range(clampInt(start), clampInt(stop))
	if err != nil {
		return resp.Value{}, err
	}
	return resp.MakeBulkArray(items), nil
}

func llen(c *cmdContext) (resp.Value, error) {
	e, ok := c.tx.Get(c.key(0))
	if !ok {
		return resp.MakeInteger(0), nil
	}
	if e.Value.Type() != storage.TypeList {
		return resp.Value{}, storage.ErrWrongType
	}
	return resp.MakeInteger(int64(e.Value.Len())), nil
}

// hset sets field/value pairs and replies with the number of fields that were created
func hset(c *cmdContext) (resp.Value, error) {
	if len(c.args)%2 == 0 {
		return resp.Value{}, arityError("HSET")
	}

	var created int64
	err := c.tx.Mutate(c.key(0), storage.TypeHash, func(v *storage.Value) (bool, error) {
		for i := 1; i < len(c.args); i += 2 {
			isNew, err := v.SetField(c.key(i), c.arg(i+1))
			if err != nil {
				return false, err
			}
			if isNew {
				created++
			}
		}
		return true, nil
	})
	if err != nil {
		return resp.Value{}, err
	}

	return resp.MakeInteger(created), nil
}

func hget(c *cmdContext) (resp.Value, error) {
	e, ok := c.tx.Get(c.key(0))
	if !ok {
		return resp.MakeNilBulkString(), nil
	}

	val, found, err := e.Value.GetField(c.key(1))
	if err != nil {
		return resp.Value{}, err
	}
	if !found {
		return resp.MakeNilBulkString(), nil
	}
	return resp.MakeBulk(val), nil
}

// hdel removes fields; the hash is deleted with its last field
func hdel(c *cmdContext) (resp.Value, error) {
	var removed int64
	err := c.tx.Mutate(c.key(0), storage.TypeHash, func(v *storage.Value) (bool, error) {
		for i := 1; i < len(c.args); i++ {
			ok, err := v.DeleteField(c.key(i))
			if err != nil {
				return false, err
			}
			if ok {
				removed++
			}
		}
		return removed > 0, nil
	})
	if err != nil {
		return resp.Value{}, err
	}

	return resp.MakeInteger(removed), nil
}

func hlen(c *cmdContext) (resp.Value, error) {
	e, ok := c.tx.Get(c.key(0))
	if !ok {
		return resp.MakeInteger(0), nil
	}
	if e.Value.Type() != storage.TypeHash {
		return resp.Value{}, storage.ErrWrongType
	}
	return resp.MakeInteger(int64(e.Value.Len())), nil
}

// hgetall replies with a flat field, value, ... array ordered by field name
func hgetall(c *cmdContext) (resp.Value, error) {
	e, ok := c.tx.Get(c.key(0))
	if !ok {
		return resp.MakeArray(nil), nil
	}

	fields, err := e.Value.Fields()
	if err != nil {
		return resp.Value{}, err
	}

	out := make([]resp.Value, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, resp.MakeBulkString(f.Name), resp.MakeBulk(f.Value))
	}
	return resp.MakeArray(out), nil
}

// clampInt narrows a list index to int. Out of range indexes are clamped by Range anyway
func clampInt(n int64) int {
	const maxInt = int64(^uint(0) >> 1)
	switch {
	case n > maxInt:
		return int(maxInt)
	case n < -maxInt:
		return int(-maxInt)
	default:
		return int(n)
	}
}
