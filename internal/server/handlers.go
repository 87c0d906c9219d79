package server

import (
	"math"
	"strings"
	"time"

	"github.com/eternalApril/ironcache/internal/resp"
	"github.com/eternalApril/ironcache/internal/storage"
)

// get returns the string stored at key or nil
func get(c *cmdContext) (resp.Value, error) {
	e, ok := c.tx.Get(c.key(0))
	if !ok {
		return resp.MakeNilBulkString(), nil
	}

	b, err := e.Value.Str()
	if err != nil {
		return resp.Value{}, err
	}
	return resp.MakeBulk(b), nil
}

// set binds a string to key.
// SET key value [NX | XX] [EX seconds | PX milliseconds | EXAT unix-seconds | PXAT unix-milliseconds | KEEPTTL]
func set(c *cmdContext) (resp.Value, error) {
	opts, err := parseSetOptions(c)
	if err != nil {
		return resp.Value{}, err
	}

	if !c.tx.Upsert(c.key(0), storage.NewString(c.arg(1)), opts) {
		return resp.MakeNilBulkString(), nil
	}
	return resp.MakeOK(), nil
}

func parseSetOptions(c *cmdContext) (storage.SetOptions, error) {
	var opts storage.SetOptions

	for i := 2; i < len(c.args); i++ {
		opt := strings.ToUpper(string(c.arg(i)))

		switch opt {
		case "NX":
			if opts.XX {
				return opts, syntaxError("NX and XX options at the same time are not compatible")
			}
			opts.NX = true

		case "XX":
			if opts.NX {
				return opts, syntaxError("NX and XX options at the same time are not compatible")
			}
			opts.XX = true

		case "KEEPTTL":
			if opts.HasTTL {
				return opts, syntaxError("TTL already specified")
			}
			opts.KeepTTL = true

		case "EX", "PX", "EXAT", "PXAT":
			if opts.HasTTL || opts.KeepTTL {
				return opts, syntaxError("TTL already specified")
			}
			if i+1 >= len(c.args) {
				return opts, syntaxError("%s requires a value", opt)
			}
			i++

			n, err := c.integer(i)
			if err != nil {
				return opts, err
			}
			ttl, err := ttlFromOption(opt, n, c.tx.Now())
			if err != nil {
				return opts, err
			}
			opts.TTL, opts.HasTTL = ttl, true

		default:
			return opts, syntaxError("unknown option '%s'", c.arg(i))
		}
	}

	return opts, nil
}

// ttlFromOption converts a relative or absolute expire option into a lifetime starting at now.
// Zero is accepted and yields an already expired key
func ttlFromOption(opt string, n int64, now time.Time) (time.Duration, error) {
	invalid := syntaxError("invalid expire time in 'set' command")
	if n < 0 {
		return 0, invalid
	}

	var ttl time.Duration
	switch opt {
	case "EX":
		if n > math.MaxInt64/int64(time.Second) {
			return 0, invalid
		}
		ttl = time.Duration(n) * time.Second
	case "PX":
		if n > math.MaxInt64/int64(time.Millisecond) {
			return 0, invalid
		}
		ttl = time.Duration(n) * time.Millisecond
	case "EXAT":
		if n > math.MaxInt64/int64(time.Second) {
			return 0, invalid
		}
		ttl = time.Unix(n, 0).Sub(now)
	case "PXAT":
		if n > math.MaxInt64/int64(time.Millisecond) {
			return 0, invalid
		}
		ttl = time.UnixMilli(n).Sub(now)
	}

	if !deadlineFits(now, ttl) {
		return 0, invalid
	}
	return ttl, nil
}

// deadlineFits reports whether now+ttl is representable in Unix nanoseconds
func deadlineFits(now time.Time, ttl time.Duration) bool {
	return ttl <= 0 || int64(ttl) <= math.MaxInt64-now.UnixNano()
}

// del removes keys. Already expired keys are purged first and not counted
func del(c *cmdContext) (resp.Value, error) {
	var removed int64
	for i := range c.args {
		key := c.key(i)
		if c.tx.Exists(key) && c.tx.Delete(key) {
			removed++
		}
	}
	return resp.MakeInteger(removed), nil
}

// exists counts live keys. A key named twice is counted twice
func exists(c *cmdContext) (resp.Value, error) {
	var n int64
	for i := range c.args {
		if c.tx.Exists(c.key(i)) {
			n++
		}
	}
	return resp.MakeInteger(n), nil
}

// expire sets a TTL in seconds. A non-positive TTL deletes the key
func expire(c *cmdContext) (resp.Value, error) {
	key := c.key(0)
	seconds, err := c.integer(1)
	if err != nil {
		return resp.Value{}, err
	}

	if seconds <= 0 {
		if c.tx.Exists(key) && c.tx.Delete(key) {
			return resp.MakeInteger(1), nil
		}
		return resp.MakeInteger(0), nil
	}

	if seconds > math.MaxInt64/int64(time.Second) || !deadlineFits(c.tx.Now(), time.Duration(seconds)*time.Second) {
		return resp.Value{}, syntaxError("invalid expire time in 'expire' command")
	}

	if !c.tx.Expire(key, time.Duration(seconds)*time.Second) {
		return resp.MakeInteger(0), nil
	}
	return resp.MakeInteger(1), nil
}

// ttl returns the remaining lifetime in seconds, -1 without TTL, -2 for a missing key
func ttl(c *cmdContext) (resp.Value, error) {
	d, status := c.tx.Expiry(c.key(0))
	if status != storage.ExpActive {
		return resp.MakeInteger(int64(status)), nil
	}
	return resp.MakeInteger(int64((d + 500*time.Millisecond) / time.Second)), nil
}

// pttl is ttl in milliseconds
func pttl(c *cmdContext) (resp.Value, error) {
	d, status := c.tx.Expiry(c.key(0))
	if status != storage.ExpActive {
		return resp.MakeInteger(int64(status)), nil
	}
	return resp.MakeInteger(d.Milliseconds()), nil
}

func persist(c *cmdContext) (resp.Value, error) {
	if c.tx.Persist(c.key(0)) {
		return resp.MakeInteger(1), nil
	}
	return resp.MakeInteger(0), nil
}

func ping(c *cmdContext) (resp.Value, error) {
	switch len(c.args) {
	case 0:
		return resp.MakeSimpleString("PONG"), nil
	case 1:
		return resp.MakeBulk(c.arg(0)), nil
	default:
		return resp.Value{}, arityError("PING")
	}
}

// cmd implements COMMAND, COMMAND COUNT, COMMAND INFO name... and COMMAND DOCS [name...]
func cmd(c *cmdContext) (resp.Value, error) {
	if len(c.args) == 0 {
		return getAllCommands(), nil
	}

	switch sub := strings.ToUpper(string(c.arg(0))); sub {
	case "DOCS":
		return getCommandsDocs(c.args[1:]), nil

	case "COUNT":
		return resp.MakeInteger(int64(len(commandRegistry))), nil

	case "INFO":
		infos := make([]resp.Value, 0, len(c.args)-1)
		for _, arg := range c.args[1:] {
			name := strings.ToUpper(string(arg.String))
			if _, ok := commandRegistry[name]; !ok {
				infos = append(infos, resp.Value{Type: resp.TypeArray, IsNull: true})
				continue
			}
			infos = append(infos, resp.MakeArray(makeInfoCmdArray(name)))
		}
		return resp.MakeArray(infos), nil

	default:
		return resp.Value{}, syntaxError("unknown subcommand '%s'", c.arg(0))
	}
}

// dbsize counts stored keys, including expired ones not purged yet
func dbsize(c *cmdContext) (resp.Value, error) {
	return resp.MakeInteger(int64(c.engine.keyspace.Len())), nil
}

// save blocks until the snapshot is durable
func save(c *cmdContext) (resp.Value, error) {
	if err := c.engine.Save(); err != nil {
		return resp.Value{}, err
	}
	return resp.MakeOK(), nil
}

func bgsave(c *cmdContext) (resp.Value, error) {
	if err := c.engine.BackgroundSave(); err != nil {
		return resp.Value{}, err
	}
	return resp.MakeSimpleString("Background saving started"), nil
}
