package server

import (
	"strconv"

	"github.com/eternalApril/ironcache/internal/resp"
	"github.com/eternalApril/ironcache/internal/storage"
)

// cmdContext carries the arguments of one call. tx is set only for keyspace commands
// and is valid until the handler returns
type cmdContext struct {
	args   []resp.Value
	tx     *storage.Tx
	engine *Engine
}

type handlerFunc func(c *cmdContext) (resp.Value, error)

// command is a registered handler with its metadata
type command struct {
	name     string
	meta     commandMetadata
	keyspace bool // run inside Keyspace.Update
	handler  handlerFunc
}

// arityOK checks argc, which counts the command name, against Redis-style arity:
// positive means exact, negative means at least -arity
func (c *command) arityOK(argc int) bool {
	if c.meta.arity >= 0 {
		return argc == c.meta.arity
	}
	return argc >= -c.meta.arity
}

func (c *cmdContext) key(i int) string {
	return string(c.args[i].String)
}

func (c *cmdContext) arg(i int) []byte {
	return c.args[i].String
}

func (c *cmdContext) integer(i int) (int64, error) {
	n, err := strconv.ParseInt(string(c.args[i].String), 10, 64)
	if err != nil {
		return 0, errNotInteger
	}
	return n, nil
}
