package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/eternalApril/ironcache/internal/resp"
	"github.com/eternalApril/ironcache/internal/storage"
)

// Error kinds. A CommandError unwraps to exactly one of them
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrArity          = errors.New("wrong number of arguments")
	ErrSyntax         = errors.New("syntax error")
	ErrIO             = errors.New("io error")
	ErrWrongType      = storage.ErrWrongType
)

// CommandError is a failure of a single command. It never affects the connection or other clients
type CommandError struct {
	Kind error
	Msg  string
}

func (e *CommandError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Msg
}

func (e *CommandError) Unwrap() error {
	return e.Kind
}

func syntaxError(format string, a ...any) error {
	return &CommandError{Kind: ErrSyntax, Msg: fmt.Sprintf(format, a...)}
}

func arityError(name string) error {
	return &CommandError{Kind: ErrArity, Msg: strings.ToLower(name)}
}

func unknownCommand(name string) error {
	return &CommandError{Kind: ErrUnknownCommand, Msg: name}
}

func ioError(err error) error {
	return &CommandError{Kind: ErrIO, Msg: err.Error()}
}

var (
	errSnapshotsDisabled = errors.New("snapshots are disabled")
	errShuttingDown      = errors.New("server is shutting down")
)

var errNotInteger = &CommandError{Kind: ErrSyntax, Msg: "value is not an integer or out of range"}

// errorReply renders err as a RESP error line whose first word names its kind
func errorReply(err error) resp.Value {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		if errors.Is(err, storage.ErrWrongType) {
			return resp.MakeError(storage.ErrWrongType.Error())
		}
		return resp.MakeError("ERR " + err.Error())
	}

	switch cmdErr.Kind {
	case ErrUnknownCommand:
		return resp.MakeError(fmt.Sprintf("ERR unknown command '%s'", cmdErr.Msg))
	case ErrArity:
		return resp.MakeErrorWrongNumberOfArguments(cmdErr.Msg)
	case ErrIO:
		return resp.MakeError("IOERR " + cmdErr.Msg)
	case ErrWrongType:
		return resp.MakeError(storage.ErrWrongType.Error())
	default:
		return resp.MakeError("ERR " + cmdErr.Error())
	}
}
