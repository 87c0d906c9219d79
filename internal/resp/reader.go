package resp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Protocol limits
const (
	MaxArrayLen  = 1024 * 1024
	MaxBulkLen   = 512 * 1024 * 1024
	MaxInlineLen = 64 * 1024
)

// Initial allocations for declared lengths; larger values grow as data arrives
const (
	allocChunk    = 64 * 1024
	arrayPrealloc = 1024
)

var (
	ErrInvalidEnding = errors.New("invalid line ending")
	ErrProtocol      = errors.New("protocol error")
)

// Decoder reads RESP values from a stream.
// Lines that do not start with a RESP type byte are decoded as inline commands:
// whitespace-separated tokens returned as an array of bulk strings
type Decoder struct {
	rd *bufio.Reader
}

// NewDecoder initializes a Decoder with a buffered reader
func NewDecoder(rd io.Reader) *Decoder {
	return &Decoder{rd: bufio.NewReader(rd)}
}

// Buffered returns the number of bytes that can be read from the current buffer
func (d *Decoder) Buffered() int {
	return d.rd.Buffered()
}

// Read decodes the next value. Empty inline lines are skipped
func (d *Decoder) Read() (Value, error) {
	for {
		b, err := d.rd.Peek(1)
		if err != nil {
			return Value{}, err
		}

		switch b[0] {
		case TypeSimpleString, TypeError, TypeInteger, TypeBulkString, TypeArray:
			return d.readValue()
		}

		val, err := d.readInline()
		if err != nil {
			return Value{}, err
		}
		if len(val.Array) == 0 {
			continue
		}
		return val, nil
	}
}

func (d *Decoder) readValue() (Value, error) {
	_type, err := d.rd.ReadByte()
	if err != nil {
		return Value{}, err
	}

	val := Value{
		Type: _type,
	}

	switch _type {
	case TypeSimpleString, TypeError:
		line, err := d.readLine()
		if err != nil {
			return Value{}, err
		}
		val.String = line
		return val, nil

	case TypeInteger:
		num, err := d.readInteger()
		if err != nil {
			return Value{}, err
		}
		val.Integer = num
		return val, nil

	case TypeBulkString:
		return d.readBulkString()

	case TypeArray:
		return d.readArray()
	}

	return Value{}, fmt.Errorf("%w: unexpected type %q", ErrProtocol, _type)
}

// readLine reads up to CRLF and returns the line without it
func (d *Decoder) readLine() ([]byte, error) {
	line, err := d.rd.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, ErrInvalidEnding
	}

	return line[:len(line)-2], nil
}

func (d *Decoder) readInteger() (int64, error) {
	line, err := d.readLine()
	if err != nil {
		return 0, err
	}

	// integer cant be empty
	if len(line) == 0 {
		return 0, ErrInvalidEnding
	}

	num, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer %q", ErrProtocol, line)
	}

	return num, nil
}

func (d *Decoder) readBulkString() (Value, error) {
	n, err := d.readInteger()
	if err != nil {
		return Value{}, err
	}

	if n == -1 {
		return MakeNilBulkString(), nil
	}
	if n < 0 || n > MaxBulkLen {
		return Value{}, fmt.Errorf("%w: invalid bulk length %d", ErrProtocol, n)
	}

	// the buffer grows with the bytes actually received, not with the declared length
	buf := bytes.NewBuffer(make([]byte, 0, min(n+2, allocChunk)))
	copied, err := io.CopyN(buf, d.rd, n+2)
	if copied < n+2 {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Value{}, err
	}

	b := buf.Bytes()
	if b[n] != '\r' || b[n+1] != '\n' {
		return Value{}, ErrInvalidEnding
	}

	return MakeBulk(b[:n]), nil
}

func (d *Decoder) readArray() (Value, error) {
	n, err := d.readInteger()
	if err != nil {
		return Value{}, err
	}

	if n == -1 {
		return Value{Type: TypeArray, IsNull: true}, nil
	}
	if n < 0 || n > MaxArrayLen {
		return Value{}, fmt.Errorf("%w: invalid array length %d", ErrProtocol, n)
	}

	vals := make([]Value, 0, min(n, arrayPrealloc))
	for i := int64(0); i < n; i++ {
		v, err := d.readValue()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Value{}, err
		}
		vals = append(vals, v)
	}

	return MakeArray(vals), nil
}

// readInline reads one command line terminated by LF or CRLF
func (d *Decoder) readInline() (Value, error) {
	var line []byte
	for {
		frag, err := d.rd.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > MaxInlineLen {
			return Value{}, fmt.Errorf("%w: inline command too long", ErrProtocol)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err == io.EOF && len(line) > 0 {
			// last line without terminator
			break
		}
		return Value{}, err
	}

	fields := bytes.Fields(line)
	vals := make([]Value, len(fields))
	for i, f := range fields {
		vals[i] = MakeBulk(f)
	}

	return MakeArray(vals), nil
}
