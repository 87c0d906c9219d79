package storage

import (
	"errors"
	"sort"
)

// ErrWrongType is returned when an operation is applied to a value of another shape
var ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

type DataType byte

const (
	TypeString DataType = iota + 1
	TypeList
	TypeHash
)

// String returns the lowercase type name used in replies and logs
func (t DataType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeList:
		return "list"
	case TypeHash:
		return "hash"
	default:
		return "none"
	}
}

// Value is a tagged union holding exactly one shape. Byte slices stored inside
// a Value are never modified in place, only replaced.
type Value struct {
	kind DataType
	str  []byte
	list [][]byte
	hash map[string][]byte
}

// HashField is a single field/value pair of a Hash
type HashField struct {
	Name  string
	Value []byte
}

// NewString constructs a String value
func NewString(b []byte) *Value {
	return &Value{kind: TypeString, str: b}
}

// NewList constructs a List value holding items in order
func NewList(items ...[]byte) *Value {
	list := make([][]byte, len(items))
	copy(list, items)
	return &Value{kind: TypeList, list: list}
}

// NewHash constructs an empty Hash value
func NewHash() *Value {
	return &Value{kind: TypeHash, hash: make(map[string][]byte)}
}

// Empty returns the zero value of the given shape
func Empty(t DataType) *Value {
	switch t {
	case TypeList:
		return NewList()
	case TypeHash:
		return NewHash()
	default:
		return NewString(nil)
	}
}

// Type reports the active shape
func (v *Value) Type() DataType {
	return v.kind
}

// Str returns the bytes of a String value
func (v *Value) Str() ([]byte, error) {
	if v.kind != TypeString {
		return nil, ErrWrongType
	}
	return v.str, nil
}

// Len returns the number of list elements or hash fields. Strings report their byte length
func (v *Value) Len() int {
	switch v.kind {
	case TypeList:
		return len(v.list)
	case TypeHash:
		return len(v.hash)
	default:
		return len(v.str)
	}
}

// IsContainer reports whether the value is a List or a Hash
func (v *Value) IsContainer() bool {
	return v.kind == TypeList || v.kind == TypeHash
}

// PushLeft prepends each value in argument order, so pushing a then b yields [b a ...]
func (v *Value) PushLeft(vals ...[]byte) (int, error) {
	if v.kind != TypeList {
		return 0, ErrWrongType
	}

	list := make([][]byte, 0, len(vals)+len(v.list))
	for i := len(vals) - 1; i >= 0; i-- {
		list = append(list, vals[i])
	}
	v.list = append(list, v.list...)

	return len(v.list), nil
}

// PushRight appends each value in argument order
func (v *Value) PushRight(vals ...[]byte) (int, error) {
	if v.kind != TypeList {
		return 0, ErrWrongType
	}
	v.list = append(v.list, vals...)
	return len(v.list), nil
}

// Range returns the elements between start and stop inclusive.
// Negative indexes count from the end (-1 is the last element); out of range indexes are clamped
func (v *Value) Range(start, stop int) ([][]byte, error) {
	if v.kind != TypeList {
		return nil, ErrWrongType
	}

	n := len(v.list)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}

	if start >= n || start > stop {
		return [][]byte{}, nil
	}

	out := make([][]byte, stop-start+1)
	copy(out, v.list[start:stop+1])
	return out, nil
}

// SetField inserts or overwrites a hash field. Returns true if the field is new
func (v *Value) SetField(name string, val []byte) (bool, error) {
	if v.kind != TypeHash {
		return false, ErrWrongType
	}
	_, exists := v.hash[name]
	v.hash[name] = val
	return !exists, nil
}

// GetField returns the value of a hash field
func (v *Value) GetField(name string) ([]byte, bool, error) {
	if v.kind != TypeHash {
		return nil, false, ErrWrongType
	}
	val, ok := v.hash[name]
	return val, ok, nil
}

// DeleteField removes a hash field. Returns true if the field existed
func (v *Value) DeleteField(name string) (bool, error) {
	if v.kind != TypeHash {
		return false, ErrWrongType
	}
	if _, ok := v.hash[name]; !ok {
		return false, nil
	}
	delete(v.hash, name)
	return true, nil
}

// Fields returns all hash fields ordered by name
func (v *Value) Fields() ([]HashField, error) {
	if v.kind != TypeHash {
		return nil, ErrWrongType
	}

	fields := make([]HashField, 0, len(v.hash))
	for name, val := range v.hash {
		fields = append(fields, HashField{Name: name, Value: val})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	return fields, nil
}

// Items returns the list elements. The returned slice must not be modified
func (v *Value) Items() ([][]byte, error) {
	if v.kind != TypeList {
		return nil, ErrWrongType
	}
	return v.list, nil
}

// Clone returns a copy that shares element bytes but none of the container structure
func (v *Value) Clone() *Value {
	c := &Value{kind: v.kind, str: v.str}

	switch v.kind {
	case TypeList:
		c.list = make([][]byte, len(v.list))
		copy(c.list, v.list)
	case TypeHash:
		c.hash = make(map[string][]byte, len(v.hash))
		for name, val := range v.hash {
			c.hash[name] = val
		}
	}

	return c
}
