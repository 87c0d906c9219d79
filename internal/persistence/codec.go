package persistence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/eternalApril/ironcache/internal/storage"
)

// Snapshot layout (little-endian):
//
//	magic "IRONSNP1" | record count u64 | records... | end marker 0xFF | xxhash64 of all preceding bytes
//
// record: key len u32, key, type u8, has-expiry u8, [expire-at i64 unix nanos], payload
// payload: string -> len u32 + bytes
//          list   -> count u32 + (len u32 + bytes)...
//          hash   -> count u32 + (len u32 + field, len u32 + value)...
var magicBytes = []byte("IRONSNP1")

const (
	endMarker  = 0xFF
	maxBlobLen = 512 * 1024 * 1024
	allocChunk = 64 * 1024
	prealloc   = 1024
)

// ErrCorrupt is returned when a snapshot is truncated or malformed
var ErrCorrupt = errors.New("snapshot corrupt")

// Encode writes records as a complete snapshot image
func Encode(w io.Writer, records []storage.Record) error {
	hash := xxhash.New()
	enc := &encoder{w: io.MultiWriter(w, hash)}

	enc.raw(magicBytes)
	enc.u64(uint64(len(records)))

	for _, r := range records {
		enc.record(r)
	}

	enc.raw([]byte{endMarker})
	if enc.err != nil {
		return enc.err
	}

	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], hash.Sum64())
	_, err := w.Write(sum[:])
	return err
}

type encoder struct {
	w   io.Writer
	buf [8]byte
	err error
}

func (e *encoder) raw(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *encoder) u8(v byte) {
	e.buf[0] = v
	e.raw(e.buf[:1])
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.raw(e.buf[:4])
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.raw(e.buf[:8])
}

func (e *encoder) blob(b []byte) {
	e.u32(uint32(len(b)))
	e.raw(b)
}

func (e *encoder) record(r storage.Record) {
	e.blob([]byte(r.Key))
	e.u8(byte(r.Value.Type()))

	if r.ExpireAt != 0 {
		e.u8(1)
		e.u64(uint64(r.ExpireAt))
	} else {
		e.u8(0)
	}

	switch r.Value.Type() {
	case storage.TypeString:
		s, _ := r.Value.Str() //nolint:errcheck
		e.blob(s)

	case storage.TypeList:
		items, _ := r.Value.Items() //nolint:errcheck
		e.u32(uint32(len(items)))
		for _, item := range items {
			e.blob(item)
		}

	case storage.TypeHash:
		fields, _ := r.Value.Fields() //nolint:errcheck
		e.u32(uint32(len(fields)))
		for _, f := range fields {
			e.blob([]byte(f.Name))
			e.blob(f.Value)
		}

	default:
		if e.err == nil {
			e.err = fmt.Errorf("unknown value type %d for key %q", r.Value.Type(), r.Key)
		}
	}
}

// Decode reads a complete snapshot image. Every structural problem, including
// truncation and checksum mismatch, is reported as ErrCorrupt
func Decode(r io.Reader) ([]storage.Record, error) {
	br := bufio.NewReader(r)
	hash := xxhash.New()
	dec := &decoder{r: io.TeeReader(br, hash)}

	header := make([]byte, len(magicBytes))
	if err := dec.full(header); err != nil {
		return nil, err
	}
	if !bytes.Equal(header, magicBytes) {
		return nil, fmt.Errorf("%w: invalid header %q", ErrCorrupt, header)
	}

	count, err := dec.u64()
	if err != nil {
		return nil, err
	}

	records := make([]storage.Record, 0, min(count, prealloc))
	seen := make(map[string]struct{}, min(count, prealloc))

	for i := uint64(0); i < count; i++ {
		rec, err := dec.record()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if _, dup := seen[rec.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrCorrupt, rec.Key)
		}
		seen[rec.Key] = struct{}{}
		records = append(records, rec)
	}

	marker, err := dec.u8()
	if err != nil {
		return nil, err
	}
	if marker != endMarker {
		return nil, fmt.Errorf("%w: missing end marker", ErrCorrupt)
	}

	want := hash.Sum64()

	var sum [8]byte
	if _, err := io.ReadFull(br, sum[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated checksum", ErrCorrupt)
	}
	if got := binary.LittleEndian.Uint64(sum[:]); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	if _, err := br.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after checksum", ErrCorrupt)
	}

	return records, nil
}

type decoder struct {
	r   io.Reader
	buf [8]byte
}

func (d *decoder) full(b []byte) error {
	if _, err := io.ReadFull(d.r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated", ErrCorrupt)
		}
		return err
	}
	return nil
}

func (d *decoder) u8() (byte, error) {
	if err := d.full(d.buf[:1]); err != nil {
		return 0, err
	}
	return d.buf[0], nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.full(d.buf[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(d.buf[:4]), nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.full(d.buf[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(d.buf[:8]), nil
}

// blob reads a length-prefixed byte string. Memory grows with the bytes actually
// present, so a corrupt length cannot force a huge allocation
func (d *decoder) blob() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n > maxBlobLen {
		return nil, fmt.Errorf("%w: length %d exceeds limit", ErrCorrupt, n)
	}

	buf := bytes.NewBuffer(make([]byte, 0, min(int(n), allocChunk)))
	copied, err := io.CopyN(buf, d.r, int64(n))
	if copied < int64(n) {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: truncated", ErrCorrupt)
		}
		return nil, err
	}

	return buf.Bytes(), nil
}

func (d *decoder) record() (storage.Record, error) {
	var rec storage.Record

	key, err := d.blob()
	if err != nil {
		return rec, err
	}
	rec.Key = string(key)

	tag, err := d.u8()
	if err != nil {
		return rec, err
	}

	hasExpiry, err := d.u8()
	if err != nil {
		return rec, err
	}
	switch hasExpiry {
	case 0:
	case 1:
		exp, err := d.u64()
		if err != nil {
			return rec, err
		}
		if exp == 0 {
			return rec, fmt.Errorf("%w: zero expiry for key %q", ErrCorrupt, rec.Key)
		}
		rec.ExpireAt = int64(exp)
	default:
		return rec, fmt.Errorf("%w: invalid expiry flag %d", ErrCorrupt, hasExpiry)
	}

	switch storage.DataType(tag) {
	case storage.TypeString:
		s, err := d.blob()
		if err != nil {
			return rec, err
		}
		rec.Value = storage.NewString(s)

	case storage.TypeList:
		n, err := d.u32()
		if err != nil {
			return rec, err
		}
		if n == 0 {
			return rec, fmt.Errorf("%w: empty list for key %q", ErrCorrupt, rec.Key)
		}
		items := make([][]byte, 0, min(n, prealloc))
		for i := uint32(0); i < n; i++ {
			item, err := d.blob()
			if err != nil {
				return rec, err
			}
			items = append(items, item)
		}
		rec.Value = storage.NewList(items...)

	case storage.TypeHash:
		n, err := d.u32()
		if err != nil {
			return rec, err
		}
		if n == 0 {
			return rec, fmt.Errorf("%w: empty hash for key %q", ErrCorrupt, rec.Key)
		}
		h := storage.NewHash()
		for i := uint32(0); i < n; i++ {
			field, err := d.blob()
			if err != nil {
				return rec, err
			}
			val, err := d.blob()
			if err != nil {
				return rec, err
			}
			created, _ := h.SetField(string(field), val) //nolint:errcheck
			if !created {
				return rec, fmt.Errorf("%w: duplicate field %q in key %q", ErrCorrupt, field, rec.Key)
			}
		}
		rec.Value = h

	default:
		return rec, fmt.Errorf("%w: unknown type tag %d for key %q", ErrCorrupt, tag, rec.Key)
	}

	return rec, nil
}
