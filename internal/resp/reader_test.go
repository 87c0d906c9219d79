package resp_test

import (
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"

	"github.com/eternalApril/ironcache/internal/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadInt(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr error
	}{
		{
			name:    "Valid positive",
			input:   ":1000\r\n",
			want:    1000,
			wantErr: nil,
		},
		{
			name:    "Valid positive with +",
			input:   ":+1230\r\n",
			want:    1230,
			wantErr: nil,
		},
		{
			name:    "Valid negative",
			input:   ":-15\r\n",
			want:    -15,
			wantErr: nil,
		},
		{
			name:    "Valid zero",
			input:   ":0\r\n",
			want:    0,
			wantErr: nil,
		},
		{
			name:    "Invalid ending",
			input:   ":1000\n",
			want:    0,
			wantErr: resp.ErrInvalidEnding,
		},
		{
			name:    "Not a number",
			input:   ":abc\r\n",
			want:    0,
			wantErr: resp.ErrProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := resp.NewDecoder(strings.NewReader(tt.input))

			val, err := r.Read()

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Read() expected error %v, got %v", tt.wantErr, err)
				}
				return
			}

			if err != nil {
				t.Errorf("Read() unexpected error %v", err)
			}

			if val.Type != resp.TypeInteger {
				t.Errorf("Read() type = %v, want %v", val.Type, resp.TypeInteger)
			}

			if val.Integer != tt.want {
				t.Errorf("Read() num = %v, want %v", val.Integer, tt.want)
			}
		})
	}
}

func TestReadArrayCommand(t *testing.T) {
	payload := encodeCommand(t, "SET", "key", "hello world")

	r := resp.NewDecoder(strings.NewReader(string(payload)))
	val, err := r.Read()
	require.NoError(t, err)

	require.Equal(t, byte(resp.TypeArray), val.Type)
	require.Len(t, val.Array, 3)
	assert.Equal(t, "SET", string(val.Array[0].String))
	assert.Equal(t, "key", string(val.Array[1].String))
	assert.Equal(t, "hello world", string(val.Array[2].String))

	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadInline(t *testing.T) {
	input := "set  k v\r\n\r\nGET k\nLRANGE k 0 -1"
	r := resp.NewDecoder(strings.NewReader(input))

	want := [][]string{
		{"set", "k", "v"},
		{"GET", "k"},
		{"LRANGE", "k", "0", "-1"},
	}

	for _, cmd := range want {
		val, err := r.Read()
		require.NoError(t, err)
		require.Equal(t, byte(resp.TypeArray), val.Type)

		got := make([]string, len(val.Array))
		for i, a := range val.Array {
			got[i] = string(a.String)
		}
		assert.Equal(t, cmd, got)
	}

	_, err := r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadReplies(t *testing.T) {
	input := "+OK\r\n-ERR bad\r\n$-1\r\n$0\r\n\r\n*-1\r\n*2\r\n$1\r\na\r\n:7\r\n"
	r := resp.NewDecoder(strings.NewReader(input))

	v, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, resp.MakeSimpleString("OK"), v)

	v, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, byte(resp.TypeError), v.Type)
	assert.Equal(t, "ERR bad", string(v.String))

	v, err = r.Read()
	require.NoError(t, err)
	assert.True(t, v.IsNull)

	v, err = r.Read()
	require.NoError(t, err)
	assert.False(t, v.IsNull)
	assert.Empty(t, v.String)

	v, err = r.Read()
	require.NoError(t, err)
	assert.True(t, v.IsNull)
	assert.Equal(t, byte(resp.TypeArray), v.Type)

	v, err = r.Read()
	require.NoError(t, err)
	require.Len(t, v.Array, 2)
	assert.Equal(t, "a", string(v.Array[0].String))
	assert.Equal(t, int64(7), v.Array[1].Integer)
}

func TestReadMalformed(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"truncated bulk", "*1\r\n$5\r\nab", io.ErrUnexpectedEOF},
		{"bad bulk terminator", "$2\r\nabXX", resp.ErrInvalidEnding},
		{"negative array", "*-5\r\n", resp.ErrProtocol},
		{"truncated array", "*2\r\n$1\r\na\r\n", io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := resp.NewDecoder(strings.NewReader(tt.input))
			_, err := r.Read()
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// Declared lengths must not be allocated up front: a header alone costs almost nothing
func TestReadDeclaredLengthsAreNotPreallocated(t *testing.T) {
	inputs := map[string]string{
		"bulk":  "$536870912\r\nabc",
		"array": "*1048576\r\n$1\r\na\r\n",
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)

			_, err := resp.NewDecoder(strings.NewReader(input)).Read()
			require.ErrorIs(t, err, io.ErrUnexpectedEOF)

			runtime.ReadMemStats(&after)
			assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(8<<20))
		})
	}
}
