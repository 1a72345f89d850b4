package storage

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataStream(t *testing.T) {
	long := strings.Repeat("osgi.ee; osgi.ee=\"JavaSE\", ", 5000)

	var buf bytes.Buffer
	w := newDataWriter(&buf)
	w.writeInt32(-7)
	w.writeInt64(1 << 40)
	w.writeBool(true)
	w.writeUTF("app:service-a")
	w.writeLong(long)
	w.writeOptLong("", false)
	w.writeOptLong("", true)
	w.writeBytes([]byte{1, 2, 3})
	require.NoError(t, w.flush())

	r := newDataReader(bytes.NewReader(buf.Bytes()))
	assert.Equal(t, int32(-7), r.readInt32())
	assert.Equal(t, int64(1<<40), r.readInt64())
	assert.True(t, r.readBool())
	assert.Equal(t, "app:service-a", r.readUTF())
	assert.Equal(t, long, r.readLong())
	_, ok := r.readOptLong()
	assert.False(t, ok)
	v, ok := r.readOptLong()
	assert.True(t, ok)
	assert.Empty(t, v)
	assert.Equal(t, []byte{1, 2, 3}, r.readBytes())
	require.NoError(t, r.err)
	assert.True(t, r.atEOF())
}

func TestDataStreamUTFTooLong(t *testing.T) {
	var buf bytes.Buffer
	w := newDataWriter(&buf)
	w.writeUTF(strings.Repeat("x", 1<<16))
	assert.Error(t, w.flush())
}

func TestDataReaderErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		read func(r *dataReader)
	}{
		{"short int", []byte{0, 0}, func(r *dataReader) { r.readInt32() }},
		{"short string", []byte{0, 5, 'a'}, func(r *dataReader) { r.readUTF() }},
		{"negative length", []byte{0xff, 0xff, 0xff, 0xf0}, func(r *dataReader) { r.readBytes() }},
		{"oversized length", []byte{0x7f, 0xff, 0xff, 0xff}, func(r *dataReader) { r.readLong() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newDataReader(bytes.NewReader(tt.data))
			tt.read(r)
			assert.ErrorIs(t, r.err, ErrCorruptRecord)
		})
	}
}
