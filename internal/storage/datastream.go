package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// maxFieldLen bounds length-prefixed fields read from a record.
const maxFieldLen = 1 << 30

// absentLen marks an absent long string.
const absentLen = -1

// dataWriter writes big-endian primitives. The first error sticks and
// later writes are dropped.
type dataWriter struct {
	w   *bufio.Writer
	err error
	buf [8]byte
}

func newDataWriter(w io.Writer) *dataWriter {
	return &dataWriter{w: bufio.NewWriter(w)}
}

func (w *dataWriter) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *dataWriter) write(p []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(p)
}

func (w *dataWriter) writeInt32(v int32) {
	binary.BigEndian.PutUint32(w.buf[:4], uint32(v))
	w.write(w.buf[:4])
}

func (w *dataWriter) writeInt64(v int64) {
	binary.BigEndian.PutUint64(w.buf[:8], uint64(v))
	w.write(w.buf[:8])
}

func (w *dataWriter) writeBool(v bool) {
	if v {
		w.write([]byte{1})
	} else {
		w.write([]byte{0})
	}
}

// writeUTF writes a uint16 length and the bytes.
func (w *dataWriter) writeUTF(s string) {
	if len(s) > math.MaxUint16 {
		w.fail(fmt.Errorf("string of %d bytes exceeds short string limit", len(s)))
		return
	}
	binary.BigEndian.PutUint16(w.buf[:2], uint16(len(s)))
	w.write(w.buf[:2])
	w.write([]byte(s))
}

// writeLong writes an int32 length and the bytes.
func (w *dataWriter) writeLong(s string) {
	w.writeInt32(int32(len(s)))
	w.write([]byte(s))
}

// writeOptLong writes a long string or the absent sentinel.
func (w *dataWriter) writeOptLong(s string, ok bool) {
	if !ok {
		w.writeInt32(absentLen)
		return
	}
	w.writeLong(s)
}

func (w *dataWriter) writeBytes(p []byte) {
	w.writeInt32(int32(len(p)))
	w.write(p)
}

func (w *dataWriter) flush() error {
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}

// dataReader is the reading side of dataWriter. Every failure is reported
// as ErrCorruptRecord.
type dataReader struct {
	r   *bufio.Reader
	err error
	buf [8]byte
}

func newDataReader(r io.Reader) *dataReader {
	return &dataReader{r: bufio.NewReader(r)}
}

func (r *dataReader) read(p []byte) bool {
	if r.err != nil {
		return false
	}
	if _, err := io.ReadFull(r.r, p); err != nil {
		r.err = fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		return false
	}
	return true
}

func (r *dataReader) readInt32() int32 {
	if !r.read(r.buf[:4]) {
		return 0
	}
	return int32(binary.BigEndian.Uint32(r.buf[:4]))
}

func (r *dataReader) readInt64() int64 {
	if !r.read(r.buf[:8]) {
		return 0
	}
	return int64(binary.BigEndian.Uint64(r.buf[:8]))
}

func (r *dataReader) readBool() bool {
	if !r.read(r.buf[:1]) {
		return false
	}
	switch r.buf[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		r.err = fmt.Errorf("%w: invalid bool byte %#x", ErrCorruptRecord, r.buf[0])
		return false
	}
}

func (r *dataReader) readN(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > maxFieldLen {
		r.err = fmt.Errorf("%w: invalid field length %d", ErrCorruptRecord, n)
		return nil
	}
	p := make([]byte, n)
	if !r.read(p) {
		return nil
	}
	return p
}

func (r *dataReader) readUTF() string {
	if !r.read(r.buf[:2]) {
		return ""
	}
	return string(r.readN(int(binary.BigEndian.Uint16(r.buf[:2]))))
}

func (r *dataReader) readLong() string {
	return string(r.readN(int(r.readInt32())))
}

func (r *dataReader) readOptLong() (string, bool) {
	n := r.readInt32()
	if r.err != nil || n == absentLen {
		return "", false
	}
	return string(r.readN(int(n))), r.err == nil
}

func (r *dataReader) readBytes() []byte {
	return r.readN(int(r.readInt32()))
}

// atEOF reports whether the stream is fully consumed.
func (r *dataReader) atEOF() bool {
	if r.err != nil {
		return false
	}
	_, err := r.r.Peek(1)
	return err == io.EOF
}
