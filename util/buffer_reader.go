package util

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortBuffer 读取越过缓冲区末尾
var ErrShortBuffer = errors.New("short buffer")

// 定长读取，cursor风格：返回新的cursor和值，调用方保证不越界

func ReadByte(buff []byte, cursor int) (int, byte) {
	return cursor + 1, buff[cursor]
}

func ReadUB2(buff []byte, cursor int) (int, uint16) {
	return cursor + 2, binary.LittleEndian.Uint16(buff[cursor:])
}

func ReadUB4(buff []byte, cursor int) (int, uint32) {
	return cursor + 4, binary.LittleEndian.Uint32(buff[cursor:])
}

func ReadUB8(buff []byte, cursor int) (int, uint64) {
	return cursor + 8, binary.LittleEndian.Uint64(buff[cursor:])
}

func ReadUB2At(buff []byte, offset int) uint16 {
	return binary.LittleEndian.Uint16(buff[offset:])
}

func ReadUB4At(buff []byte, offset int) uint32 {
	return binary.LittleEndian.Uint32(buff[offset:])
}

// BufferReader 带边界检查的顺序读取器。
// 第一次越界后err被记住，之后的读取都返回零值，调用方在末尾检查Err即可。
type BufferReader struct {
	buff   []byte
	cursor int
	err    error
}

func NewBufferReader(buff []byte) *BufferReader {
	return &BufferReader{buff: buff}
}

func (r *BufferReader) Err() error {
	return r.err
}

func (r *BufferReader) Remaining() int {
	return len(r.buff) - r.cursor
}

func (r *BufferReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.cursor+n > len(r.buff) {
		r.err = ErrShortBuffer
		return false
	}
	return true
}

// ReadU8 读一个字节
func (r *BufferReader) ReadU8() byte {
	if !r.need(1) {
		return 0
	}
	var b byte
	r.cursor, b = ReadByte(r.buff, r.cursor)
	return b
}

func (r *BufferReader) ReadUB2() uint16 {
	if !r.need(2) {
		return 0
	}
	var v uint16
	r.cursor, v = ReadUB2(r.buff, r.cursor)
	return v
}

func (r *BufferReader) ReadUB4() uint32 {
	if !r.need(4) {
		return 0
	}
	var v uint32
	r.cursor, v = ReadUB4(r.buff, r.cursor)
	return v
}

func (r *BufferReader) ReadUB8() uint64 {
	if !r.need(8) {
		return 0
	}
	var v uint64
	r.cursor, v = ReadUB8(r.buff, r.cursor)
	return v
}

func (r *BufferReader) ReadFloat64() float64 {
	return math.Float64frombits(r.ReadUB8())
}

func (r *BufferReader) ReadVarint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buff[r.cursor:])
	if n <= 0 {
		r.err = ErrShortBuffer
		return 0
	}
	r.cursor += n
	return v
}

func (r *BufferReader) ReadUvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buff[r.cursor:])
	if n <= 0 {
		r.err = ErrShortBuffer
		return 0
	}
	r.cursor += n
	return v
}

// ReadBytes 返回的切片与底层缓冲区共享内存
func (r *BufferReader) ReadBytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.buff[r.cursor : r.cursor+n]
	r.cursor += n
	return b
}

// ReadWithLength 与WriteWithLength对应
func (r *BufferReader) ReadWithLength() []byte {
	n := r.ReadUvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(r.Remaining()) {
		r.err = ErrShortBuffer
		return nil
	}
	return r.ReadBytes(int(n))
}

func (r *BufferReader) ReadLengthString() string {
	return string(r.ReadWithLength())
}
