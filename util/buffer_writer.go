package util

import (
	"encoding/binary"
	"math"
)

// 追加写，所有定长整数均为小端序

func WriteByte(buf []byte, b byte) []byte {
	return append(buf, b)
}

func WriteBytes(buf []byte, from []byte) []byte {
	return append(buf, from...)
}

func WriteUB2(buf []byte, i uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, i)
}

func WriteUB4(buf []byte, i uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, i)
}

func WriteUB8(buf []byte, i uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, i)
}

func WriteFloat64(buf []byte, f float64) []byte {
	return WriteUB8(buf, math.Float64bits(f))
}

// WriteVarint zig-zag变长编码
func WriteVarint(buf []byte, i int64) []byte {
	return binary.AppendVarint(buf, i)
}

func WriteUvarint(buf []byte, i uint64) []byte {
	return binary.AppendUvarint(buf, i)
}

// WriteWithLength 先写uvarint长度，再写内容
func WriteWithLength(buf []byte, from []byte) []byte {
	buf = WriteUvarint(buf, uint64(len(from)))
	return append(buf, from...)
}

// 原地写，调用方保证buf长度足够

func PutUB2(buf []byte, offset int, i uint16) {
	binary.LittleEndian.PutUint16(buf[offset:], i)
}

func PutUB4(buf []byte, offset int, i uint32) {
	binary.LittleEndian.PutUint32(buf[offset:], i)
}
