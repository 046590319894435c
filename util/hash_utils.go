package util

import (
	"github.com/OneOfOne/xxhash"
)

// Checksum32 页面和日志记录的校验和
func Checksum32(data []byte) uint32 {
	return xxhash.Checksum32(data)
}
