package wal

import (
	"strings"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Codec 页镜像的压缩方式
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecLZ4
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// ParseCodec 配置里的压缩方式名称，空串为none
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return CodecNone, errors.Errorf("unknown log compression %q", name)
	}
}

// compress 压缩失败或没有收益时退回不压缩，返回实际使用的codec
func compress(c Codec, src []byte) (Codec, []byte) {
	if len(src) == 0 {
		return CodecNone, src
	}
	switch c {
	case CodecSnappy:
		out := snappy.Encode(nil, src)
		if len(out) < len(src) {
			return CodecSnappy, out
		}
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, dst, nil)
		if err == nil && n > 0 && n < len(src) {
			return CodecLZ4, dst[:n]
		}
	}
	return CodecNone, src
}

func decompress(c Codec, src []byte, rawLen int) ([]byte, error) {
	switch c {
	case CodecNone:
		if len(src) != rawLen {
			return nil, errors.Errorf("image length %d, want %d", len(src), rawLen)
		}
		out := make([]byte, rawLen)
		copy(out, src)
		return out, nil
	case CodecSnappy:
		n, err := snappy.DecodedLen(src)
		if err != nil {
			return nil, errors.Wrap(err, "snappy")
		}
		if n != rawLen {
			return nil, errors.Errorf("snappy image length %d, want %d", n, rawLen)
		}
		return snappy.Decode(nil, src)
	case CodecLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(src, out)
		if err != nil {
			return nil, errors.Wrap(err, "lz4")
		}
		if n != rawLen {
			return nil, errors.Errorf("lz4 image length %d, want %d", n, rawLen)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unknown codec %d", c)
	}
}
