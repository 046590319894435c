package wal

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xlitedb/server/storage/pagestore"
	"github.com/zhukovaskychina/xlitedb/util"
)

// RecordKind 日志记录类型
type RecordKind uint8

const (
	RecordBegin       RecordKind = 1
	RecordBeforeImage RecordKind = 2
	RecordCommit      RecordKind = 3
	RecordAbort       RecordKind = 4
)

func (k RecordKind) String() string {
	switch k {
	case RecordBegin:
		return "BEGIN"
	case RecordBeforeImage:
		return "BEFORE_IMAGE"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// 帧格式: length(4) | checksum(4) | payload
// payload: kind(1) | txid(8) | page(4) | codec(1) | raw length(4) | data
const (
	frameHeaderSize   = 8
	payloadHeaderSize = 1 + 8 + 4 + 1 + 4

	// maxPayload 超过这个长度的帧视为损坏
	maxPayload = 1 << 24
)

// Record 一条日志记录。
// Begin记录的Image是数据文件的uuid，BeforeImage记录的Image为nil表示该页在事务开始前不存在。
type Record struct {
	Kind  RecordKind
	TxID  uint64
	Page  pagestore.PageIndex
	Image []byte
}

func NewBeginRecord(txID uint64, dbID uuid.UUID) *Record {
	id := dbID
	return &Record{Kind: RecordBegin, TxID: txID, Image: id[:]}
}

// DatabaseID Begin记录携带的数据文件uuid
func (r *Record) DatabaseID() (uuid.UUID, error) {
	if r.Kind != RecordBegin {
		return uuid.Nil, errors.Errorf("%s record carries no database id", r.Kind)
	}
	return uuid.FromBytes(r.Image)
}

func (r *Record) String() string {
	if r.Kind == RecordBeforeImage {
		return fmt.Sprintf("%s tx=%d page=%d len=%d", r.Kind, r.TxID, r.Page, len(r.Image))
	}
	return fmt.Sprintf("%s tx=%d", r.Kind, r.TxID)
}

// encodePayload 返回追加了payload的buf
func (r *Record) encodePayload(buf []byte, c Codec) []byte {
	used, data := CodecNone, r.Image
	if r.Kind == RecordBeforeImage {
		used, data = compress(c, r.Image)
	}
	buf = util.WriteByte(buf, byte(r.Kind))
	buf = util.WriteUB8(buf, r.TxID)
	buf = util.WriteUB4(buf, uint32(r.Page))
	buf = util.WriteByte(buf, byte(used))
	buf = util.WriteUB4(buf, uint32(len(r.Image)))
	return util.WriteBytes(buf, data)
}

func decodePayload(payload []byte) (*Record, error) {
	if len(payload) < payloadHeaderSize {
		return nil, errors.Errorf("payload of %d bytes", len(payload))
	}
	br := util.NewBufferReader(payload)
	rec := &Record{}
	rec.Kind = RecordKind(br.ReadU8())
	rec.TxID = br.ReadUB8()
	rec.Page = pagestore.PageIndex(br.ReadUB4())
	codec := Codec(br.ReadU8())
	rawLen := int(br.ReadUB4())
	data := br.ReadBytes(br.Remaining())
	if err := br.Err(); err != nil {
		return nil, err
	}
	switch rec.Kind {
	case RecordBegin, RecordBeforeImage, RecordCommit, RecordAbort:
	default:
		return nil, errors.Errorf("unknown record kind %d", rec.Kind)
	}
	if rawLen == 0 {
		return rec, nil
	}
	img, err := decompress(codec, data, rawLen)
	if err != nil {
		return nil, err
	}
	rec.Image = img
	return rec, nil
}
