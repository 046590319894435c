// Package wal 前镜像日志。
//
// 事务修改页面之前先把页面的持久化镜像追加到日志，提交标记写入并落盘后事务才算提交。
// 崩溃后没有提交标记的事务按前镜像回滚。检查点就是把日志截断为空。
package wal

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"

	gxbytes "github.com/dubbogo/gost/bytes"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xlitedb/logger"
	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/util"
)

// syncDir 新建日志文件后对所在目录fsync，测试里替换
var syncDir = util.SyncDir

// Log 追加写的日志文件
type Log struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	codec      Codec
	syncWrites bool
	size       int64
	closed     bool
}

// Open 打开日志文件，不存在时创建。写入位置在文件末尾，读取用ReadAll。
func Open(path string, codec Codec, syncWrites bool) (*Log, error) {
	existed, err := util.PathExists(path)
	if err != nil {
		return nil, basic.NewIOError("stat log", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, basic.NewIOError("open log", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, basic.NewIOError("stat log", err)
	}
	if !existed && syncWrites {
		if err := syncDir(filepath.Dir(path)); err != nil {
			file.Close()
			return nil, basic.NewIOError("sync log dir", err)
		}
	}
	return &Log{
		path:       path,
		file:       file,
		codec:      codec,
		syncWrites: syncWrites,
		size:       stat.Size(),
	}, nil
}

func (l *Log) Path() string {
	return l.path
}

// Size 当前日志字节数
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Append 追加一条记录，不落盘
func (l *Log) Append(rec *Record) error {
	bufp := gxbytes.GetBytesBuffer()
	defer gxbytes.PutBytesBuffer(bufp)

	// 帧头先占位，payload直接编码进池化缓冲区，再回填长度和校验和
	bufp.Grow(frameHeaderSize + payloadHeaderSize + len(rec.Image))
	var header [frameHeaderSize]byte
	frame := append(bufp.AvailableBuffer(), header[:]...)
	frame = rec.encodePayload(frame, l.codec)
	payload := frame[frameHeaderSize:]
	util.PutUB4(frame, 0, uint32(len(payload)))
	util.PutUB4(frame, 4, util.Checksum32(payload))
	bufp.Write(frame)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return basic.ErrClosed
	}
	n, err := l.file.WriteAt(bufp.Bytes(), l.size)
	if err != nil {
		// 写了一半的帧留在文件里，读取时按残缺尾部处理
		return basic.NewIOError("append log", err)
	}
	l.size += int64(n)
	return nil
}

// Sync 日志落盘
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return basic.ErrClosed
	}
	if !l.syncWrites {
		return nil
	}
	return basic.NewIOError("sync log", l.file.Sync())
}

// AppendSync 追加并落盘，提交标记用
func (l *Log) AppendSync(rec *Record) error {
	if err := l.Append(rec); err != nil {
		return err
	}
	return l.Sync()
}

// Truncate 检查点：丢弃全部日志
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return basic.ErrClosed
	}
	if err := l.file.Truncate(0); err != nil {
		return basic.NewIOError("truncate log", err)
	}
	l.size = 0
	if l.syncWrites {
		return basic.NewIOError("truncate log", l.file.Sync())
	}
	return nil
}

// ReadAll 从头读取所有完整的记录。遇到残缺或校验失败的尾部就停止，并返回有效部分的长度。
func (l *Log) ReadAll() ([]*Record, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, 0, basic.ErrClosed
	}

	r := NewReader(io.NewSectionReader(l.file, 0, l.size))
	var records []*Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, r.Offset(), err
		}
		records = append(records, rec)
	}
	if r.Offset() < l.size {
		logger.Warnf("log %s: ignoring %d bytes of torn tail at offset %d", l.path, l.size-r.Offset(), r.Offset())
	}
	return records, r.Offset(), nil
}

// Close 关闭日志文件
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return basic.NewIOError("close log", l.file.Close())
}

// Reader 顺序读取日志帧
type Reader struct {
	r      *bufio.Reader
	offset int64
	torn   bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Offset 已读取的完整记录的字节数
func (r *Reader) Offset() int64 {
	return r.offset
}

// Torn 是否因为残缺尾部而停止
func (r *Reader) Torn() bool {
	return r.torn
}

// Next 返回下一条记录。日志结束或遇到残缺尾部时返回io.EOF，只有读文件失败才返回其他错误。
func (r *Reader) Next() (*Record, error) {
	if r.torn {
		return nil, io.EOF
	}
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return nil, r.stop(err)
	}
	length := util.ReadUB4At(header[:], 0)
	sum := util.ReadUB4At(header[:], 4)
	if length < payloadHeaderSize || length > maxPayload {
		r.torn = true
		return nil, io.EOF
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, r.stop(err)
	}
	if util.Checksum32(payload) != sum {
		r.torn = true
		return nil, io.EOF
	}
	rec, err := decodePayload(payload)
	if err != nil {
		logger.Warnf("log record at offset %d undecodable: %v", r.offset, err)
		r.torn = true
		return nil, io.EOF
	}
	r.offset += int64(frameHeaderSize) + int64(length)
	return rec, nil
}

func (r *Reader) stop(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if err == io.ErrUnexpectedEOF {
			r.torn = true
		}
		return io.EOF
	}
	return basic.NewIOError("read log", errors.WithStack(err))
}
