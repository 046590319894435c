package pagestore

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xlitedb/logger"
	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/common"
	"github.com/zhukovaskychina/xlitedb/server/storage/buffer"
	"github.com/zhukovaskychina/xlitedb/util"
)

// Options 打开页存储的参数
type Options struct {
	// PageSize 只在新建文件时使用，已有文件以文件头为准
	PageSize   int
	CachePages int
	OldPercent float64
	// SyncWrites 刷盘后是否fsync
	SyncWrites bool
}

func DefaultOptions() Options {
	return Options{
		PageSize:   common.DefaultPageSize,
		CachePages: 256,
		OldPercent: 37,
		SyncWrites: true,
	}
}

// FileStore 基于单个文件的页存储
//
// 有两套状态：committed是已持久化的文件头，header/pending是当前事务暂存的修改。
// mu保护文件和已提交状态，Flush/Restore持写锁，已提交视图的读者持读锁；
// stateMu保护暂存状态，只有当前写事务会使用。
type FileStore struct {
	mu      sync.RWMutex
	stateMu sync.Mutex

	path       string
	file       *os.File
	pageSize   int
	syncWrites bool
	cache      *buffer.LRUCache

	committed FileHeader

	header    FileHeader
	pending   map[PageIndex][]byte
	journaled map[PageIndex]struct{}
	journal   Journal

	// headerErr 打开时文件头损坏，只能依靠恢复修复
	headerErr     error
	needsRecovery bool
	closed        bool
}

var _ Writer = (*FileStore)(nil)

// syncDir 新建文件后对所在目录fsync，测试里替换
var syncDir = util.SyncDir

// Open 打开或新建数据文件。返回的store在CompleteRecovery之前拒绝一切页面操作。
func Open(path string, opts Options) (*FileStore, error) {
	if !common.IsValidPageSize(opts.PageSize) {
		return nil, errors.Errorf("invalid page size %d", opts.PageSize)
	}
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, basic.NewIOError("mkdir", err)
	}
	existed, err := util.PathExists(path)
	if err != nil {
		return nil, basic.NewIOError("stat", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, basic.NewIOError("open", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, basic.NewIOError("stat", err)
	}

	s := &FileStore{
		path:          path,
		file:          file,
		pageSize:      opts.PageSize,
		syncWrites:    opts.SyncWrites,
		cache:         buffer.NewLRUCache(opts.CachePages, opts.OldPercent),
		pending:       make(map[PageIndex][]byte),
		journaled:     make(map[PageIndex]struct{}),
		needsRecovery: true,
	}

	if stat.Size() == 0 {
		if err := s.initialize(); err != nil {
			file.Close()
			return nil, err
		}
		// 新文件的目录项也要落盘，否则崩溃后文件可能整个消失
		if !existed && s.syncWrites {
			if err := syncDir(filepath.Dir(path)); err != nil {
				file.Close()
				return nil, basic.NewIOError("sync dir", err)
			}
		}
		logger.Infof("created data file %s (page size %d, id %s)", path, s.pageSize, s.committed.DatabaseID)
	} else {
		s.loadHeader()
		if s.headerErr != nil {
			logger.Warnf("data file %s header unreadable, waiting for recovery: %v", path, s.headerErr)
		} else {
			logger.Infof("opened data file %s (%d pages of %d bytes)", path, s.committed.PageCount, s.pageSize)
		}
	}
	s.header = s.committed
	return s, nil
}

func (s *FileStore) initialize() error {
	h := newFileHeader(s.pageSize)
	p := h.encode()
	stampChecksum(p)
	if _, err := s.file.WriteAt(p, 0); err != nil {
		return basic.NewIOError("init", err)
	}
	if err := s.file.Sync(); err != nil {
		return basic.NewIOError("init", err)
	}
	s.committed = h
	return nil
}

// loadHeader 读取文件头。页大小取自文件头字段；校验失败只记录，交给恢复处理。
func (s *FileStore) loadHeader() {
	probe := make([]byte, common.MinPageSize)
	if _, err := s.file.ReadAt(probe, 0); err != nil && err != io.EOF {
		s.headerErr = basic.NewIOError("read header", err)
		return
	}
	if h, err := decodeFileHeader(probe); err == nil {
		s.pageSize = int(h.PageSize)
	}
	h, err := s.readHeaderStrict()
	if err != nil {
		s.headerErr = err
		return
	}
	s.headerErr = nil
	s.committed = h
}

func (s *FileStore) readHeaderStrict() (FileHeader, error) {
	p := make([]byte, s.pageSize)
	if _, err := s.file.ReadAt(p, 0); err != nil {
		if err == io.EOF {
			return FileHeader{}, errors.Wrap(basic.ErrCorruptPage, "header page truncated")
		}
		return FileHeader{}, basic.NewIOError("read header", err)
	}
	if !verifyChecksum(p) {
		return FileHeader{}, errors.Wrap(basic.ErrCorruptPage, "header page checksum mismatch")
	}
	h, err := decodeFileHeader(p)
	if err != nil {
		return FileHeader{}, err
	}
	if int(h.PageSize) != s.pageSize {
		return FileHeader{}, errors.Wrapf(basic.ErrCorruptPage, "header page size %d != %d", h.PageSize, s.pageSize)
	}
	return h, nil
}

func (s *FileStore) PageSize() int {
	return s.pageSize
}

func (s *FileStore) Path() string {
	return s.path
}

// DatabaseID 数据文件的唯一标识
func (s *FileStore) DatabaseID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed.DatabaseID
}

// Header 已提交的文件头
func (s *FileStore) Header() FileHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed
}

// HeaderError 文件头的校验错误，恢复成功后为nil
func (s *FileStore) HeaderError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headerErr
}

// NeedsRecovery 打开之后、CompleteRecovery之前为true
func (s *FileStore) NeedsRecovery() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.needsRecovery
}

// CompleteRecovery 恢复流程结束，开始接受页面操作
func (s *FileStore) CompleteRecovery() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.headerErr != nil {
		return s.headerErr
	}
	s.needsRecovery = false
	return nil
}

func (s *FileStore) checkUsable() error {
	if s.closed {
		return basic.ErrClosed
	}
	if s.needsRecovery {
		return basic.ErrRecoveryRequired
	}
	return nil
}

// AttachJournal 开始一批修改，之后每个页面首次修改前都会向journal报告前镜像
func (s *FileStore) AttachJournal(j Journal) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}
	if s.journal != nil {
		return basic.ErrTransactionInProgress
	}
	s.journal = j
	s.journaled = make(map[PageIndex]struct{})
	return nil
}

// DetachJournal 结束一批修改并丢弃未刷盘的暂存页
func (s *FileStore) DetachJournal() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.journal = nil
	s.discardLocked()
}

// Discard 丢弃所有暂存修改，暂存视图回到最后一次提交的状态
func (s *FileStore) Discard() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.discardLocked()
}

func (s *FileStore) discardLocked() {
	s.pending = make(map[PageIndex][]byte)
	s.journaled = make(map[PageIndex]struct{})
	s.mu.RLock()
	s.header = s.committed
	s.mu.RUnlock()
}

// Dirty 暂存页数量
func (s *FileStore) Dirty() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return len(s.pending)
}

// journalPage 在修改之前报告页面的持久化前镜像，同一批修改中每页只报告一次
func (s *FileStore) journalPage(idx PageIndex) error {
	if s.journal == nil {
		return basic.ErrNoActiveTransaction
	}
	if _, ok := s.journaled[idx]; ok {
		return nil
	}
	before, err := s.readDurableRaw(idx)
	if err != nil {
		return err
	}
	if err := s.journal.LogBeforeImage(idx, before); err != nil {
		return err
	}
	s.journaled[idx] = struct{}{}
	return nil
}

// readDurableRaw 文件中的原始字节，不校验；超出已提交页数返回nil
func (s *FileStore) readDurableRaw(idx PageIndex) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if uint32(idx) >= s.committed.PageCount {
		return nil, nil
	}
	p := make([]byte, s.pageSize)
	// 文件比页数短时，缺失部分视为全零
	if _, err := s.file.ReadAt(p, int64(idx)*int64(s.pageSize)); err != nil && err != io.EOF {
		return nil, basic.NewIOError("read", err)
	}
	return p, nil
}

// readCommittedLocked 调用方持有mu读锁
func (s *FileStore) readCommittedLocked(idx PageIndex, h FileHeader) ([]byte, error) {
	if idx == PageIndex(common.HeaderPageIndex) || uint32(idx) >= h.PageCount {
		return nil, errors.Wrapf(basic.ErrOutOfRange, "page %d (page count %d)", idx, h.PageCount)
	}
	if p, ok := s.cache.Get(uint32(idx)); ok {
		return p, nil
	}
	p := make([]byte, s.pageSize)
	if _, err := s.file.ReadAt(p, int64(idx)*int64(s.pageSize)); err != nil {
		if err == io.EOF {
			return nil, errors.Wrapf(basic.ErrCorruptPage, "page %d truncated", idx)
		}
		return nil, basic.NewIOError("read", err)
	}
	if !verifyChecksum(p) {
		return nil, errors.Wrapf(basic.ErrCorruptPage, "page %d checksum mismatch", idx)
	}
	if IndexOf(p) != idx {
		return nil, errors.Wrapf(basic.ErrCorruptPage, "page %d carries index %d", idx, IndexOf(p))
	}
	s.cache.Set(uint32(idx), p)
	return p, nil
}

// readStagedLocked 暂存视图下的页面（含空闲页），调用方持有stateMu
func (s *FileStore) readStagedLocked(idx PageIndex) ([]byte, error) {
	if idx == PageIndex(common.HeaderPageIndex) || uint32(idx) >= s.header.PageCount {
		return nil, errors.Wrapf(basic.ErrOutOfRange, "page %d (page count %d)", idx, s.header.PageCount)
	}
	if p, ok := s.pending[idx]; ok {
		return p, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readCommittedLocked(idx, s.committed)
}

// Read 暂存视图读：当前事务能看到自己的修改
func (s *FileStore) Read(idx PageIndex) ([]byte, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	p, err := s.readStagedLocked(idx)
	if err != nil {
		return nil, err
	}
	if PageTypeOf(p) == common.FIL_PAGE_TYPE_FREE {
		return nil, errors.Wrapf(basic.ErrOutOfRange, "page %d is free", idx)
	}
	return clonePage(p), nil
}

// ReadCommitted 已提交视图读：只能看到已持久化且已提交的页面
func (s *FileStore) ReadCommitted(idx PageIndex) ([]byte, error) {
	v, err := s.View()
	if err != nil {
		return nil, err
	}
	defer v.Close()
	return v.Read(idx)
}

func (s *FileStore) CatalogRoot() PageIndex {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.header.CatalogRoot
}

// Allocate 分配一个页面：优先复用空闲链表，否则扩展文件
func (s *FileStore) Allocate(pageType common.PageType) (PageIndex, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.checkUsable(); err != nil {
		return InvalidPage, err
	}
	if pageType != common.FIL_PAGE_TYPE_CATALOG && pageType != common.FIL_PAGE_TYPE_HEAP {
		return InvalidPage, errors.Errorf("cannot allocate page of type %s", pageType)
	}
	if err := s.journalPage(PageIndex(common.HeaderPageIndex)); err != nil {
		return InvalidPage, err
	}

	var idx PageIndex
	if s.header.FreeHead != InvalidPage {
		idx = s.header.FreeHead
		p, err := s.readStagedLocked(idx)
		if err != nil {
			return InvalidPage, err
		}
		if PageTypeOf(p) != common.FIL_PAGE_TYPE_FREE {
			return InvalidPage, errors.Wrapf(basic.ErrCorruptPage, "free list head %d is a %s page", idx, PageTypeOf(p))
		}
		if err := s.journalPage(idx); err != nil {
			return InvalidPage, err
		}
		s.header.FreeHead = NextOf(p)
	} else {
		if s.header.PageCount == math.MaxUint32 {
			return InvalidPage, errors.Wrap(basic.ErrOutOfRange, "data file is full")
		}
		idx = PageIndex(s.header.PageCount)
		if err := s.journalPage(idx); err != nil {
			return InvalidPage, err
		}
		s.header.PageCount++
	}

	s.pending[idx] = NewPage(s.pageSize, idx, pageType)
	s.stageHeader()
	logger.Debugf("allocate page %d (%s)", idx, pageType)
	return idx, nil
}

// Write 暂存整页写入
func (s *FileStore) Write(idx PageIndex, data []byte) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}
	if len(data) != s.pageSize {
		return errors.Errorf("page %d: write of %d bytes, page size is %d", idx, len(data), s.pageSize)
	}
	cur, err := s.readStagedLocked(idx)
	if err != nil {
		return err
	}
	if PageTypeOf(cur) == common.FIL_PAGE_TYPE_FREE {
		return errors.Wrapf(basic.ErrOutOfRange, "page %d is free", idx)
	}
	switch t := PageTypeOf(data); t {
	case common.FIL_PAGE_TYPE_CATALOG, common.FIL_PAGE_TYPE_HEAP:
	default:
		return errors.Errorf("page %d: cannot write page of type %s", idx, t)
	}
	if err := s.journalPage(idx); err != nil {
		return err
	}
	p := clonePage(data)
	util.PutUB4(p, common.FIL_PAGE_OFFSET, uint32(idx))
	s.pending[idx] = p
	return nil
}

// Free 释放页面，挂到空闲链表头部
func (s *FileStore) Free(idx PageIndex) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}
	cur, err := s.readStagedLocked(idx)
	if err != nil {
		return err
	}
	if PageTypeOf(cur) == common.FIL_PAGE_TYPE_FREE {
		return errors.Wrapf(basic.ErrOutOfRange, "page %d already free", idx)
	}
	if err := s.journalPage(PageIndex(common.HeaderPageIndex)); err != nil {
		return err
	}
	if err := s.journalPage(idx); err != nil {
		return err
	}
	p := NewPage(s.pageSize, idx, common.FIL_PAGE_TYPE_FREE)
	SetNext(p, s.header.FreeHead)
	s.pending[idx] = p
	s.header.FreeHead = idx
	s.stageHeader()
	logger.Debugf("free page %d", idx)
	return nil
}

// SetCatalogRoot 暂存catalog根页指针的切换
func (s *FileStore) SetCatalogRoot(idx PageIndex) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}
	if err := s.journalPage(PageIndex(common.HeaderPageIndex)); err != nil {
		return err
	}
	s.header.CatalogRoot = idx
	s.stageHeader()
	return nil
}

func (s *FileStore) stageHeader() {
	s.pending[PageIndex(common.HeaderPageIndex)] = s.header.encode()
}

// Flush 把暂存页写入文件并fsync
func (s *FileStore) Flush() error {
	return s.FlushThen(nil)
}

// FlushThen 刷盘后在同一把写锁内执行after（写提交标记），
// 已提交视图的读者因此看不到已刷盘但还没有提交标记的页面。
func (s *FileStore) FlushThen(after func() error) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	indexes := make([]PageIndex, 0, len(s.pending))
	for idx := range s.pending {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, idx := range indexes {
		p := s.pending[idx]
		stampChecksum(p)
		if _, err := s.file.WriteAt(p, int64(idx)*int64(s.pageSize)); err != nil {
			return basic.NewIOError("flush", err)
		}
	}
	if len(indexes) > 0 && s.syncWrites {
		if err := s.file.Sync(); err != nil {
			return basic.NewIOError("flush", err)
		}
	}

	s.committed = s.header
	for _, idx := range indexes {
		if idx != PageIndex(common.HeaderPageIndex) {
			s.cache.Set(uint32(idx), s.pending[idx])
		}
	}
	s.pending = make(map[PageIndex][]byte)
	s.journaled = make(map[PageIndex]struct{})
	if len(indexes) > 0 {
		logger.Debugf("flushed %d pages to %s", len(indexes), s.path)
	}

	if after != nil {
		return after()
	}
	return nil
}

// Restore 把页面镜像原样写回文件，然后重新加载文件头并按页数截断文件。
// 用于回滚已经刷盘的事务和崩溃恢复。
func (s *FileStore) Restore(images []Image) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed {
		return basic.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, img := range images {
		if img.Data == nil {
			continue
		}
		if len(img.Data) != s.pageSize {
			return errors.Errorf("restore page %d: image of %d bytes, page size is %d", img.Index, len(img.Data), s.pageSize)
		}
		if _, err := s.file.WriteAt(img.Data, int64(img.Index)*int64(s.pageSize)); err != nil {
			return basic.NewIOError("restore", err)
		}
	}
	if err := s.file.Sync(); err != nil {
		return basic.NewIOError("restore", err)
	}

	h, err := s.readHeaderStrict()
	if err != nil {
		s.headerErr = err
		return err
	}
	s.headerErr = nil
	s.committed = h
	if err := s.file.Truncate(int64(h.PageCount) * int64(s.pageSize)); err != nil {
		return basic.NewIOError("truncate", err)
	}
	if err := s.file.Sync(); err != nil {
		return basic.NewIOError("truncate", err)
	}

	s.cache.Purge()
	s.header = s.committed
	s.pending = make(map[PageIndex][]byte)
	s.journaled = make(map[PageIndex]struct{})
	logger.Infof("restored %d page images in %s, %d pages", len(images), s.path, h.PageCount)
	return nil
}

// FreePages 沿已提交的空闲链表统计空闲页数
func (s *FileStore) FreePages() (int, error) {
	v, err := s.View()
	if err != nil {
		return 0, err
	}
	defer v.Close()

	n := 0
	for idx := v.header.FreeHead; idx != InvalidPage; n++ {
		if n > int(v.header.PageCount) {
			return 0, errors.Wrap(basic.ErrCorruptPage, "free list cycle")
		}
		p, err := s.readCommittedLocked(idx, v.header)
		if err != nil {
			return 0, err
		}
		if PageTypeOf(p) != common.FIL_PAGE_TYPE_FREE {
			return 0, errors.Wrapf(basic.ErrCorruptPage, "free list page %d is a %s page", idx, PageTypeOf(p))
		}
		idx = NextOf(p)
	}
	return n, nil
}

// CacheHitRate 页面缓存命中率
func (s *FileStore) CacheHitRate() float64 {
	return s.cache.HitRate()
}

// Close 关闭文件，未刷盘的暂存页被丢弃
func (s *FileStore) Close() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	s.journal = nil
	if err := s.file.Close(); err != nil {
		return basic.NewIOError("close", err)
	}
	return nil
}

func clonePage(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
