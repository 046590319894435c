package trx

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xlitedb/logger"
	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/common"
	"github.com/zhukovaskychina/xlitedb/server/storage/pagestore"
	"github.com/zhukovaskychina/xlitedb/server/storage/wal"
)

// 事务状态。管理器没有活跃事务时处于IDLE，提交或回滚后的事务句柄停在终态。
const (
	TRX_STATE_IDLE uint32 = iota
	TRX_STATE_ACTIVE
	TRX_STATE_COMMITTED
	TRX_STATE_ABORTED
)

func StateName(state uint32) string {
	switch state {
	case TRX_STATE_IDLE:
		return "IDLE"
	case TRX_STATE_ACTIVE:
		return "ACTIVE"
	case TRX_STATE_COMMITTED:
		return "COMMITTED"
	case TRX_STATE_ABORTED:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Transaction 写事务。修改页面之前前镜像先写入日志并留一份在内存里，回滚时直接使用。
type Transaction struct {
	// mu 串行化Commit和Abort
	mu    sync.Mutex
	m     *Manager
	id    uint64
	state uint32

	StartTime time.Time

	images       []pagestore.Image
	flushStarted bool
}

var _ pagestore.Journal = (*Transaction)(nil)

func (t *Transaction) ID() uint64 {
	return t.id
}

func (t *Transaction) State() uint32 {
	return atomic.LoadUint32(&t.state)
}

func (t *Transaction) IsActive() bool {
	return t.State() == TRX_STATE_ACTIVE
}

// LogBeforeImage 实现pagestore.Journal，页面第一次修改前由页存储调用
func (t *Transaction) LogBeforeImage(idx pagestore.PageIndex, before []byte) error {
	if !t.IsActive() {
		return errors.Wrapf(basic.ErrNoActiveTransaction, "tx %d is %s", t.id, StateName(t.State()))
	}
	rec := &wal.Record{Kind: wal.RecordBeforeImage, TxID: t.id, Page: idx, Image: before}
	if err := t.m.log.Append(rec); err != nil {
		return err
	}
	t.images = append(t.images, pagestore.Image{Index: idx, Data: before})
	return nil
}

// Pages 事务内的页面读写入口。事务结束后通过它的任何操作都返回NoActiveTransaction。
func (t *Transaction) Pages() pagestore.Writer {
	return &txPages{t: t}
}

// Commit 提交协议：日志落盘，页面刷盘，写提交标记并落盘，最后做检查点。
// 刷盘和提交标记在页存储的同一把写锁下完成，已提交视图的读者看不到中间状态。
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.IsActive() {
		return errors.Wrapf(basic.ErrInvalidTransactionState, "commit tx %d in state %s", t.id, StateName(t.State()))
	}
	m := t.m

	if err := m.log.Sync(); err != nil {
		return t.failLocked(err)
	}
	t.flushStarted = true
	err := m.store.FlushThen(func() error {
		return m.log.AppendSync(&wal.Record{Kind: wal.RecordCommit, TxID: t.id})
	})
	if err != nil {
		return t.failLocked(err)
	}

	atomic.StoreUint32(&t.state, TRX_STATE_COMMITTED)
	m.store.DetachJournal()
	if err := m.log.Truncate(); err != nil {
		// 提交标记已经落盘，残留的日志在下次打开时被忽略
		logger.Warnf("tx %d: checkpoint failed: %v", t.id, err)
	}
	logger.Debugf("tx %d committed, %d pages, %s", t.id, len(t.images), time.Since(t.StartTime))
	t.images = nil
	m.release(t)
	return nil
}

// failLocked 提交失败后回滚，返回原始错误
func (t *Transaction) failLocked(cause error) error {
	if err := t.abortLocked(); err != nil {
		logger.Errorf("tx %d: rollback after failed commit: %v", t.id, err)
	}
	return cause
}

// Abort 回滚。不在活跃状态时什么也不做。
func (t *Transaction) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.IsActive() {
		return nil
	}
	return t.abortLocked()
}

func (t *Transaction) abortLocked() error {
	m := t.m
	atomic.StoreUint32(&t.state, TRX_STATE_ABORTED)
	defer m.release(t)

	m.store.Discard()
	if t.flushStarted {
		if err := m.store.Restore(undoImages([][]pagestore.Image{t.images})); err != nil {
			// 日志保留，下次打开时恢复流程再回滚一次
			m.store.DetachJournal()
			err = errors.Wrapf(err, "tx %d: restore before-images", t.id)
			m.markBroken(err)
			return err
		}
		if err := m.log.AppendSync(&wal.Record{Kind: wal.RecordAbort, TxID: t.id}); err != nil {
			logger.Warnf("tx %d: write abort marker: %v", t.id, err)
		}
	}
	m.store.DetachJournal()
	if err := m.log.Truncate(); err != nil {
		logger.Warnf("tx %d: truncate log after abort: %v", t.id, err)
	}
	logger.Debugf("tx %d aborted, %d pages restored", t.id, len(t.images))
	t.images = nil
	return nil
}

// undoImages 按事务从旧到新排列的前镜像，每页保留最早的一份。
// 等价于从最新的事务开始逐个回滚。
func undoImages(txImages [][]pagestore.Image) []pagestore.Image {
	var out []pagestore.Image
	seen := make(map[pagestore.PageIndex]struct{})
	for _, imgs := range txImages {
		for _, img := range imgs {
			if _, ok := seen[img.Index]; ok {
				continue
			}
			seen[img.Index] = struct{}{}
			out = append(out, img)
		}
	}
	return out
}

// txPages 把页存储的写接口绑定到事务的生命周期上
type txPages struct {
	t *Transaction
}

func (p *txPages) check() error {
	if !p.t.IsActive() {
		return errors.Wrapf(basic.ErrNoActiveTransaction, "tx %d is %s", p.t.id, StateName(p.t.State()))
	}
	return nil
}

func (p *txPages) PageSize() int {
	return p.t.m.store.PageSize()
}

func (p *txPages) CatalogRoot() pagestore.PageIndex {
	return p.t.m.store.CatalogRoot()
}

func (p *txPages) Read(idx pagestore.PageIndex) ([]byte, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.t.m.store.Read(idx)
}

func (p *txPages) Allocate(pageType common.PageType) (pagestore.PageIndex, error) {
	if err := p.check(); err != nil {
		return pagestore.InvalidPage, err
	}
	return p.t.m.store.Allocate(pageType)
}

func (p *txPages) Write(idx pagestore.PageIndex, data []byte) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.t.m.store.Write(idx, data)
}

func (p *txPages) Free(idx pagestore.PageIndex) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.t.m.store.Free(idx)
}

func (p *txPages) SetCatalogRoot(idx pagestore.PageIndex) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.t.m.store.SetCatalogRoot(idx)
}
