// Package trx 事务边界：单写者事务、前镜像日志、提交协议、回滚和崩溃恢复。
package trx

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xlitedb/logger"
	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/storage/pagestore"
	"github.com/zhukovaskychina/xlitedb/server/storage/wal"
)

// Manager 事务管理器。同一时刻最多一个活跃事务。
type Manager struct {
	store *pagestore.FileStore
	log   *wal.Log

	// writer 容量为1的信号量，持有者就是活跃事务
	writer chan struct{}

	mu     sync.Mutex
	nextID uint64
	active *Transaction
	broken error
}

// NewManager 创建事务管理器，使用前必须先调用Recover
func NewManager(store *pagestore.FileStore, log *wal.Log) *Manager {
	return &Manager{
		store:  store,
		log:    log,
		writer: make(chan struct{}, 1),
		nextID: 1,
	}
}

// State 管理器状态：IDLE或ACTIVE
func (m *Manager) State() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return TRX_STATE_ACTIVE
	}
	return TRX_STATE_IDLE
}

// Active 当前活跃事务，没有时为nil
func (m *Manager) Active() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Begin 开始事务，已有活跃事务时立即返回TransactionInProgress
func (m *Manager) Begin() (*Transaction, error) {
	select {
	case m.writer <- struct{}{}:
	default:
		return nil, errors.WithStack(basic.ErrTransactionInProgress)
	}
	return m.start()
}

// BeginWait 开始事务，等待当前活跃事务结束或ctx取消
func (m *Manager) BeginWait(ctx context.Context) (*Transaction, error) {
	select {
	case m.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "wait for writer")
	}
	return m.start()
}

// start 调用方已经持有writer信号量
func (m *Manager) start() (*Transaction, error) {
	m.mu.Lock()
	if m.broken != nil {
		m.mu.Unlock()
		<-m.writer
		return nil, errors.Wrapf(basic.ErrRecoveryRequired, "previous rollback failed: %v", m.broken)
	}
	t := &Transaction{
		m:         m,
		id:        m.nextID,
		state:     TRX_STATE_ACTIVE,
		StartTime: time.Now(),
	}
	m.nextID++
	m.mu.Unlock()

	if err := m.store.AttachJournal(t); err != nil {
		<-m.writer
		return nil, err
	}
	if err := m.log.Append(wal.NewBeginRecord(t.id, m.store.DatabaseID())); err != nil {
		m.store.DetachJournal()
		<-m.writer
		return nil, err
	}

	m.mu.Lock()
	m.active = t
	m.mu.Unlock()
	logger.Debugf("tx %d begin", t.id)
	return t, nil
}

// release 事务结束，让出写者
func (m *Manager) release(t *Transaction) {
	m.mu.Lock()
	if m.active != t {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.mu.Unlock()
	<-m.writer
}

func (m *Manager) markBroken(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken = err
}

// Recover 打开时的崩溃恢复：回滚日志中所有没有提交标记的事务，然后截断日志。
func (m *Manager) Recover() error {
	records, _, err := m.log.ReadAll()
	if err != nil {
		return err
	}

	order, ok := groupByTx(records, m.store.DatabaseID(), m.store.HeaderError() != nil)
	if !ok {
		logger.Warnf("log %s belongs to another database, ignoring it", m.log.Path())
	}
	headerBroken := m.store.HeaderError() != nil

	var pending [][]pagestore.Image
	for _, tl := range order {
		if tl.done {
			continue
		}
		pending = append(pending, tl.images)
		logger.Infof("recovery: rolling back uncommitted tx %d (%d before-images)", tl.id, len(tl.images))
	}
	if len(pending) > 0 || headerBroken {
		if err := m.store.Restore(undoImages(pending)); err != nil {
			return errors.Wrap(err, "recovery")
		}
	}
	if err := m.store.CompleteRecovery(); err != nil {
		return errors.Wrap(err, "recovery")
	}
	if err := m.log.Truncate(); err != nil {
		return err
	}
	if len(pending) > 0 {
		logger.Infof("recovery finished, %d transactions rolled back", len(pending))
	}
	return nil
}

// Close 回滚还没有结束的事务
func (m *Manager) Close() error {
	if t := m.Active(); t != nil {
		logger.Warnf("tx %d still active at close, rolling back", t.ID())
		return t.Abort()
	}
	return nil
}

type txLog struct {
	id     uint64
	images []pagestore.Image
	done   bool
}

// groupByTx 按事务归并日志记录，顺序为事务开始的顺序。
// Begin记录的uuid和数据文件不一致时返回false；文件头损坏时无法比对，只能相信日志。
func groupByTx(records []*wal.Record, dbID uuid.UUID, headerBroken bool) ([]*txLog, bool) {
	var order []*txLog
	txs := make(map[uint64]*txLog)
	lookup := func(id uint64) *txLog {
		tl, ok := txs[id]
		if !ok {
			tl = &txLog{id: id}
			txs[id] = tl
			order = append(order, tl)
		}
		return tl
	}

	for _, rec := range records {
		switch rec.Kind {
		case wal.RecordBegin:
			id, err := rec.DatabaseID()
			if err != nil || (!headerBroken && id != dbID) {
				return nil, false
			}
			lookup(rec.TxID)
		case wal.RecordBeforeImage:
			tl := lookup(rec.TxID)
			tl.images = append(tl.images, pagestore.Image{Index: rec.Page, Data: rec.Image})
		case wal.RecordCommit, wal.RecordAbort:
			lookup(rec.TxID).done = true
		}
	}
	return order, true
}
