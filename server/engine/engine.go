// Package engine 执行器：把建表、插入、扫描、删除、删表操作落到数据字典和表堆上。
//
// 每个操作可以带一个显式事务；事务为nil时，修改操作在隐式的自动提交事务里执行，
// 扫描读取已提交视图。
package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xlitedb/logger"
	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/conf"
	"github.com/zhukovaskychina/xlitedb/server/storage/catalog"
	"github.com/zhukovaskychina/xlitedb/server/storage/pagestore"
	"github.com/zhukovaskychina/xlitedb/server/storage/trx"
	"github.com/zhukovaskychina/xlitedb/server/storage/wal"
	"github.com/zhukovaskychina/xlitedb/util"
)

// Engine 一个打开的数据库
type Engine struct {
	cfg   *conf.Cfg
	store *pagestore.FileStore
	log   *wal.Log
	trx   *trx.Manager
}

// Info 数据文件的元信息
type Info struct {
	Path          string
	FormatVersion uint16
	PageSize      int
	PageCount     uint32
	FreePages     int
	DatabaseID    uuid.UUID
	Tables        int
	CacheHitRate  float64
}

// Open 打开数据库：打开数据文件和日志，执行崩溃恢复
func Open(cfg *conf.Cfg) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	codec, err := wal.ParseCodec(cfg.LogCompression)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := util.EnsureDir(cfg.DataDir); err != nil {
		return nil, errors.Annotatef(basic.NewIOError("mkdir", err), "data dir %s", cfg.DataDir)
	}

	store, err := pagestore.Open(cfg.DataFilePath(), pagestore.Options{
		PageSize:   cfg.PageSize,
		CachePages: cfg.BufferPoolPages,
		OldPercent: cfg.BufferOldPercent,
		SyncWrites: cfg.SyncWrites,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "open %s", cfg.DataFilePath())
	}
	log, err := wal.Open(cfg.LogFilePath(), codec, cfg.SyncWrites)
	if err != nil {
		store.Close()
		return nil, errors.Annotatef(err, "open %s", cfg.LogFilePath())
	}
	m := trx.NewManager(store, log)
	if err := m.Recover(); err != nil {
		log.Close()
		store.Close()
		return nil, errors.Annotatef(err, "recover %s", cfg.DataFilePath())
	}

	logger.Infof("database %s opened (id %s, page size %d, log compression %s)",
		cfg.DataFilePath(), store.DatabaseID(), store.PageSize(), codec)
	return &Engine{cfg: cfg, store: store, log: log, trx: m}, nil
}

// Close 回滚未结束的事务并关闭文件
func (e *Engine) Close() error {
	var firstErr error
	if err := e.trx.Close(); err != nil {
		firstErr = err
	}
	if err := e.log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	logger.Infof("database %s closed", e.cfg.DataFilePath())
	return errors.Trace(firstErr)
}

// Info 已提交状态的元信息
func (e *Engine) Info() (*Info, error) {
	free, err := e.store.FreePages()
	if err != nil {
		return nil, errors.Trace(err)
	}
	tables, err := e.Tables(context.Background(), nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	h := e.store.Header()
	return &Info{
		Path:          e.cfg.DataFilePath(),
		FormatVersion: h.Version,
		PageSize:      int(h.PageSize),
		PageCount:     h.PageCount,
		FreePages:     free,
		DatabaseID:    h.DatabaseID,
		Tables:        len(tables),
		CacheHitRate:  e.store.CacheHitRate(),
	}, nil
}

// Begin 开始显式事务，已有活跃事务时返回TransactionInProgress
func (e *Engine) Begin() (*trx.Transaction, error) {
	tx, err := e.trx.Begin()
	return tx, errors.Trace(err)
}

// BeginWait 开始显式事务，等待其他写事务结束
func (e *Engine) BeginWait(ctx context.Context) (*trx.Transaction, error) {
	tx, err := e.trx.BeginWait(ctx)
	return tx, errors.Trace(err)
}

func (e *Engine) Commit(tx *trx.Transaction) error {
	if tx == nil {
		return errors.Trace(basic.ErrNoActiveTransaction)
	}
	return errors.Trace(tx.Commit())
}

// Abort 回滚，tx为nil或已结束时什么也不做
func (e *Engine) Abort(tx *trx.Transaction) error {
	if tx == nil {
		return nil
	}
	return errors.Trace(tx.Abort())
}

// write 在事务里执行修改。tx为nil时开启自动提交事务，出错回滚，成功提交。
// 显式事务里遇到页面损坏或IO错误时自动回滚。
func (e *Engine) write(ctx context.Context, tx *trx.Transaction, fn func(w pagestore.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if tx != nil {
		if !tx.IsActive() {
			return errors.Annotatef(basic.ErrNoActiveTransaction, "tx %d is %s", tx.ID(), trx.StateName(tx.State()))
		}
		err := fn(tx.Pages())
		if err != nil && basic.IsFatal(err) {
			logger.Errorf("tx %d: %v, rolling back", tx.ID(), err)
			if abortErr := tx.Abort(); abortErr != nil {
				logger.Errorf("tx %d: rollback failed: %v", tx.ID(), abortErr)
			}
		}
		return errors.Trace(err)
	}

	auto, err := e.trx.BeginWait(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if err := fn(auto.Pages()); err != nil {
		if basic.IsFatal(err) {
			logger.Errorf("tx %d: %v, rolling back", auto.ID(), err)
		}
		if abortErr := auto.Abort(); abortErr != nil {
			logger.Errorf("tx %d: rollback failed: %v", auto.ID(), abortErr)
		}
		return errors.Trace(err)
	}
	return errors.Trace(auto.Commit())
}

// read 在已提交视图或显式事务的暂存视图上读
func (e *Engine) read(ctx context.Context, tx *trx.Transaction, fn func(r pagestore.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if tx != nil {
		if !tx.IsActive() {
			return errors.Annotatef(basic.ErrNoActiveTransaction, "tx %d is %s", tx.ID(), trx.StateName(tx.State()))
		}
		err := fn(tx.Pages())
		if err != nil && basic.IsFatal(err) {
			logger.Errorf("tx %d: %v, rolling back", tx.ID(), err)
			if abortErr := tx.Abort(); abortErr != nil {
				logger.Errorf("tx %d: rollback failed: %v", tx.ID(), abortErr)
			}
		}
		return errors.Trace(err)
	}
	v, err := e.store.View()
	if err != nil {
		return errors.Trace(err)
	}
	defer v.Close()
	return errors.Trace(fn(v))
}

// CreateTable 建表。ifNotExists时同名表已存在直接返回，不报错。
func (e *Engine) CreateTable(ctx context.Context, tx *trx.Transaction, name string, schema *basic.Schema, ifNotExists bool) (*Result, error) {
	result := NewResult()
	err := e.write(ctx, tx, func(w pagestore.Writer) error {
		ref, err := catalog.CreateTable(w, name, schema)
		if err != nil {
			if ifNotExists && errors.Is(err, basic.ErrDuplicateTable) {
				result.Message = "table " + name + " already exists"
				return nil
			}
			return err
		}
		result.Columns = ref.Schema.ColumnNames()
		result.Message = "table " + name + " created"
		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "create table %s", name)
	}
	return result, nil
}

// DropTable 删表。ifExists时表不存在不报错。
func (e *Engine) DropTable(ctx context.Context, tx *trx.Transaction, name string, ifExists bool) (*Result, error) {
	result := NewResult()
	err := e.write(ctx, tx, func(w pagestore.Writer) error {
		if _, err := catalog.DropTable(w, name); err != nil {
			if ifExists && errors.Is(err, basic.ErrUnknownTable) {
				result.Message = "table " + name + " does not exist"
				return nil
			}
			return err
		}
		result.Message = "table " + name + " dropped"
		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "drop table %s", name)
	}
	return result, nil
}

// Insert 插入一行或多行，要么全部成功要么全部不生效
func (e *Engine) Insert(ctx context.Context, tx *trx.Transaction, name string, rows ...basic.Row) (*Result, error) {
	result := NewResult()
	err := e.write(ctx, tx, func(w pagestore.Writer) error {
		ref, err := catalog.Lookup(w, name)
		if err != nil {
			return err
		}
		// 先检查整批，任何一行不合法都不写页面
		h := ref.Heap()
		for _, row := range rows {
			if err := h.CheckFits(w.PageSize(), row); err != nil {
				return err
			}
		}
		result.Columns = ref.Schema.ColumnNames()
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := h.Append(w, row)
			if err != nil {
				return err
			}
			result.AffectedRows++
			result.LastRowID = id
			result.RowIDs = append(result.RowIDs, id)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "insert into %s", name)
	}
	return result, nil
}

// Scan 按插入顺序返回匹配的行，pred为nil时返回全部
func (e *Engine) Scan(ctx context.Context, tx *trx.Transaction, name string, pred *Predicate) (*Result, error) {
	result := NewResult()
	err := e.read(ctx, tx, func(r pagestore.Reader) error {
		ref, err := catalog.Lookup(r, name)
		if err != nil {
			return err
		}
		bound, err := pred.bind(ref.Schema)
		if err != nil {
			return err
		}
		result.Columns = ref.Schema.ColumnNames()
		return e.each(ctx, r, ref, bound, func(id basic.RowID, row basic.Row) {
			result.AddRow(id, row)
		})
	})
	if err != nil {
		return nil, errors.Annotatef(err, "scan %s", name)
	}
	return result, nil
}

// Delete 删除匹配的行，pred为nil时删除全部。没有匹配的行不算错误。
func (e *Engine) Delete(ctx context.Context, tx *trx.Transaction, name string, pred *Predicate) (*Result, error) {
	result := NewResult()
	err := e.write(ctx, tx, func(w pagestore.Writer) error {
		ref, err := catalog.Lookup(w, name)
		if err != nil {
			return err
		}
		bound, err := pred.bind(ref.Schema)
		if err != nil {
			return err
		}
		result.Columns = ref.Schema.ColumnNames()
		// 先收集再删除，扫描过程中不修改页面
		var victims []basic.RowID
		err = e.each(ctx, w, ref, bound, func(id basic.RowID, row basic.Row) {
			victims = append(victims, id)
		})
		if err != nil {
			return err
		}
		h := ref.Heap()
		for _, id := range victims {
			if err := h.MarkDeleted(w, id); err != nil {
				return err
			}
			result.AffectedRows++
			result.RowIDs = append(result.RowIDs, id)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "delete from %s", name)
	}
	return result, nil
}

func (e *Engine) each(ctx context.Context, r pagestore.Reader, ref *catalog.TableRef, pred *boundPredicate, fn func(basic.RowID, basic.Row)) error {
	it := ref.Heap().Scan(r)
	for n := 0; it.Next(); n++ {
		if n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if pred.match(it.Row()) {
			fn(it.RowID(), it.Row())
		}
	}
	return it.Err()
}

// Tables 所有表，按创建顺序
func (e *Engine) Tables(ctx context.Context, tx *trx.Transaction) ([]*catalog.TableRef, error) {
	var tables []*catalog.TableRef
	err := e.read(ctx, tx, func(r pagestore.Reader) error {
		var err error
		tables, err = catalog.List(r)
		return err
	})
	if err != nil {
		return nil, errors.Annotate(err, "list tables")
	}
	return tables, nil
}

// Describe 表的schema
func (e *Engine) Describe(ctx context.Context, tx *trx.Transaction, name string) (*basic.Schema, error) {
	var schema *basic.Schema
	err := e.read(ctx, tx, func(r pagestore.Reader) error {
		ref, err := catalog.Lookup(r, name)
		if err != nil {
			return err
		}
		schema = ref.Schema
		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "describe %s", name)
	}
	return schema, nil
}
