package engine

import (
	"context"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/storage/trx"
)

// Operation 可以交给Execute执行的操作
type Operation interface {
	OperationName() string
}

type CreateTableOp struct {
	Name        string
	Schema      *basic.Schema
	IfNotExists bool
}

type InsertOp struct {
	Table string
	Rows  []basic.Row
}

type ScanOp struct {
	Table string
	Where *Predicate
}

type DeleteOp struct {
	Table string
	Where *Predicate
}

type DropTableOp struct {
	Name     string
	IfExists bool
}

func (CreateTableOp) OperationName() string { return "CREATE TABLE" }
func (InsertOp) OperationName() string      { return "INSERT" }
func (ScanOp) OperationName() string        { return "SCAN" }
func (DeleteOp) OperationName() string      { return "DELETE" }
func (DropTableOp) OperationName() string   { return "DROP TABLE" }

// Execute 按操作类型分派
func (e *Engine) Execute(ctx context.Context, tx *trx.Transaction, op Operation) (*Result, error) {
	switch op := op.(type) {
	case CreateTableOp:
		return e.CreateTable(ctx, tx, op.Name, op.Schema, op.IfNotExists)
	case *CreateTableOp:
		return e.CreateTable(ctx, tx, op.Name, op.Schema, op.IfNotExists)
	case InsertOp:
		return e.Insert(ctx, tx, op.Table, op.Rows...)
	case *InsertOp:
		return e.Insert(ctx, tx, op.Table, op.Rows...)
	case ScanOp:
		return e.Scan(ctx, tx, op.Table, op.Where)
	case *ScanOp:
		return e.Scan(ctx, tx, op.Table, op.Where)
	case DeleteOp:
		return e.Delete(ctx, tx, op.Table, op.Where)
	case *DeleteOp:
		return e.Delete(ctx, tx, op.Table, op.Where)
	case DropTableOp:
		return e.DropTable(ctx, tx, op.Name, op.IfExists)
	case *DropTableOp:
		return e.DropTable(ctx, tx, op.Name, op.IfExists)
	case nil:
		return nil, errors.New("nil operation")
	default:
		return nil, errors.Errorf("unsupported operation %s", op.OperationName())
	}
}
