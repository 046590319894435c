package engine

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xlitedb/server/basic"
)

// Predicate 单列等值条件 column = value
type Predicate struct {
	Column string
	Value  basic.Value
}

func Eq(column string, value basic.Value) *Predicate {
	return &Predicate{Column: column, Value: value}
}

// boundPredicate 已经按schema解析出列位置的条件
type boundPredicate struct {
	index int
	value basic.Value
}

// bind 列不存在或值的类型和列不一致时返回SchemaMismatch。nil条件匹配所有行。
func (p *Predicate) bind(schema *basic.Schema) (*boundPredicate, error) {
	if p == nil {
		return nil, nil
	}
	idx := schema.ColumnIndex(p.Column)
	if idx < 0 {
		return nil, errors.Annotatef(basic.ErrSchemaMismatch, "unknown column %q", p.Column)
	}
	if p.Value == nil {
		return nil, errors.Annotatef(basic.ErrSchemaMismatch, "no value for column %q", p.Column)
	}
	if want := schema.Columns[idx].Type; p.Value.DataType() != want {
		return nil, errors.Annotatef(basic.ErrSchemaMismatch, "column %s is %s, value is %s", p.Column, want, p.Value.DataType())
	}
	return &boundPredicate{index: idx, value: p.Value}, nil
}

// match NULL不等于任何值
func (b *boundPredicate) match(row basic.Row) bool {
	if b == nil {
		return true
	}
	v := row[b.index]
	if v == nil || v.IsNull() || b.value.IsNull() {
		return false
	}
	return v.Equal(b.value)
}
