package basic

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zhukovaskychina/xlitedb/util"
)

// RowID 行号，高位是堆页号，低16位是页内槽号
type RowID uint64

func NewRowID(page uint32, slot uint16) RowID {
	return RowID(uint64(page)<<16 | uint64(slot))
}

func (r RowID) Page() uint32 { return uint32(r >> 16) }
func (r RowID) Slot() uint16 { return uint16(r & 0xFFFF) }

func (r RowID) String() string {
	return fmt.Sprintf("%d:%d", r.Page(), r.Slot())
}

// Row 与Schema对应的一行值
type Row []Value

// Equal 逐列比较，两边都是NULL的列视为相同
func (r Row) Equal(other Row) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		a, b := r[i], other[i]
		aNull := a == nil || a.IsNull()
		bNull := b == nil || b.IsNull()
		if aNull || bNull {
			if aNull != bNull {
				return false
			}
			continue
		}
		if !a.Equal(b) {
			return false
		}
	}
	return true
}

func (r Row) Strings() []string {
	out := make([]string, len(r))
	for i, v := range r {
		if v == nil {
			out[i] = "NULL"
			continue
		}
		out[i] = v.ToString()
	}
	return out
}

func (r Row) String() string {
	return strings.Join(r.Strings(), " | ")
}

// EncodeRow 行编码: NULL位图 + 非NULL列值。调用方先用ValidateRow校验。
func EncodeRow(schema *Schema, row Row) ([]byte, error) {
	if err := schema.ValidateRow(row); err != nil {
		return nil, err
	}
	n := len(schema.Columns)
	buf := make([]byte, (n+7)/8, 64)
	for i, v := range row {
		if v == nil || v.IsNull() {
			buf[i/8] |= 1 << (uint(i) % 8)
		}
	}
	for i, v := range row {
		if v == nil || v.IsNull() {
			continue
		}
		switch schema.Columns[i].Type {
		case TypeInt:
			buf = util.WriteVarint(buf, v.(IntValue).Int())
		case TypeFloat:
			buf = util.WriteFloat64(buf, v.(FloatValue).Float())
		case TypeText:
			buf = util.WriteWithLength(buf, []byte(v.(TextValue).Text()))
		case TypeBool:
			if v.(BoolValue).Bool() {
				buf = util.WriteByte(buf, 1)
			} else {
				buf = util.WriteByte(buf, 0)
			}
		case TypeDate:
			buf = util.WriteVarint(buf, v.(DateValue).Days())
		case TypeDecimal:
			buf = util.WriteWithLength(buf, []byte(v.(DecimalValue).Decimal().String()))
		}
	}
	return buf, nil
}

// DecodeRow EncodeRow的逆过程
func DecodeRow(schema *Schema, data []byte) (Row, error) {
	n := len(schema.Columns)
	r := util.NewBufferReader(data)
	bitmap := r.ReadBytes((n + 7) / 8)
	if r.Err() != nil {
		return nil, fmt.Errorf("%w: row header truncated", ErrCorruptPage)
	}
	row := make(Row, n)
	for i, c := range schema.Columns {
		if bitmap[i/8]&(1<<(uint(i)%8)) != 0 {
			row[i] = NewNullValue(c.Type)
			continue
		}
		switch c.Type {
		case TypeInt:
			row[i] = NewIntValue(r.ReadVarint())
		case TypeFloat:
			row[i] = NewFloatValue(r.ReadFloat64())
		case TypeText:
			row[i] = NewTextValue(r.ReadLengthString())
		case TypeBool:
			row[i] = NewBoolValue(r.ReadU8() != 0)
		case TypeDate:
			row[i] = newDateFromDays(r.ReadVarint())
		case TypeDecimal:
			d, err := decimal.NewFromString(r.ReadLengthString())
			if err != nil && r.Err() == nil {
				return nil, fmt.Errorf("%w: bad decimal in column %s", ErrCorruptPage, c.Name)
			}
			row[i] = NewDecimalValue(d)
		default:
			return nil, fmt.Errorf("%w: column %s has invalid type %s", ErrCorruptPage, c.Name, c.Type)
		}
	}
	if r.Err() != nil {
		return nil, fmt.Errorf("%w: row truncated", ErrCorruptPage)
	}
	return row, nil
}

// EncodeSchema schema序列化: 列数u16，每列 名称 | 类型u8 | 可空u8
func EncodeSchema(buf []byte, schema *Schema) []byte {
	buf = util.WriteUB2(buf, uint16(len(schema.Columns)))
	for _, c := range schema.Columns {
		buf = util.WriteWithLength(buf, []byte(c.Name))
		buf = util.WriteByte(buf, byte(c.Type))
		if c.Nullable {
			buf = util.WriteByte(buf, 1)
		} else {
			buf = util.WriteByte(buf, 0)
		}
	}
	return buf
}

// DecodeSchema 从reader中读出schema
func DecodeSchema(r *util.BufferReader) (*Schema, error) {
	n := int(r.ReadUB2())
	cols := make([]Column, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		name := r.ReadLengthString()
		typ := ColumnType(r.ReadU8())
		nullable := r.ReadU8() != 0
		cols = append(cols, Column{Name: name, Type: typ, Nullable: nullable})
	}
	if r.Err() != nil {
		return nil, fmt.Errorf("%w: schema truncated", ErrCorruptPage)
	}
	return &Schema{Columns: cols}, nil
}
