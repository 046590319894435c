package basic

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout DATE字面量格式
const DateLayout = "2006-01-02"

// Value 一个列值
type Value interface {
	DataType() ColumnType
	IsNull() bool
	// Raw 返回Go原生值：int64/float64/string/bool/time.Time/decimal.Decimal，NULL为nil
	Raw() interface{}
	ToString() string
	// Equal 相等比较，NULL与任何值都不相等
	Equal(other Value) bool
}

// NullValue 某一类型的NULL
type NullValue struct {
	typ ColumnType
}

func NewNullValue(typ ColumnType) Value { return NullValue{typ: typ} }

func (n NullValue) DataType() ColumnType { return n.typ }
func (n NullValue) IsNull() bool         { return true }
func (n NullValue) Raw() interface{}     { return nil }
func (n NullValue) ToString() string     { return "NULL" }
func (n NullValue) Equal(Value) bool     { return false }

type IntValue struct {
	value int64
}

func NewIntValue(v int64) Value { return IntValue{value: v} }

func (i IntValue) DataType() ColumnType { return TypeInt }
func (i IntValue) IsNull() bool         { return false }
func (i IntValue) Raw() interface{}     { return i.value }
func (i IntValue) Int() int64           { return i.value }
func (i IntValue) ToString() string     { return strconv.FormatInt(i.value, 10) }
func (i IntValue) Equal(other Value) bool {
	o, ok := other.(IntValue)
	return ok && o.value == i.value
}

type FloatValue struct {
	value float64
}

func NewFloatValue(v float64) Value { return FloatValue{value: v} }

func (f FloatValue) DataType() ColumnType { return TypeFloat }
func (f FloatValue) IsNull() bool         { return false }
func (f FloatValue) Raw() interface{}     { return f.value }
func (f FloatValue) Float() float64       { return f.value }
func (f FloatValue) ToString() string     { return strconv.FormatFloat(f.value, 'g', -1, 64) }
func (f FloatValue) Equal(other Value) bool {
	o, ok := other.(FloatValue)
	return ok && o.value == f.value
}

type TextValue struct {
	value string
}

func NewTextValue(v string) Value { return TextValue{value: v} }

func (s TextValue) DataType() ColumnType { return TypeText }
func (s TextValue) IsNull() bool         { return false }
func (s TextValue) Raw() interface{}     { return s.value }
func (s TextValue) Text() string         { return s.value }
func (s TextValue) ToString() string     { return s.value }
func (s TextValue) Equal(other Value) bool {
	o, ok := other.(TextValue)
	return ok && o.value == s.value
}

type BoolValue struct {
	value bool
}

func NewBoolValue(v bool) Value { return BoolValue{value: v} }

func (b BoolValue) DataType() ColumnType { return TypeBool }
func (b BoolValue) IsNull() bool         { return false }
func (b BoolValue) Raw() interface{}     { return b.value }
func (b BoolValue) Bool() bool           { return b.value }
func (b BoolValue) ToString() string     { return strconv.FormatBool(b.value) }
func (b BoolValue) Equal(other Value) bool {
	o, ok := other.(BoolValue)
	return ok && o.value == b.value
}

// DateValue 按天存储，时区统一为UTC
type DateValue struct {
	days int64
}

var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

func NewDateValue(t time.Time) Value {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return DateValue{days: day.Unix() / 86400}
}

func newDateFromDays(days int64) Value { return DateValue{days: days} }

func (d DateValue) DataType() ColumnType { return TypeDate }
func (d DateValue) IsNull() bool         { return false }
func (d DateValue) Raw() interface{}     { return d.Time() }
func (d DateValue) Days() int64          { return d.days }
func (d DateValue) Time() time.Time      { return epoch.AddDate(0, 0, int(d.days)) }
func (d DateValue) ToString() string     { return d.Time().Format(DateLayout) }
func (d DateValue) Equal(other Value) bool {
	o, ok := other.(DateValue)
	return ok && o.days == d.days
}

type DecimalValue struct {
	value decimal.Decimal
}

func NewDecimalValue(v decimal.Decimal) Value { return DecimalValue{value: v} }

func (d DecimalValue) DataType() ColumnType     { return TypeDecimal }
func (d DecimalValue) IsNull() bool             { return false }
func (d DecimalValue) Raw() interface{}         { return d.value }
func (d DecimalValue) Decimal() decimal.Decimal { return d.value }
func (d DecimalValue) ToString() string         { return d.value.String() }
func (d DecimalValue) Equal(other Value) bool {
	o, ok := other.(DecimalValue)
	return ok && o.value.Equal(d.value)
}

// ParseValue 按列类型解析字面量，NULL(不区分大小写)解析为NULL值
func ParseValue(typ ColumnType, literal string) (Value, error) {
	s := strings.TrimSpace(literal)
	if strings.EqualFold(s, "NULL") {
		return NewNullValue(typ), nil
	}
	switch typ {
	case TypeInt:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an INT", ErrSchemaMismatch, literal)
		}
		return NewIntValue(v), nil
	case TypeFloat:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a FLOAT", ErrSchemaMismatch, literal)
		}
		return NewFloatValue(v), nil
	case TypeText:
		return NewTextValue(unquote(s)), nil
	case TypeBool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a BOOL", ErrSchemaMismatch, literal)
		}
		return NewBoolValue(v), nil
	case TypeDate:
		t, err := time.Parse(DateLayout, unquote(s))
		if err != nil {
			// 原程序里日期写成 3/18/1967
			t, err = time.Parse("1/2/2006", unquote(s))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a DATE", ErrSchemaMismatch, literal)
		}
		return NewDateValue(t), nil
	case TypeDecimal:
		v, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a DECIMAL", ErrSchemaMismatch, literal)
		}
		return NewDecimalValue(v), nil
	}
	return nil, fmt.Errorf("%w: unsupported type %s", ErrSchemaMismatch, typ)
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
