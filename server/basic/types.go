package basic

import (
	"fmt"
	"strings"
)

// ColumnType 列类型标签，持久化在catalog中，取值不可改变
type ColumnType uint8

const (
	TypeInvalid ColumnType = iota
	TypeInt
	TypeFloat
	TypeText
	TypeBool
	TypeDate
	TypeDecimal
)

var typeNames = map[ColumnType]string{
	TypeInt:     "INT",
	TypeFloat:   "FLOAT",
	TypeText:    "TEXT",
	TypeBool:    "BOOL",
	TypeDate:    "DATE",
	TypeDecimal: "DECIMAL",
}

func (t ColumnType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

func (t ColumnType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseColumnType 解析类型名，接受常见SQL别名
func ParseColumnType(name string) (ColumnType, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "INT", "INTEGER", "BIGINT":
		return TypeInt, nil
	case "FLOAT", "DOUBLE", "REAL":
		return TypeFloat, nil
	case "TEXT", "VARCHAR", "STRING", "CHAR":
		return TypeText, nil
	case "BOOL", "BOOLEAN":
		return TypeBool, nil
	case "DATE":
		return TypeDate, nil
	case "DECIMAL", "NUMERIC":
		return TypeDecimal, nil
	}
	return TypeInvalid, fmt.Errorf("%w: unknown column type %q", ErrSchemaMismatch, name)
}
