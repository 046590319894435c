package basic

import (
	"fmt"
)

// MaxNameLength 表名、列名的最大字节数
const MaxNameLength = 64

// Column 列定义
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

func (c Column) String() string {
	if c.Nullable {
		return fmt.Sprintf("%s %s NULL", c.Name, c.Type)
	}
	return fmt.Sprintf("%s %s NOT NULL", c.Name, c.Type)
}

// Schema 有序列定义，建表后不可变
type Schema struct {
	Columns []Column
}

func NewSchema(columns ...Column) *Schema {
	cols := make([]Column, len(columns))
	copy(cols, columns)
	return &Schema{Columns: cols}
}

func (s *Schema) Len() int {
	return len(s.Columns)
}

// ColumnIndex 按名称查找列，不存在返回-1
func (s *Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Equal 两个schema逐列相同
func (s *Schema) Equal(other *Schema) bool {
	if other == nil || len(s.Columns) != len(other.Columns) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != other.Columns[i] {
			return false
		}
	}
	return true
}

// Validate 检查schema本身是否合法
func (s *Schema) Validate() error {
	if s == nil || len(s.Columns) == 0 {
		return fmt.Errorf("%w: schema has no columns", ErrSchemaMismatch)
	}
	if len(s.Columns) > 0xFFFF {
		return fmt.Errorf("%w: too many columns", ErrSchemaMismatch)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		if err := ValidateName(c.Name); err != nil {
			return err
		}
		if !c.Type.Valid() {
			return fmt.Errorf("%w: column %s has invalid type %s", ErrSchemaMismatch, c.Name, c.Type)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate column %s", ErrSchemaMismatch, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// ValidateRow 检查行的列数、类型和非空约束
func (s *Schema) ValidateRow(row Row) error {
	if len(row) != len(s.Columns) {
		return fmt.Errorf("%w: expected %d values, got %d", ErrSchemaMismatch, len(s.Columns), len(row))
	}
	for i, c := range s.Columns {
		v := row[i]
		if v == nil || v.IsNull() {
			if !c.Nullable {
				return fmt.Errorf("%w: column %s is NOT NULL", ErrSchemaMismatch, c.Name)
			}
			continue
		}
		if v.DataType() != c.Type {
			return fmt.Errorf("%w: column %s expects %s, got %s", ErrSchemaMismatch, c.Name, c.Type, v.DataType())
		}
	}
	return nil
}

// ValidateName 表名和列名：非空，不超过MaxNameLength字节
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrSchemaMismatch)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: name %q longer than %d bytes", ErrSchemaMismatch, name, MaxNameLength)
	}
	return nil
}
