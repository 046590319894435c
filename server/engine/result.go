package engine

import (
	"strings"

	"github.com/zhukovaskychina/xlitedb/server/basic"
)

// Result 一次操作的结果
type Result struct {
	Columns      []string
	Rows         []basic.Row
	RowIDs       []basic.RowID
	AffectedRows int64
	LastRowID    basic.RowID
	Message      string
}

func NewResult() *Result {
	return &Result{
		Rows:   make([]basic.Row, 0),
		RowIDs: make([]basic.RowID, 0),
	}
}

func (result *Result) AddRow(id basic.RowID, row basic.Row) {
	result.RowIDs = append(result.RowIDs, id)
	result.Rows = append(result.Rows, row)
}

// Lines 每行一个字符串，列之间用" | "分隔
func (result *Result) Lines() []string {
	lines := make([]string, len(result.Rows))
	for i, row := range result.Rows {
		lines[i] = row.String()
	}
	return lines
}

// Header 列名行
func (result *Result) Header() string {
	return strings.Join(result.Columns, " | ")
}
