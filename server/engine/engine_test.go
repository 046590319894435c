package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/common"
	"github.com/zhukovaskychina/xlitedb/server/conf"
)

func testConfig(dir string) *conf.Cfg {
	cfg := conf.NewCfg()
	cfg.DataDir = dir
	cfg.DataFile = "engine.db"
	cfg.PageSize = common.MinPageSize
	cfg.BufferPoolPages = 16
	cfg.SyncWrites = false
	return cfg
}

func openEngine(t *testing.T, cfg *conf.Cfg) *Engine {
	t.Helper()
	e, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func newEngine(t *testing.T) *Engine {
	return openEngine(t, testConfig(t.TempDir()))
}

func idName() *basic.Schema {
	return basic.NewSchema(
		basic.Column{Name: "id", Type: basic.TypeInt},
		basic.Column{Name: "name", Type: basic.TypeText},
	)
}

func r(id int64, name string) basic.Row {
	return basic.Row{basic.NewIntValue(id), basic.NewTextValue(name)}
}

func scanLines(t *testing.T, e *Engine, table string, pred *Predicate) []string {
	t.Helper()
	res, err := e.Scan(context.Background(), nil, table, pred)
	require.NoError(t, err)
	return res.Lines()
}

func TestInsertScanDeleteScenario(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.CreateTable(ctx, nil, "t", idName(), false)
	require.NoError(t, err)
	_, err = e.Insert(ctx, nil, "t", r(1, "a"))
	require.NoError(t, err)
	_, err = e.Insert(ctx, nil, "t", r(2, "b"))
	require.NoError(t, err)

	res, err := e.Scan(ctx, nil, "t", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, res.Columns)
	assert.Equal(t, []string{"1 | a", "2 | b"}, res.Lines())

	del, err := e.Delete(ctx, nil, "t", Eq("id", basic.NewIntValue(1)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), del.AffectedRows)
	require.Len(t, del.RowIDs, 1)
	assert.Equal(t, res.RowIDs[0], del.RowIDs[0])

	// 被删除的RowID不会再出现
	after, err := e.Scan(ctx, nil, "t", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"2 | b"}, after.Lines())
	assert.NotContains(t, after.RowIDs, del.RowIDs[0])
	assert.Equal(t, res.RowIDs[1], after.RowIDs[0])
}

func TestAbortScenario(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.CreateTable(ctx, nil, "t", idName(), false)
	require.NoError(t, err)
	_, err = e.Insert(ctx, nil, "t", r(1, "a"), r(2, "b"))
	require.NoError(t, err)

	before, err := os.ReadFile(e.cfg.DataFilePath())
	require.NoError(t, err)

	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = e.Insert(ctx, tx, "t", r(3, "c"))
	require.NoError(t, err)

	// 事务内能看到自己的修改，事务外看不到
	inside, err := e.Scan(ctx, tx, "t", nil)
	require.NoError(t, err)
	assert.Len(t, inside.Rows, 3)
	assert.Equal(t, []string{"1 | a", "2 | b"}, scanLines(t, e, "t", nil))

	require.NoError(t, e.Abort(tx))
	assert.Equal(t, []string{"1 | a", "2 | b"}, scanLines(t, e, "t", nil))

	after, err := os.ReadFile(e.cfg.DataFilePath())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = e.Insert(ctx, tx, "t", r(4, "d"))
	assert.ErrorIs(t, err, basic.ErrNoActiveTransaction)
}

func TestRoundTripAllTypes(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	schema := basic.NewSchema(
		basic.Column{Name: "i", Type: basic.TypeInt},
		basic.Column{Name: "f", Type: basic.TypeFloat},
		basic.Column{Name: "s", Type: basic.TypeText, Nullable: true},
		basic.Column{Name: "b", Type: basic.TypeBool},
		basic.Column{Name: "d", Type: basic.TypeDate},
		basic.Column{Name: "m", Type: basic.TypeDecimal},
	)
	_, err := e.CreateTable(ctx, nil, "all_types", schema, false)
	require.NoError(t, err)

	rows := []basic.Row{
		{basic.NewIntValue(-42), basic.NewFloatValue(3.25), basic.NewTextValue("héllo"), basic.NewBoolValue(true),
			basic.NewDateValue(time.Date(2011, 5, 17, 0, 0, 0, 0, time.UTC)), basic.NewDecimalValue(decimal.RequireFromString("123.4500"))},
		{basic.NewIntValue(1 << 60), basic.NewFloatValue(-0.5), basic.NewNullValue(basic.TypeText), basic.NewBoolValue(false),
			basic.NewDateValue(time.Date(1899, 12, 31, 0, 0, 0, 0, time.UTC)), basic.NewDecimalValue(decimal.New(-7, -3))},
	}
	_, err = e.Insert(ctx, nil, "all_types", rows...)
	require.NoError(t, err)

	res, err := e.Scan(ctx, nil, "all_types", nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, len(rows))
	for i := range rows {
		assert.True(t, rows[i].Equal(res.Rows[i]), "row %d: %s != %s", i, rows[i], res.Rows[i])
	}
}

func TestDuplicateTableKeepsSchema(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.CreateTable(ctx, nil, "t", idName(), false)
	require.NoError(t, err)

	other := basic.NewSchema(basic.Column{Name: "x", Type: basic.TypeFloat})
	_, err = e.CreateTable(ctx, nil, "t", other, false)
	assert.ErrorIs(t, err, basic.ErrDuplicateTable)

	res, err := e.CreateTable(ctx, nil, "t", other, true)
	require.NoError(t, err)
	assert.Contains(t, res.Message, "already exists")

	schema, err := e.Describe(ctx, nil, "t")
	require.NoError(t, err)
	assert.True(t, idName().Equal(schema))
}

func TestSchemaMismatch(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.CreateTable(ctx, nil, "t", idName(), false)
	require.NoError(t, err)

	_, err = e.Insert(ctx, nil, "t", basic.Row{basic.NewIntValue(1)})
	assert.ErrorIs(t, err, basic.ErrSchemaMismatch)
	_, err = e.Insert(ctx, nil, "t", basic.Row{basic.NewIntValue(1), basic.NewNullValue(basic.TypeText)})
	assert.ErrorIs(t, err, basic.ErrSchemaMismatch)
	_, err = e.Scan(ctx, nil, "t", Eq("nope", basic.NewIntValue(1)))
	assert.ErrorIs(t, err, basic.ErrSchemaMismatch)
	_, err = e.Delete(ctx, nil, "t", Eq("id", basic.NewTextValue("1")))
	assert.ErrorIs(t, err, basic.ErrSchemaMismatch)

	// 一批里有一行不合法，整批都不插入
	_, err = e.Insert(ctx, nil, "t", r(1, "ok"), basic.Row{basic.NewTextValue("bad"), basic.NewTextValue("x")})
	assert.ErrorIs(t, err, basic.ErrSchemaMismatch)
	assert.Empty(t, scanLines(t, e, "t", nil))
}

func TestOversizedRowLeavesBatchUnstaged(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.CreateTable(ctx, nil, "t", idName(), false)
	require.NoError(t, err)

	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = e.Insert(ctx, tx, "t", r(1, "a"), r(2, strings.Repeat("x", 5000)))
	assert.ErrorIs(t, err, basic.ErrRowTooLarge)
	// 不是致命错误，事务继续有效，但前面的行也没有写入
	require.True(t, tx.IsActive())
	inside, err := e.Scan(ctx, tx, "t", nil)
	require.NoError(t, err)
	assert.Empty(t, inside.Rows)

	_, err = e.Insert(ctx, tx, "t", r(3, "c"))
	require.NoError(t, err)
	require.NoError(t, e.Commit(tx))
	assert.Equal(t, []string{"3 | c"}, scanLines(t, e, "t", nil))
}

func TestUnknownTable(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.Insert(ctx, nil, "missing", r(1, "a"))
	assert.ErrorIs(t, err, basic.ErrUnknownTable)
	_, err = e.Scan(ctx, nil, "missing", nil)
	assert.ErrorIs(t, err, basic.ErrUnknownTable)
	_, err = e.DropTable(ctx, nil, "missing", false)
	assert.ErrorIs(t, err, basic.ErrUnknownTable)
	_, err = e.DropTable(ctx, nil, "missing", true)
	assert.NoError(t, err)
}

func TestPredicateNullNeverMatches(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	schema := basic.NewSchema(
		basic.Column{Name: "id", Type: basic.TypeInt},
		basic.Column{Name: "manager_id", Type: basic.TypeInt, Nullable: true},
	)
	_, err := e.CreateTable(ctx, nil, "emp", schema, false)
	require.NoError(t, err)
	_, err = e.Insert(ctx, nil, "emp",
		basic.Row{basic.NewIntValue(1), basic.NewNullValue(basic.TypeInt)},
		basic.Row{basic.NewIntValue(2), basic.NewIntValue(1)},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"2 | 1"}, scanLines(t, e, "emp", Eq("manager_id", basic.NewIntValue(1))))
	assert.Empty(t, scanLines(t, e, "emp", Eq("manager_id", basic.NewNullValue(basic.TypeInt))))

	res, err := e.Delete(ctx, nil, "emp", Eq("id", basic.NewIntValue(99)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.AffectedRows)
}

func TestDeleteAllAndDrop(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.CreateTable(ctx, nil, "t", idName(), false)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err = e.Insert(ctx, nil, "t", r(int64(i), strings.Repeat("n", 40)))
		require.NoError(t, err)
	}
	res, err := e.Delete(ctx, nil, "t", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.AffectedRows)
	assert.Empty(t, scanLines(t, e, "t", nil))

	_, err = e.DropTable(ctx, nil, "t", false)
	require.NoError(t, err)
	tables, err := e.Tables(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, tables)

	info, err := e.Info()
	require.NoError(t, err)
	assert.Greater(t, info.FreePages, 0)
	assert.Equal(t, 0, info.Tables)
}

func TestSequentialCommitsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	e, err := Open(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.CreateTable(ctx, nil, "t", idName(), false)
	require.NoError(t, err)
	for round := 0; round < 2; round++ {
		tx, err := e.Begin()
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			_, err := e.Insert(ctx, tx, "t", r(int64(round*100+i), fmt.Sprintf("r%d", round)))
			require.NoError(t, err)
		}
		require.NoError(t, e.Commit(tx))
	}
	require.NoError(t, e.Close())

	e2 := openEngine(t, cfg)
	lines := scanLines(t, e2, "t", nil)
	require.Len(t, lines, 100)
	seen := make(map[string]struct{})
	for _, l := range lines {
		_, dup := seen[l]
		assert.False(t, dup, l)
		seen[l] = struct{}{}
	}
}

func TestCrashBetweenFlushAndCommitMarker(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	e, err := Open(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.CreateTable(ctx, nil, "t", idName(), false)
	require.NoError(t, err)
	_, err = e.Insert(ctx, nil, "t", r(1, "a"), r(2, "b"))
	require.NoError(t, err)
	before, err := os.ReadFile(cfg.DataFilePath())
	require.NoError(t, err)

	tx, err := e.Begin()
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		_, err := e.Insert(ctx, tx, "t", r(int64(10+i), "lost"))
		require.NoError(t, err)
	}
	_, err = e.Delete(ctx, tx, "t", Eq("id", basic.NewIntValue(1)))
	require.NoError(t, err)

	// 日志落盘、页面刷盘后崩溃，没有提交标记
	require.NoError(t, e.log.Sync())
	require.NoError(t, e.store.Flush())
	require.NoError(t, e.log.Close())
	require.NoError(t, e.store.Close())

	e2 := openEngine(t, cfg)
	after, err := os.ReadFile(cfg.DataFilePath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"1 | a", "2 | b"}, scanLines(t, e2, "t", nil))
}

func TestAutocommitWaitsForExplicitTx(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.CreateTable(ctx, nil, "t", idName(), false)
	require.NoError(t, err)

	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = e.Begin()
	assert.ErrorIs(t, err, basic.ErrTransactionInProgress)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = e.Insert(short, nil, "t", r(1, "a"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 读不被活跃的写事务阻塞
	assert.Empty(t, scanLines(t, e, "t", nil))
	require.NoError(t, e.Commit(tx))

	_, err = e.Insert(ctx, nil, "t", r(1, "a"))
	require.NoError(t, err)
}

func TestExecuteDispatch(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	ops := []Operation{
		CreateTableOp{Name: "t", Schema: idName()},
		&InsertOp{Table: "t", Rows: []basic.Row{r(1, "a"), r(2, "b")}},
		DeleteOp{Table: "t", Where: Eq("name", basic.NewTextValue("a"))},
	}
	for _, op := range ops {
		_, err := e.Execute(ctx, nil, op)
		require.NoError(t, err, op.OperationName())
	}
	res, err := e.Execute(ctx, nil, ScanOp{Table: "t"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2 | b"}, res.Lines())

	_, err = e.Execute(ctx, nil, DropTableOp{Name: "t"})
	require.NoError(t, err)
	_, err = e.Execute(ctx, nil, nil)
	assert.Error(t, err)
}

func TestCorruptPageAbortsTransaction(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.BufferPoolPages = 0
	e := openEngine(t, cfg)
	ctx := context.Background()

	_, err := e.CreateTable(ctx, nil, "t", idName(), false)
	require.NoError(t, err)
	_, err = e.Insert(ctx, nil, "t", r(1, "a"))
	require.NoError(t, err)
	tables, err := e.Tables(ctx, nil)
	require.NoError(t, err)
	root := tables[0].Root

	f, err := os.OpenFile(cfg.DataFilePath(), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xEE, 0xEE}, int64(root)*int64(cfg.PageSize)+int64(cfg.PageSize)-2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = e.Scan(ctx, tx, "t", nil)
	assert.True(t, basic.IsCorruptPage(err))
	assert.False(t, tx.IsActive())

	// 自动回滚后写者被释放
	tx2, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Abort(tx2))
}
