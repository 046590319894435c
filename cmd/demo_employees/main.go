package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zhukovaskychina/xlitedb/logger"
	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/conf"
	"github.com/zhukovaskychina/xlitedb/server/engine"
)

func main() {
	if err := demo(); err != nil {
		fmt.Println("失败:", err)
		os.Exit(1)
	}
}

func demo() error {
	dataDir := flag.String("data-dir", "", "数据目录，默认使用临时目录")
	flag.Parse()

	dir := *dataDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "xlitedb-demo-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}
	logger.SetOutput(os.Stderr, "warn")

	fmt.Println("=== employees 演示程序 ===")
	fmt.Println()

	// 演示1: 在test.db里建表并查询
	fmt.Println("1. test.db")
	fmt.Println("================")
	if err := run(dir, "test.db", func(ctx context.Context, e *engine.Engine) error {
		if err := createEmployees(ctx, e, "employees"); err != nil {
			return err
		}
		return selectAll(ctx, e, "employees")
	}); err != nil {
		return err
	}
	fmt.Println()

	// 演示2: 新数据库，删除、插入、查询
	fmt.Println("2. coolHandLuke.db")
	fmt.Println("================")
	return run(dir, "coolHandLuke.db", func(ctx context.Context, e *engine.Engine) error {
		if err := createEmployees(ctx, e, "prisoners"); err != nil {
			return err
		}
		res, err := e.Execute(ctx, nil, engine.DeleteOp{
			Table: "prisoners",
			Where: engine.Eq("id", basic.NewIntValue(1)),
		})
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d rows where id=1\n", res.AffectedRows)
		if err := selectAll(ctx, e, "prisoners"); err != nil {
			return err
		}

		luke, err := parseRow(ctx, e, "prisoners", "1", "Luke", "Luke", "0", "3/18/1967", "200")
		if err != nil {
			return err
		}
		if _, err := e.Execute(ctx, nil, engine.InsertOp{Table: "prisoners", Rows: []basic.Row{luke}}); err != nil {
			return err
		}
		fmt.Printf("Inserted value (%s)\n", luke)
		return selectAll(ctx, e, "prisoners")
	})
}

// run 打开一个数据库文件，执行fn后关闭
func run(dir, file string, fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg := conf.NewCfg()
	cfg.DataDir = dir
	cfg.DataFile = file
	cfg.LogLevel = "warn"

	e, err := engine.Open(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	info, err := e.Info()
	if err != nil {
		return err
	}
	fmt.Printf("database %s: format version %d, page size %d, id %s\n",
		filepath.Base(info.Path), info.FormatVersion, info.PageSize, info.DatabaseID)
	return fn(context.Background(), e)
}

func createEmployees(ctx context.Context, e *engine.Engine, name string) error {
	schema := basic.NewSchema(
		basic.Column{Name: "id", Type: basic.TypeInt},
		basic.Column{Name: "first_name", Type: basic.TypeText},
		basic.Column{Name: "last_name", Type: basic.TypeText},
		basic.Column{Name: "manager_id", Type: basic.TypeInt, Nullable: true},
		basic.Column{Name: "join_date", Type: basic.TypeDate},
		basic.Column{Name: "billable_hours", Type: basic.TypeFloat},
	)
	res, err := e.Execute(ctx, nil, engine.CreateTableOp{Name: name, Schema: schema, IfNotExists: true})
	if err != nil {
		return err
	}
	fmt.Println(res.Message)
	return nil
}

func selectAll(ctx context.Context, e *engine.Engine, name string) error {
	res, err := e.Execute(ctx, nil, engine.ScanOp{Table: name})
	if err != nil {
		return err
	}
	fmt.Println(res.Header())
	for _, line := range res.Lines() {
		fmt.Println(line)
	}
	fmt.Printf("(%d rows)\n", len(res.Rows))
	return nil
}

func parseRow(ctx context.Context, e *engine.Engine, table string, literals ...string) (basic.Row, error) {
	schema, err := e.Describe(ctx, nil, table)
	if err != nil {
		return nil, err
	}
	row := make(basic.Row, len(literals))
	for i, lit := range literals {
		if row[i], err = basic.ParseValue(schema.Columns[i].Type, lit); err != nil {
			return nil, err
		}
	}
	return row, nil
}
