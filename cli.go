package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/zhukovaskychina/xlitedb/logger"
	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/conf"
	"github.com/zhukovaskychina/xlitedb/server/engine"
)

// cliOptions 所有子命令共享的全局参数
type cliOptions struct {
	configPath string
	dataDir    string
	logLevel   string

	cfg *conf.Cfg
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "xlitedb",
		Short:         "Embedded single-file table store",
		Long:          help,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "配置文件路径(.ini 或 .toml)")
	root.PersistentFlags().StringVarP(&opts.dataDir, "data-dir", "d", "", "数据目录，覆盖配置文件")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "日志级别，覆盖配置文件")

	root.AddCommand(
		newInitCmd(opts),
		newInfoCmd(opts),
		newCreateTableCmd(opts),
		newDropTableCmd(opts),
		newTablesCmd(opts),
		newInsertCmd(opts),
		newScanCmd(opts),
		newDeleteCmd(opts),
	)
	return root
}

// load 读取配置并初始化日志。没有配置日志文件时日志写到stderr，stdout只输出结果。
func (opts *cliOptions) load(stderr io.Writer) error {
	cfg, err := conf.NewCfg().Load(&conf.CommandLineArgs{
		ConfigPath: opts.configPath,
		DataDir:    opts.dataDir,
	})
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if cfg.LogError == "" && cfg.LogInfos == "" {
		logger.SetOutput(stderr, cfg.LogLevel)
	} else if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	}); err != nil {
		return err
	}
	opts.cfg = cfg
	return nil
}

// withEngine 打开数据库执行fn，结束后关闭
func (opts *cliOptions) withEngine(fn func(e *engine.Engine) error) (err error) {
	e, err := engine.Open(opts.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := e.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(e)
}

func newInitCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database file if missing and print its metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEngine(func(e *engine.Engine) error {
				info, err := e.Info()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "database:       %s\n", info.Path)
				fmt.Fprintf(out, "format version: %d\n", info.FormatVersion)
				fmt.Fprintf(out, "page size:      %d\n", info.PageSize)
				fmt.Fprintf(out, "database id:    %s\n", info.DatabaseID)
				return nil
			})
		},
	}
}

func newInfoCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print page and table statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEngine(func(e *engine.Engine) error {
				info, err := e.Info()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "database:   %s\n", info.Path)
				fmt.Fprintf(out, "page size:  %d\n", info.PageSize)
				fmt.Fprintf(out, "pages:      %d\n", info.PageCount)
				fmt.Fprintf(out, "free pages: %d\n", info.FreePages)
				fmt.Fprintf(out, "tables:     %d\n", info.Tables)
				return nil
			})
		},
	}
}

func newCreateTableCmd(opts *cliOptions) *cobra.Command {
	var ifNotExists bool
	cmd := &cobra.Command{
		Use:   "create-table NAME COLUMN:TYPE[:null]...",
		Short: "Create a table",
		Example: `  xlitedb create-table employees id:int first_name:text last_name:text \
    manager_id:int:null join_date:date billable_hours:double`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := parseColumns(args[1:])
			if err != nil {
				return err
			}
			return opts.withEngine(func(e *engine.Engine) error {
				res, err := e.CreateTable(cmd.Context(), nil, args[0], schema, ifNotExists)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Message)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&ifNotExists, "if-not-exists", false, "表已存在时不报错")
	return cmd
}

func newDropTableCmd(opts *cliOptions) *cobra.Command {
	var ifExists bool
	cmd := &cobra.Command{
		Use:   "drop-table NAME",
		Short: "Drop a table and free its pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(e *engine.Engine) error {
				res, err := e.DropTable(cmd.Context(), nil, args[0], ifExists)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Message)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&ifExists, "if-exists", false, "表不存在时不报错")
	return cmd
}

func newTablesCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List tables and their columns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEngine(func(e *engine.Engine) error {
				tables, err := e.Tables(cmd.Context(), nil)
				if err != nil {
					return err
				}
				for _, t := range tables {
					cols := make([]string, len(t.Schema.Columns))
					for i, c := range t.Schema.Columns {
						cols[i] = c.String()
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s(%s)\n", t.Name, strings.Join(cols, ", "))
				}
				return nil
			})
		},
	}
}

func newInsertCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "insert TABLE VALUE...",
		Short:   "Insert one row, values in column order",
		Example: `  xlitedb insert employees 1 David Adams NULL 2001-03-18 7.5`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(e *engine.Engine) error {
				schema, err := e.Describe(cmd.Context(), nil, args[0])
				if err != nil {
					return err
				}
				row, err := parseRow(schema, args[1:])
				if err != nil {
					return err
				}
				res, err := e.Insert(cmd.Context(), nil, args[0], row)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d row inserted (rowid %s)\n", res.AffectedRows, res.LastRowID)
				return nil
			})
		},
	}
}

func newScanCmd(opts *cliOptions) *cobra.Command {
	var where string
	var noHeader bool
	cmd := &cobra.Command{
		Use:   "scan TABLE",
		Short: "Print rows in insertion order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(e *engine.Engine) error {
				pred, err := parseWhere(cmd.Context(), e, args[0], where)
				if err != nil {
					return err
				}
				res, err := e.Scan(cmd.Context(), nil, args[0], pred)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !noHeader {
					fmt.Fprintln(out, res.Header())
				}
				for _, line := range res.Lines() {
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&where, "where", "w", "", "过滤条件 column=value")
	cmd.Flags().BoolVar(&noHeader, "no-header", false, "不输出列名行")
	return cmd
}

func newDeleteCmd(opts *cliOptions) *cobra.Command {
	var where string
	var all bool
	cmd := &cobra.Command{
		Use:   "delete TABLE",
		Short: "Delete rows matching --where, or every row with --all",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if where == "" && !all {
				return errors.New("delete needs --where column=value or --all")
			}
			return opts.withEngine(func(e *engine.Engine) error {
				pred, err := parseWhere(cmd.Context(), e, args[0], where)
				if err != nil {
					return err
				}
				res, err := e.Delete(cmd.Context(), nil, args[0], pred)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d rows deleted\n", res.AffectedRows)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&where, "where", "w", "", "过滤条件 column=value")
	cmd.Flags().BoolVar(&all, "all", false, "删除所有行")
	return cmd
}

// parseColumns 解析 name:type[:null]
func parseColumns(specs []string) (*basic.Schema, error) {
	cols := make([]basic.Column, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, errors.Annotatef(basic.ErrSchemaMismatch, "column %q: want name:type[:null]", spec)
		}
		typ, err := basic.ParseColumnType(parts[1])
		if err != nil {
			return nil, errors.Annotatef(err, "column %s", parts[0])
		}
		col := basic.Column{Name: parts[0], Type: typ}
		if len(parts) == 3 {
			if !strings.EqualFold(parts[2], "null") {
				return nil, errors.Annotatef(basic.ErrSchemaMismatch, "column %q: unknown modifier %q", spec, parts[2])
			}
			col.Nullable = true
		}
		cols = append(cols, col)
	}
	return basic.NewSchema(cols...), nil
}

func parseRow(schema *basic.Schema, literals []string) (basic.Row, error) {
	if len(literals) != schema.Len() {
		return nil, errors.Annotatef(basic.ErrSchemaMismatch, "got %d values for %d columns", len(literals), schema.Len())
	}
	row := make(basic.Row, len(literals))
	for i, lit := range literals {
		v, err := basic.ParseValue(schema.Columns[i].Type, lit)
		if err != nil {
			return nil, errors.Annotatef(err, "column %s", schema.Columns[i].Name)
		}
		row[i] = v
	}
	return row, nil
}

// parseWhere 按列类型解析 column=value，空串表示没有条件
func parseWhere(ctx context.Context, e *engine.Engine, table, where string) (*engine.Predicate, error) {
	if where == "" {
		return nil, nil
	}
	col, lit, ok := strings.Cut(where, "=")
	if !ok {
		return nil, errors.Errorf("where %q: want column=value", where)
	}
	col = strings.TrimSpace(col)
	schema, err := e.Describe(ctx, nil, table)
	if err != nil {
		return nil, err
	}
	idx := schema.ColumnIndex(col)
	if idx < 0 {
		return nil, errors.Annotatef(basic.ErrSchemaMismatch, "unknown column %q", col)
	}
	v, err := basic.ParseValue(schema.Columns[idx].Type, lit)
	if err != nil {
		return nil, errors.Annotatef(err, "where %s", col)
	}
	return engine.Eq(col, v), nil
}
