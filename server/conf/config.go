package conf

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xlitedb/server/common"
	"github.com/zhukovaskychina/xlitedb/server/storage/wal"
)

type CommandLineArgs struct {
	ConfigPath string
	// DataDir 命令行覆盖配置文件中的data_dir
	DataDir string
}

// 日志压缩算法
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

/*
*
[storage]
data_dir          = data
data_file         = xlite.db
page_size         = 4096
buffer_pool_pages = 256
log_compression   = snappy

[logs]
log_error = /var/log/xlitedb/error.log
log_infos = /var/log/xlitedb/xlitedb.log
log_level = info
*/
type Cfg struct {
	Raw *ini.File

	// storage
	DataDir          string  `default:"data" toml:"data_dir"`
	DataFile         string  `default:"xlite.db" toml:"data_file"`
	PageSize         int     `default:"4096" toml:"page_size"`
	BufferPoolPages  int     `default:"256" toml:"buffer_pool_pages"`
	BufferOldPercent float64 `default:"37" toml:"buffer_old_percent"`
	LogCompression   string  `default:"snappy" toml:"log_compression"`
	SyncWrites       bool    `default:"true" toml:"sync_writes"`

	// logs
	LogError string `default:"" toml:"log_error"`
	LogInfos string `default:"" toml:"log_infos"`
	LogLevel string `default:"info" toml:"log_level"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:              ini.Empty(),
		DataDir:          "data",
		DataFile:         "xlite.db",
		PageSize:         common.DefaultPageSize,
		BufferPoolPages:  256,
		BufferOldPercent: 37,
		LogCompression:   CompressionSnappy,
		SyncWrites:       true,
		LogLevel:         "info",
	}
}

// Load 读取配置文件。路径为空时使用默认值；.toml 按 TOML 解析，其余按 ini 解析。
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	if args != nil && args.ConfigPath != "" {
		var err error
		if strings.EqualFold(filepath.Ext(args.ConfigPath), ".toml") {
			err = cfg.loadToml(args.ConfigPath)
		} else {
			err = cfg.loadIni(args.ConfigPath)
		}
		if err != nil {
			return nil, err
		}
	}
	if args != nil && args.DataDir != "" {
		cfg.DataDir = args.DataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Cfg) loadIni(path string) error {
	iniFile, err := ini.Load(path)
	if err != nil {
		return errors.Wrapf(err, "加载配置文件 %s 失败", path)
	}
	cfg.Raw = iniFile
	cfg.parseStorageCfg(iniFile.Section("storage"))
	cfg.parseLogsCfg(iniFile.Section("logs"))
	return nil
}

func (cfg *Cfg) parseStorageCfg(section *ini.Section) *Cfg {
	cfg.DataDir = section.Key("data_dir").MustString(cfg.DataDir)
	cfg.DataFile = section.Key("data_file").MustString(cfg.DataFile)
	cfg.PageSize = section.Key("page_size").MustInt(cfg.PageSize)
	cfg.BufferPoolPages = section.Key("buffer_pool_pages").MustInt(cfg.BufferPoolPages)
	cfg.BufferOldPercent = section.Key("buffer_old_percent").MustFloat64(cfg.BufferOldPercent)
	cfg.LogCompression = strings.ToLower(section.Key("log_compression").MustString(cfg.LogCompression))
	cfg.SyncWrites = section.Key("sync_writes").MustBool(cfg.SyncWrites)
	return cfg
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) *Cfg {
	cfg.LogError = section.Key("log_error").MustString(cfg.LogError)
	cfg.LogInfos = section.Key("log_infos").MustString(cfg.LogInfos)
	cfg.LogLevel = section.Key("log_level").MustString(cfg.LogLevel)
	return cfg
}

func (cfg *Cfg) loadToml(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "读取配置文件 %s 失败", path)
	}
	tree, err := toml.Load(string(data))
	if err != nil {
		return errors.Wrapf(err, "解析配置文件 %s 失败", path)
	}

	tomlString(tree, "storage.data_dir", &cfg.DataDir)
	tomlString(tree, "storage.data_file", &cfg.DataFile)
	tomlInt(tree, "storage.page_size", &cfg.PageSize)
	tomlInt(tree, "storage.buffer_pool_pages", &cfg.BufferPoolPages)
	if v, ok := tree.Get("storage.buffer_old_percent").(float64); ok {
		cfg.BufferOldPercent = v
	} else if v, ok := tree.Get("storage.buffer_old_percent").(int64); ok {
		cfg.BufferOldPercent = float64(v)
	}
	if tomlString(tree, "storage.log_compression", &cfg.LogCompression) {
		cfg.LogCompression = strings.ToLower(cfg.LogCompression)
	}
	if v, ok := tree.Get("storage.sync_writes").(bool); ok {
		cfg.SyncWrites = v
	}

	tomlString(tree, "logs.log_error", &cfg.LogError)
	tomlString(tree, "logs.log_infos", &cfg.LogInfos)
	tomlString(tree, "logs.log_level", &cfg.LogLevel)
	return nil
}

func tomlString(tree *toml.Tree, key string, dst *string) bool {
	if v, ok := tree.Get(key).(string); ok {
		*dst = v
		return true
	}
	return false
}

func tomlInt(tree *toml.Tree, key string, dst *int) {
	if v, ok := tree.Get(key).(int64); ok {
		*dst = int(v)
	}
}

// Validate 检查配置合法性
func (cfg *Cfg) Validate() error {
	if !common.IsValidPageSize(cfg.PageSize) {
		return errors.Errorf("page_size %d 非法: 必须是 %d..%d 之间的2的幂",
			cfg.PageSize, common.MinPageSize, common.MaxPageSize)
	}
	if _, err := wal.ParseCodec(cfg.LogCompression); err != nil {
		return errors.Wrapf(err, "log_compression 非法: 可选 none/snappy/lz4")
	}
	if cfg.BufferPoolPages < 0 {
		return errors.Errorf("buffer_pool_pages %d 不能为负数", cfg.BufferPoolPages)
	}
	if cfg.BufferOldPercent <= 0 || cfg.BufferOldPercent >= 100 {
		return errors.Errorf("buffer_old_percent %v 必须在 (0,100) 之间", cfg.BufferOldPercent)
	}
	if cfg.DataFile == "" {
		return errors.New("data_file 不能为空")
	}
	return nil
}

// DataFilePath 数据文件完整路径
func (cfg *Cfg) DataFilePath() string {
	return filepath.Join(cfg.DataDir, cfg.DataFile)
}

// LogFilePath 预写日志文件完整路径
func (cfg *Cfg) LogFilePath() string {
	return cfg.DataFilePath() + ".wal"
}
