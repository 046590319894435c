package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// InfoLogger 信息日志实例
	InfoLogger *logrus.Logger
	// ErrorLogger 错误日志实例
	ErrorLogger *logrus.Logger

	openFiles []*os.File
)

// LogConfig 日志配置
type LogConfig struct {
	ErrorLogPath string
	InfoLogPath  string
	LogLevel     string
}

// CustomFormatter 单行日志格式: [时间] [级别] (文件:函数:行号) 消息
type CustomFormatter struct {
	TimestampFormat string
}

// Format 实现 logrus.Formatter 接口
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	layout := f.TimestampFormat
	if layout == "" {
		layout = "15:04:05 MST 2006/01/02"
	}
	timestamp := entry.Time.Format(layout)

	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	var fields strings.Builder
	for k, v := range entry.Data {
		fmt.Fprintf(&fields, " %s=%v", k, v)
	}

	msg := strings.TrimRight(entry.Message, "\n")
	return []byte(fmt.Sprintf("[%s] [%s] (%s) %s%s\n", timestamp, level, getCaller(), msg, fields.String())), nil
}

// getCaller 跳过日志框架自身的栈帧，找到实际调用者
func getCaller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen") ||
			strings.Contains(file, "/logger/logger.go") {
			continue
		}
		funcName := runtime.FuncForPC(pc).Name()
		if idx := strings.LastIndex(funcName, "/"); idx >= 0 {
			funcName = funcName[idx+1:]
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), funcName, line)
	}
	return "unknown:unknown:0"
}

// ParseLogLevel 解析日志级别字符串，无法识别时为info
func ParseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// InitLogger 初始化日志。可以重复调用，之前打开的日志文件会被关闭。
func InitLogger(config LogConfig) error {
	Close()

	formatter := &CustomFormatter{TimestampFormat: "15:04:05 MST 2006/01/02"}
	level := ParseLogLevel(config.LogLevel)

	newLogger := func(out io.Writer) *logrus.Logger {
		l := logrus.New()
		l.SetFormatter(formatter)
		l.SetLevel(level)
		l.SetOutput(out)
		return l
	}

	infoOut := io.Writer(os.Stdout)
	if config.InfoLogPath != "" {
		f, err := openLogFile(config.InfoLogPath)
		if err != nil {
			return fmt.Errorf("open info log %s: %w", config.InfoLogPath, err)
		}
		infoOut = io.MultiWriter(os.Stdout, f)
	}

	errorOut := io.Writer(os.Stderr)
	if config.ErrorLogPath != "" {
		f, err := openLogFile(config.ErrorLogPath)
		if err != nil {
			return fmt.Errorf("open error log %s: %w", config.ErrorLogPath, err)
		}
		errorOut = io.MultiWriter(os.Stderr, f)
	}

	InfoLogger = newLogger(infoOut)
	ErrorLogger = newLogger(errorOut)
	Logger = newLogger(infoOut)
	return nil
}

// SetOutput 所有日志器输出到同一个writer，测试里用
func SetOutput(w io.Writer, level string) {
	formatter := &CustomFormatter{}
	for _, l := range []**logrus.Logger{&Logger, &InfoLogger, &ErrorLogger} {
		*l = logrus.New()
		(*l).SetFormatter(formatter)
		(*l).SetLevel(ParseLogLevel(level))
		(*l).SetOutput(w)
	}
}

// Close 关闭日志文件
func Close() {
	for _, f := range openFiles {
		_ = f.Close()
	}
	openFiles = nil
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	openFiles = append(openFiles, f)
	return f, nil
}

// WithField 带字段的entry，未初始化时使用logrus标准日志器
func WithField(key string, value interface{}) *logrus.Entry {
	if Logger != nil {
		return Logger.WithField(key, value)
	}
	return logrus.WithField(key, value)
}

// Info 记录信息日志
func Info(args ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Info(args...)
	}
}

// Infof 记录格式化信息日志
func Infof(format string, args ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Infof(format, args...)
	}
}

// Debug 记录调试日志
func Debug(args ...interface{}) {
	if Logger != nil {
		Logger.Debug(args...)
	}
}

// Debugf 记录格式化调试日志
func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

// Warnf 记录格式化警告日志
func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Error 记录错误日志
func Error(args ...interface{}) {
	if ErrorLogger != nil {
		ErrorLogger.Error(args...)
	}
}

// Errorf 记录格式化错误日志
func Errorf(format string, args ...interface{}) {
	if ErrorLogger != nil {
		ErrorLogger.Errorf(format, args...)
	}
}
