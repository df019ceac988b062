// Package log 提供 procwatch 的日志系统封装
package log

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string // 日志级别: debug, info, warn, error
	Output     string // 输出方式: console, file, both
	FilePath   string // 日志文件路径
	MaxSizeMB  int    // 单文件最大大小(MB)
	MaxBackups int    // 最大保留文件数
	MaxAgeDays int    // 最大保留天数
}

// Logger 封装 zap.Logger，各组件通过 WithModule 派生子 Logger
type Logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// NewLogger 根据配置创建 Logger
func NewLogger(cfg LogConfig) (*Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var writeSyncer zapcore.WriteSyncer
	switch cfg.Output {
	case "file":
		writeSyncer = createFileWriter(cfg)
	case "both":
		writeSyncer = zapcore.NewMultiWriteSyncer(
			zapcore.AddSync(os.Stdout),
			createFileWriter(cfg),
		)
	default:
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		writeSyncer,
		level,
	)

	zapLogger := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
	)

	return &Logger{
		zap:   zapLogger,
		level: level,
	}, nil
}

// NewNop 返回丢弃所有输出的 Logger，供测试和未配置日志的组件使用
func NewNop() *Logger {
	z := zap.NewNop()
	return &Logger{
		zap:   z,
		level: zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
}

// createFileWriter 创建文件输出器（支持日志轮转）
func createFileWriter(cfg LogConfig) zapcore.WriteSyncer {
	if dir := filepath.Dir(cfg.FilePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			// lumberjack 会在写入时再次尝试创建目录
			_, _ = os.Stderr.WriteString("Warning: failed to create log directory: " + err.Error() + "\n")
		}
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
}

// SetLevel 动态调整日志级别
func (l *Logger) SetLevel(level string) error {
	return l.level.UnmarshalText([]byte(level))
}

// GetLevel 获取当前日志级别
func (l *Logger) GetLevel() string {
	return l.level.Level().String()
}

// WithModule 创建带模块名的子 Logger
func (l *Logger) WithModule(module string) *Logger {
	return l.With(zap.String("module", module))
}

// With 创建带固定字段的子 Logger，子 Logger 与父 Logger 共享级别
func (l *Logger) With(fields ...zap.Field) *Logger {
	z := l.zap.With(fields...)
	return &Logger{
		zap:   z,
		level: l.level,
	}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, fields...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, fields...)
}

// Sync 刷新日志缓冲区
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// ============================================================
// 全局 Logger 接口（仅供 main 和命令行入口使用）
// ============================================================

// Init 初始化全局 Logger
func Init(cfg LogConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
	return nil
}

// Global 获取全局 Logger，未初始化时返回 console/info 的默认 Logger
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if globalLogger == nil {
		logger, _ := NewLogger(LogConfig{
			Level:  "info",
			Output: "console",
		})
		return logger
	}
	return globalLogger
}

// SetGlobalLevel 设置全局日志级别
func SetGlobalLevel(level string) error {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if globalLogger == nil {
		return nil
	}
	return globalLogger.SetLevel(level)
}
