// Package config 提供 procwatch 的配置管理功能
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// 监控策略
const (
	StrategyAuto   = "auto"   // 优先原生通知，失败后回退轮询
	StrategyNative = "native" // 仅原生通知（失败仍回退轮询，但记录为错误）
	StrategyPoll   = "poll"   // 仅轮询
)

// 处理脚本参数风格
const (
	ArgStylePositional = "positional"
	ArgStyleNamed      = "named"
)

// Config 定义 procwatch 的完整配置结构
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Handlers HandlersConfig `mapstructure:"handlers"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Status   StatusConfig   `mapstructure:"status"`
	Log      LogConfig      `mapstructure:"log"`
}

// AgentConfig 进程基础配置
type AgentConfig struct {
	Name     string `mapstructure:"name"`      // 实例名称
	LockFile string `mapstructure:"lock_file"` // 单实例锁文件，为空则不加锁
}

// HandlersConfig 处理脚本目录配置
type HandlersConfig struct {
	Dir              string              `mapstructure:"dir"`               // 处理脚本目录
	ExamplesDir      string              `mapstructure:"examples_dir"`      // 被排除的示例子目录名
	SettleDelay      time.Duration       `mapstructure:"settle_delay"`      // 目录变更后的静置延迟
	ScriptExtensions []string            `mapstructure:"script_extensions"` // 计算进程名时去除的脚本扩展名
	Interpreters     map[string][]string `mapstructure:"interpreters"`      // 扩展名(不含点) -> 解释器命令
	ArgStyle         string              `mapstructure:"arg_style"`         // positional | named
}

// MonitorConfig 事件源配置
type MonitorConfig struct {
	Strategy            string        `mapstructure:"strategy"`              // auto | native | poll
	PollInterval        time.Duration `mapstructure:"poll_interval"`         // 轮询间隔
	EmptyRescanInterval time.Duration `mapstructure:"empty_rescan_interval"` // 监控列表为空时的重新扫描间隔
	EventBuffer         int           `mapstructure:"event_buffer"`          // 事件通道容量
}

// StatusConfig 状态端点配置，地址为空表示不启用
type StatusConfig struct {
	GRPCAddr    string `mapstructure:"grpc_addr"`    // gRPC 健康检查服务地址
	MetricsAddr string `mapstructure:"metrics_addr"` // Prometheus /metrics 地址
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`        // 日志级别: debug, info, warn, error
	Output     string `mapstructure:"output"`       // 输出方式: console, file, both
	FilePath   string `mapstructure:"file_path"`    // 日志文件路径
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // 单文件最大大小(MB)
	MaxBackups int    `mapstructure:"max_backups"`  // 最大保留文件数
	MaxAgeDays int    `mapstructure:"max_age_days"` // 最大保留天数
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.Handlers.Dir == "" {
		return errors.New("handlers.dir is required")
	}
	if c.Handlers.ExamplesDir == "" || strings.ContainsAny(c.Handlers.ExamplesDir, `/\`) {
		return errors.New("handlers.examples_dir must be a plain directory name")
	}
	if c.Handlers.SettleDelay < 0 {
		return errors.New("handlers.settle_delay must not be negative")
	}
	if c.Handlers.ArgStyle != ArgStylePositional && c.Handlers.ArgStyle != ArgStyleNamed {
		return errors.New("handlers.arg_style must be one of: positional, named")
	}

	switch c.Monitor.Strategy {
	case StrategyAuto, StrategyNative, StrategyPoll:
	default:
		return errors.New("monitor.strategy must be one of: auto, native, poll")
	}
	if c.Monitor.PollInterval < 100*time.Millisecond {
		return errors.New("monitor.poll_interval must be at least 100ms")
	}
	if c.Monitor.EmptyRescanInterval <= 0 {
		return errors.New("monitor.empty_rescan_interval must be greater than 0")
	}
	if c.Monitor.EventBuffer <= 0 {
		return errors.New("monitor.event_buffer must be greater than 0")
	}
	if c.Monitor.EventBuffer > 100000 {
		return errors.New("monitor.event_buffer must be less than or equal to 100000")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if c.Log.Level != "" && !validLevels[c.Log.Level] {
		return errors.New("log.level must be one of: debug, info, warn, error")
	}

	validOutputs := map[string]bool{
		"console": true,
		"file":    true,
		"both":    true,
	}
	if c.Log.Output != "" && !validOutputs[c.Log.Output] {
		return errors.New("log.output must be one of: console, file, both")
	}
	if (c.Log.Output == "file" || c.Log.Output == "both") && c.Log.FilePath == "" {
		return errors.New("log.file_path is required when log.output writes to a file")
	}

	return nil
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:     "procwatch",
			LockFile: filepath.Join(os.TempDir(), "procwatch.lock"),
		},
		Handlers: HandlersConfig{
			Dir:         defaultHandlersDir(),
			ExamplesDir: "_examples",
			SettleDelay: 500 * time.Millisecond,
			ScriptExtensions: []string{
				".ps1", ".sh", ".bash", ".zsh", ".py", ".rb", ".pl", ".js", ".bat", ".cmd", ".exe",
			},
			Interpreters: map[string][]string{
				"ps1": {"pwsh", "-NoProfile", "-ExecutionPolicy", "Bypass", "-File"},
				"sh":  {"sh"},
				"py":  {"python3"},
				"bat": {"cmd", "/C"},
				"cmd": {"cmd", "/C"},
			},
			ArgStyle: ArgStylePositional,
		},
		Monitor: MonitorConfig{
			Strategy:            StrategyAuto,
			PollInterval:        2 * time.Second,
			EmptyRescanInterval: 5 * time.Second,
			EventBuffer:         1000,
		},
		Status: StatusConfig{},
		Log: LogConfig{
			Level:      "info",
			Output:     "console",
			FilePath:   "",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// defaultHandlersDir 默认处理脚本目录: <用户配置目录>/procwatch/handlers
func defaultHandlersDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "handlers"
	}
	return filepath.Join(dir, "procwatch", "handlers")
}
