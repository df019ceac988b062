package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 PROCWATCH_HANDLERS_DIR
const EnvPrefix = "PROCWATCH"

// Loader 配置加载器
type Loader struct {
	v       *viper.Viper
	mu      sync.Mutex
	watches []func(*Config)
}

// NewLoader 创建配置加载器
func NewLoader() *Loader {
	return &Loader{
		v:       viper.New(),
		watches: make([]func(*Config), 0),
	}
}

// Viper 返回底层 viper 实例，用于绑定命令行参数
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load 从指定路径加载配置
// 支持多个路径，后面的配置会覆盖前面的；文件不存在时使用默认值
func (l *Loader) Load(paths ...string) (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.v.SetConfigType("yaml")

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	l.setDefaults()

	for _, path := range paths {
		if path == "" {
			continue
		}
		l.v.SetConfigFile(path)
		if err := l.v.MergeInConfig(); err != nil {
			if !isNotFound(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// isNotFound 判断配置文件缺失
// SetConfigFile 指定路径时 viper 返回的是 *fs.PathError 而非 ConfigFileNotFoundError
func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// setDefaults 设置默认值，同时让 AutomaticEnv 能识别所有键
func (l *Loader) setDefaults() {
	def := Default()

	l.v.SetDefault("agent.name", def.Agent.Name)
	l.v.SetDefault("agent.lock_file", def.Agent.LockFile)
	l.v.SetDefault("handlers.dir", def.Handlers.Dir)
	l.v.SetDefault("handlers.examples_dir", def.Handlers.ExamplesDir)
	l.v.SetDefault("handlers.settle_delay", def.Handlers.SettleDelay)
	l.v.SetDefault("handlers.script_extensions", def.Handlers.ScriptExtensions)
	l.v.SetDefault("handlers.interpreters", def.Handlers.Interpreters)
	l.v.SetDefault("handlers.arg_style", def.Handlers.ArgStyle)
	l.v.SetDefault("monitor.strategy", def.Monitor.Strategy)
	l.v.SetDefault("monitor.poll_interval", def.Monitor.PollInterval)
	l.v.SetDefault("monitor.empty_rescan_interval", def.Monitor.EmptyRescanInterval)
	l.v.SetDefault("monitor.event_buffer", def.Monitor.EventBuffer)
	l.v.SetDefault("status.grpc_addr", def.Status.GRPCAddr)
	l.v.SetDefault("status.metrics_addr", def.Status.MetricsAddr)
	l.v.SetDefault("log.level", def.Log.Level)
	l.v.SetDefault("log.output", def.Log.Output)
	l.v.SetDefault("log.file_path", def.Log.FilePath)
	l.v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	l.v.SetDefault("log.max_backups", def.Log.MaxBackups)
	l.v.SetDefault("log.max_age_days", def.Log.MaxAgeDays)
}

// Watch 监听配置文件变更
// callback 仅在新配置解析并校验通过后被调用，失败时保持原配置
func (l *Loader) Watch(callback func(*Config)) error {
	l.mu.Lock()
	l.watches = append(l.watches, callback)
	l.mu.Unlock()

	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		defer l.mu.Unlock()

		cfg := &Config{}
		if err := l.v.Unmarshal(cfg); err != nil {
			return
		}
		if err := cfg.Validate(); err != nil {
			return
		}

		for _, watch := range l.watches {
			watch(cfg)
		}
	})

	l.v.WatchConfig()
	return nil
}

