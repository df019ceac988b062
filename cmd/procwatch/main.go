// Package main 是 procwatch 的入口点
//
// procwatch 监听处理脚本目录，按脚本文件名得到需要关注的进程名，
// 在这些进程启动或退出时运行对应的脚本。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/houzhh15/procwatch/internal/config"
)

// 版本信息 (由编译时注入)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// 命令行参数
var (
	configPath   string
	handlersDir  string
	strategyFlag string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "procwatch",
	Short: "Run handler scripts when watched processes start or stop",
	Long: `procwatch watches a directory of handler scripts. Each script name selects a
process name (start.<name>, end.<name> or <name>); the script runs whenever a
process with that name starts or stops.`,
	SilenceUsage: true,
	RunE:         runMonitor,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "配置文件路径 (yaml)")
	flags.StringVar(&handlersDir, "handlers", "", "处理脚本目录，覆盖配置文件")
	flags.StringVar(&strategyFlag, "strategy", "", "事件源策略: auto | native | poll")
	flags.StringVar(&logLevel, "log-level", "", "日志级别: debug | info | warn | error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig 加载配置，命令行参数优先于环境变量和配置文件
func loadConfig(cmd *cobra.Command) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader()
	v := loader.Viper()

	bindings := map[string]string{
		"handlers.dir":     "handlers",
		"monitor.strategy": "strategy",
		"log.level":        "log-level",
	}
	for key, name := range bindings {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}

	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}
	return loader, cfg, nil
}
