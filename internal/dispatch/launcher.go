package dispatch

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/houzhh15/procwatch/internal/log"
)

// Command 一次处理脚本启动请求
type Command struct {
	ID   string   // 启动ID，用于日志关联
	Path string   // 可执行文件或解释器
	Args []string // 不含 Path
	Env  []string // 追加到当前环境
	Dir  string   // 工作目录
}

// Launcher 启动处理脚本进程，不等待其结束
type Launcher interface {
	Launch(cmd Command) (pid int, err error)
}

// ExecLauncher 基于 os/exec 的 Launcher
//
// 子进程放入独立进程组，后台 goroutine 只负责回收，从不终止子进程。
type ExecLauncher struct {
	logger *log.Logger
}

// NewExecLauncher 创建默认 Launcher
func NewExecLauncher(logger *log.Logger) *ExecLauncher {
	if logger == nil {
		logger = log.NewNop()
	}
	return &ExecLauncher{logger: logger.WithModule("launcher")}
}

// Launch 实现 Launcher
func (l *ExecLauncher) Launch(c Command) (int, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", c.Path, err)
	}
	pid := cmd.Process.Pid

	go func() {
		err := cmd.Wait()
		fields := []zap.Field{
			zap.String("launch_id", c.ID),
			zap.Int("handler_pid", pid),
		}
		if cmd.ProcessState != nil {
			fields = append(fields, zap.Int("exit_code", cmd.ProcessState.ExitCode()))
		}
		if err != nil {
			l.logger.Debug("Handler exited with error", append(fields, zap.Error(err))...)
			return
		}
		l.logger.Debug("Handler exited", fields...)
	}()

	return pid, nil
}

// Interpreters 扩展名(不含点，小写) -> 解释器命令
type Interpreters map[string][]string

// Resolve 根据脚本扩展名决定实际执行的命令
// 未配置解释器的扩展名直接执行脚本本身
func (in Interpreters) Resolve(script string, args []string) (string, []string) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(script), "."))
	interp, ok := in[ext]
	if !ok || len(interp) == 0 {
		return script, args
	}

	argv := make([]string, 0, len(interp)+len(args))
	argv = append(argv, interp[1:]...)
	argv = append(argv, script)
	argv = append(argv, args...)
	return interp[0], argv
}
