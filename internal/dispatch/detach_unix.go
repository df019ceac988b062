//go:build !windows
// +build !windows

package dispatch

import (
	"os/exec"
	"syscall"
)

// detach 放入新进程组，终端中断信号不会传给处理脚本
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
