//go:build windows
// +build windows

package dispatch

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// detach 新进程组，且不弹出控制台窗口
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
		HideWindow:    true,
	}
}
