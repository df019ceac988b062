// Package event 定义进程生命周期事件以及调用处理脚本时的参数约定
package event

import (
	"time"
)

// Action 进程动作
type Action string

const (
	ActionStarted Action = "Started"
	ActionStopped Action = "Stopped"
)

// TimestampLayout 传给处理脚本的本地时间格式
const TimestampLayout = "2006-01-02 15:04:05"

// ProcessEvent 进程启动/退出事件，产生后即被消费，不做持久化
type ProcessEvent struct {
	ProcessName    string    // 规范化后的进程名（不含扩展名）
	PID            int       // 进程 ID
	Action         Action    // Started | Stopped
	ExecutablePath string    // 仅 Started 事件，尽力解析，可能为空
	Timestamp      time.Time // 检测时间
	Reconciled     bool      // 由启动/热加载时的对账合成，而非实时检测
}

// Started 构造启动事件
func Started(name string, pid int, exe string, ts time.Time) ProcessEvent {
	return ProcessEvent{
		ProcessName:    name,
		PID:            pid,
		Action:         ActionStarted,
		ExecutablePath: exe,
		Timestamp:      ts,
	}
}

// Stopped 构造退出事件，退出事件不携带可执行文件路径
func Stopped(name string, pid int, ts time.Time) ProcessEvent {
	return ProcessEvent{
		ProcessName: name,
		PID:         pid,
		Action:      ActionStopped,
		Timestamp:   ts,
	}
}

// FormatTimestamp 按处理脚本约定格式化时间
func (e ProcessEvent) FormatTimestamp() string {
	return e.Timestamp.Local().Format(TimestampLayout)
}
