package event

import (
	"strconv"

	"go.uber.org/zap"
)

// 传给处理脚本的环境变量名
const (
	EnvProcessName    = "PROCWATCH_PROCESS_NAME"
	EnvPID            = "PROCWATCH_PID"
	EnvAction         = "PROCWATCH_ACTION"
	EnvTimestamp      = "PROCWATCH_TIMESTAMP"
	EnvExecutablePath = "PROCWATCH_EXECUTABLE_PATH"
)

// ToPositionalArgs 位置参数：进程名 PID 动作 时间戳 [可执行文件路径]
// 可执行文件路径仅对 Started 事件追加（可能为空字符串）
func ToPositionalArgs(e ProcessEvent) []string {
	args := []string{
		e.ProcessName,
		strconv.Itoa(e.PID),
		string(e.Action),
		e.FormatTimestamp(),
	}
	if e.Action == ActionStarted {
		args = append(args, e.ExecutablePath)
	}
	return args
}

// ToNamedArgs 命名参数，适用于 PowerShell 的 param() 块
func ToNamedArgs(e ProcessEvent) []string {
	args := []string{
		"-ProcessName", e.ProcessName,
		"-ProcessId", strconv.Itoa(e.PID),
		"-Action", string(e.Action),
		"-Timestamp", e.FormatTimestamp(),
	}
	if e.Action == ActionStarted && e.ExecutablePath != "" {
		args = append(args, "-ExecutablePath", e.ExecutablePath)
	}
	return args
}

// ToEnv 以 KEY=VALUE 形式输出事件字段，追加到处理脚本的环境中
func ToEnv(e ProcessEvent) []string {
	env := []string{
		EnvProcessName + "=" + e.ProcessName,
		EnvPID + "=" + strconv.Itoa(e.PID),
		EnvAction + "=" + string(e.Action),
		EnvTimestamp + "=" + e.FormatTimestamp(),
	}
	if e.Action == ActionStarted {
		env = append(env, EnvExecutablePath+"="+e.ExecutablePath)
	}
	return env
}

// ToFields 转为结构化日志字段
func ToFields(e ProcessEvent) []zap.Field {
	fields := []zap.Field{
		zap.String("process", e.ProcessName),
		zap.Int("pid", e.PID),
		zap.String("action", string(e.Action)),
		zap.String("timestamp", e.FormatTimestamp()),
	}
	if e.ExecutablePath != "" {
		fields = append(fields, zap.String("executable", e.ExecutablePath))
	}
	if e.Reconciled {
		fields = append(fields, zap.Bool("reconciled", true))
	}
	return fields
}
