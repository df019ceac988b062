package collector

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/houzhh15/procwatch/internal/registry"
)

// ProcessInfo 一次枚举得到的进程信息
type ProcessInfo struct {
	PID  int
	Name string // 规范化后的进程名
	Exe  string // 尽力获取，可能为空
}

// Lister 枚举/查询系统进程
type Lister interface {
	// List 返回名称在 names 中的存活进程；names 为 nil 表示不过滤
	List(ctx context.Context, names map[string]struct{}) ([]ProcessInfo, error)
	// Lookup 查询单个进程，进程已退出时返回错误
	Lookup(ctx context.Context, pid int) (ProcessInfo, error)
}

// SystemLister 基于 gopsutil 的 Lister
type SystemLister struct{}

// NewSystemLister 创建系统进程枚举器
func NewSystemLister() *SystemLister {
	return &SystemLister{}
}

// List 实现 Lister
func (l *SystemLister) List(ctx context.Context, names map[string]struct{}) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}

	result := make([]ProcessInfo, 0, len(names))
	for _, p := range procs {
		rawName, err := p.NameWithContext(ctx)
		if err != nil {
			// 枚举与读取之间进程已退出
			continue
		}
		name := registry.NormalizeName(rawName)
		if name == "" {
			continue
		}
		if names != nil {
			if _, ok := names[name]; !ok {
				continue
			}
		}
		// 路径读取失败（权限不足、已退出）时留空
		exe, _ := p.ExeWithContext(ctx)
		result = append(result, ProcessInfo{PID: int(p.Pid), Name: name, Exe: exe})
	}
	return result, nil
}

// Lookup 实现 Lister
func (l *SystemLister) Lookup(ctx context.Context, pid int) (ProcessInfo, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("lookup pid %d: %w", pid, err)
	}
	rawName, err := p.NameWithContext(ctx)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("read name of pid %d: %w", pid, err)
	}
	exe, _ := p.ExeWithContext(ctx)
	return ProcessInfo{PID: pid, Name: registry.NormalizeName(rawName), Exe: exe}, nil
}
