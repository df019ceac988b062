// Package registry 扫描处理脚本目录，生成不可变的处理脚本注册表快照
package registry

import (
	"sort"
)

// HandlerEntry 单个处理脚本，扫描后不可变，标识为 (ProcessName, Kind)
type HandlerEntry struct {
	ProcessName string
	Kind        Kind
	ScriptPath  string
}

// Conflict 记录两个文件映射到同一 (ProcessName, Kind) 的情况
// 目录按文件名字典序遍历，后出现的文件生效
type Conflict struct {
	ProcessName string
	Kind        Kind
	Kept        string
	Dropped     string
}

// Registry 处理脚本注册表快照
// Scan 返回后不再修改，并发读取方总是看到一致的快照；更新时整体替换
type Registry struct {
	byKind    [3]map[string]HandlerEntry
	conflicts []Conflict
}

// Empty 返回空注册表
func Empty() *Registry {
	return newRegistry()
}

func newRegistry() *Registry {
	r := &Registry{}
	for i := range r.byKind {
		r.byKind[i] = make(map[string]HandlerEntry)
	}
	return r
}

// add 仅在 Scan 构建阶段调用
func (r *Registry) add(entry HandlerEntry) {
	m := r.byKind[entry.Kind]
	if prev, ok := m[entry.ProcessName]; ok {
		r.conflicts = append(r.conflicts, Conflict{
			ProcessName: entry.ProcessName,
			Kind:        entry.Kind,
			Kept:        entry.ScriptPath,
			Dropped:     prev.ScriptPath,
		})
	}
	m[entry.ProcessName] = entry
}

// Lookup 按进程名和类型查找处理脚本，进程名会先规范化
func (r *Registry) Lookup(processName string, kind Kind) (HandlerEntry, bool) {
	if r == nil || kind < KindUniversal || kind > KindEnd {
		return HandlerEntry{}, false
	}
	entry, ok := r.byKind[kind][NormalizeName(processName)]
	return entry, ok
}

// Entries 返回指定类型的全部处理脚本，按进程名排序
func (r *Registry) Entries(kind Kind) []HandlerEntry {
	if r == nil || kind < KindUniversal || kind > KindEnd {
		return nil
	}
	entries := make([]HandlerEntry, 0, len(r.byKind[kind]))
	for _, e := range r.byKind[kind] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ProcessName < entries[j].ProcessName
	})
	return entries
}

// WatchList 三类映射键的并集
func (r *Registry) WatchList() WatchList {
	if r == nil {
		return nil
	}
	var names []string
	for _, m := range r.byKind {
		for name := range m {
			names = append(names, name)
		}
	}
	return NewWatchList(names...)
}

// Conflicts 返回扫描期间发现的重名冲突
func (r *Registry) Conflicts() []Conflict {
	if r == nil {
		return nil
	}
	return append([]Conflict(nil), r.conflicts...)
}

// Len 处理脚本总数
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, m := range r.byKind {
		n += len(m)
	}
	return n
}

// Equal 比较两个快照的内容是否一致
func (r *Registry) Equal(other *Registry) bool {
	if r.Len() != other.Len() {
		return false
	}
	for kind := KindUniversal; kind <= KindEnd; kind++ {
		for _, e := range r.Entries(kind) {
			o, ok := other.Lookup(e.ProcessName, kind)
			if !ok || o != e {
				return false
			}
		}
	}
	return true
}
