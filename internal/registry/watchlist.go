package registry

import (
	"sort"
	"strings"
)

// WatchList 已排序、去重的进程名集合
type WatchList []string

// NewWatchList 规范化、去重并排序
func NewWatchList(names ...string) WatchList {
	seen := make(map[string]struct{}, len(names))
	list := make(WatchList, 0, len(names))
	for _, n := range names {
		n = NormalizeName(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		list = append(list, n)
	}
	sort.Strings(list)
	return list
}

// Contains 判断进程名（规范化后）是否在列表中
func (w WatchList) Contains(name string) bool {
	name = NormalizeName(name)
	i := sort.SearchStrings(w, name)
	return i < len(w) && w[i] == name
}

// Set 转为集合，便于在一次枚举中按名称过滤
func (w WatchList) Set() map[string]struct{} {
	set := make(map[string]struct{}, len(w))
	for _, n := range w {
		set[n] = struct{}{}
	}
	return set
}

// Diff 与旧列表比较，返回新增和移除的进程名
func (w WatchList) Diff(prev WatchList) (added, removed []string) {
	for _, n := range w {
		if !prev.Contains(n) {
			added = append(added, n)
		}
	}
	for _, n := range prev {
		if !w.Contains(n) {
			removed = append(removed, n)
		}
	}
	return added, removed
}

// Equal 比较两个列表
func (w WatchList) Equal(other WatchList) bool {
	if len(w) != len(other) {
		return false
	}
	for i := range w {
		if w[i] != other[i] {
			return false
		}
	}
	return true
}

func (w WatchList) String() string {
	return "[" + strings.Join(w, ", ") + "]"
}
