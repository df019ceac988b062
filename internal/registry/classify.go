package registry

import (
	"strings"
)

// Kind 处理脚本类型
type Kind int

const (
	KindUniversal Kind = iota // 启动和退出都会调用
	KindStart                 // 仅启动时调用，文件名前缀 start.
	KindEnd                   // 仅退出时调用，文件名前缀 end.
)

const (
	startPrefix = "start."
	endPrefix   = "end."
)

func (k Kind) String() string {
	switch k {
	case KindUniversal:
		return "universal"
	case KindStart:
		return "start"
	case KindEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Classification 文件名分类结果
// Recognized 为 false 时表示无法识别（例如 "start." 后没有进程名）
type Classification struct {
	Kind       Kind
	Name       string
	Recognized bool
}

// Classify 将去掉脚本扩展名后的文件名映射为处理脚本类型和进程名
//
//	"notepad"       -> Universal(notepad)
//	"start.chrome"  -> Start(chrome)
//	"end.chrome"    -> End(chrome)
//	"start." / ""   -> Unrecognized
func Classify(stem string) Classification {
	stem = strings.TrimSpace(stem)
	lower := strings.ToLower(stem)

	var c Classification
	switch {
	case strings.HasPrefix(lower, startPrefix):
		c = Classification{Kind: KindStart, Name: stem[len(startPrefix):]}
	case strings.HasPrefix(lower, endPrefix):
		c = Classification{Kind: KindEnd, Name: stem[len(endPrefix):]}
	default:
		c = Classification{Kind: KindUniversal, Name: stem}
	}

	c.Name = NormalizeName(c.Name)
	c.Recognized = c.Name != ""
	return c
}

// executableExts 进程映像名上会被忽略的扩展名
var executableExts = []string{".exe", ".com"}

// NormalizeName 规范化进程名：小写并去掉可执行文件扩展名
// 注册表键与事件源匹配都使用该规则，因此匹配不区分大小写
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, ext := range executableExts {
		if len(name) > len(ext) && strings.HasSuffix(name, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}
