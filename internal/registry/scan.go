package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/houzhh15/procwatch/internal/log"
)

// DefaultExamplesDir 默认排除的示例子目录
const DefaultExamplesDir = "_examples"

// ScanOptions 扫描选项
type ScanOptions struct {
	ExamplesDir      string      // 排除的子目录名，为空时使用 DefaultExamplesDir
	ScriptExtensions []string    // 计算文件名主干时去除的扩展名（不区分大小写）
	Logger           *log.Logger // 为空时不输出日志
}

// Scan 扫描目录（非递归）并构建注册表
//
// 目录读取失败不是致命错误：记录日志并返回空注册表和错误，由调用方决定是否重试。
// os.ReadDir 按文件名排序返回，同一 (进程名, 类型) 的多个文件以字典序最后一个为准，
// 被覆盖的文件记录在 Conflicts 中。
func Scan(dir string, opts ScanOptions) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	examples := opts.ExamplesDir
	if examples == "" {
		examples = DefaultExamplesDir
	}

	reg := newRegistry()

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("Failed to read handler directory",
			zap.String("dir", dir),
			zap.Error(err),
		)
		return reg, fmt.Errorf("read handler directory %s: %w", dir, err)
	}

	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || strings.EqualFold(name, examples) {
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}

		path := filepath.Join(dir, name)
		if !de.Type().IsRegular() {
			// 符号链接等：以目标类型为准
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
		}

		c := Classify(Stem(name, opts.ScriptExtensions))
		if !c.Recognized {
			logger.Debug("Skipping unrecognized handler file", zap.String("file", path))
			continue
		}

		reg.add(HandlerEntry{
			ProcessName: c.Name,
			Kind:        c.Kind,
			ScriptPath:  path,
		})
	}

	for _, cf := range reg.conflicts {
		logger.Warn("Duplicate handler, later file wins",
			zap.String("process", cf.ProcessName),
			zap.Stringer("kind", cf.Kind),
			zap.String("kept", cf.Kept),
			zap.String("dropped", cf.Dropped),
		)
	}

	logger.Debug("Handler directory scanned",
		zap.String("dir", dir),
		zap.Int("handlers", reg.Len()),
		zap.Strings("watch_list", reg.WatchList()),
	)
	return reg, nil
}

// Stem 去掉已知脚本扩展名后的文件名
// 未知扩展名保留，因此 "start.bar" 仍被识别为 bar 的启动脚本
func Stem(fileName string, scriptExts []string) string {
	ext := filepath.Ext(fileName)
	if ext == "" || ext == fileName {
		return fileName
	}
	for _, known := range scriptExts {
		if strings.EqualFold(ext, known) {
			return strings.TrimSuffix(fileName, ext)
		}
	}
	return fileName
}
