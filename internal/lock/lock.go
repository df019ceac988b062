// Package lock 保证同一主机上只运行一个 procwatch 实例
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked 锁已被其他实例持有
var ErrLocked = errors.New("another procwatch instance is running")

// InstanceLock 基于文件锁的单实例锁
type InstanceLock struct {
	l *flock.Flock
}

// Acquire 立即尝试获取锁，已被占用时返回 ErrLocked
func Acquire(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	l := flock.New(path)
	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return &InstanceLock{l: l}, nil
}

// Path 锁文件路径
func (i *InstanceLock) Path() string {
	return i.l.Path()
}

// Release 释放锁
func (i *InstanceLock) Release() error {
	return i.l.Unlock()
}
