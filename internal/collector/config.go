package collector

import "time"

// 默认值
const (
	DefaultPollInterval = 2 * time.Second
	DefaultChannelSize  = 1000
)

// SourceConfig 事件源配置
type SourceConfig struct {
	// PollInterval 轮询间隔，仅轮询策略使用
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`

	// ChannelSize 事件channel容量
	ChannelSize int `mapstructure:"channel_size" json:"channel_size"`
}

// Validate 验证配置有效性，非法值回落到默认值
func (c *SourceConfig) Validate() error {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ChannelSize <= 0 {
		c.ChannelSize = DefaultChannelSize
	}
	return nil
}
